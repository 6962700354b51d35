package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromReaderOverridesDefaults(t *testing.T) {
	yaml := `
crawl:
  strategy: dfo
  max_depth: 5
downloader:
  concurrency: 8
  user_agent: "custom/2.0"
  retry_backoff: 250ms
throttle:
  min_delay: 1s
  max_delay: 20s
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Crawl.Strategy != StrategyDFO {
		t.Errorf("strategy = %s", cfg.Crawl.Strategy)
	}
	if cfg.Crawl.MaxDepth != 5 {
		t.Errorf("max_depth = %d", cfg.Crawl.MaxDepth)
	}
	if cfg.Downloader.Concurrency != 8 {
		t.Errorf("concurrency = %d", cfg.Downloader.Concurrency)
	}
	if cfg.Downloader.RetryBackoff.Duration != 250*time.Millisecond {
		t.Errorf("retry_backoff = %s", cfg.Downloader.RetryBackoff)
	}
	if cfg.Throttle.MinDelay.Duration != time.Second {
		t.Errorf("min_delay = %s", cfg.Throttle.MinDelay)
	}
	// Untouched sections keep their defaults.
	if cfg.Downloader.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want default", cfg.Downloader.MaxRetries)
	}
}

func TestLoadFromReaderRejectsUnknownKeys(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("crawl:\n  unknown_key: 1\n")); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad strategy", func(c *Config) { c.Crawl.Strategy = "random" }},
		{"zero depth", func(c *Config) { c.Crawl.MaxDepth = 0 }},
		{"negative pages", func(c *Config) { c.Crawl.MaxPages = -1 }},
		{"zero concurrency", func(c *Config) { c.Downloader.Concurrency = 0 }},
		{"negative retries", func(c *Config) { c.Downloader.MaxRetries = -1 }},
		{"no user agent", func(c *Config) {
			c.Downloader.UserAgent = ""
			c.Downloader.UserAgents = nil
		}},
		{"max below min delay", func(c *Config) {
			c.Throttle.MinDelay = DurationFrom(2 * time.Second)
			c.Throttle.MaxDelay = DurationFrom(time.Second)
		}},
		{"zero failure threshold", func(c *Config) { c.Throttle.FailureThreshold = 0 }},
		{"robots without agent", func(c *Config) {
			c.Robots.Respect = true
			c.Robots.UserAgent = " "
		}},
		{"postgres dsn without table", func(c *Config) {
			c.Pipeline.Postgres.DSN = "postgres://localhost/x"
			c.Pipeline.Postgres.Table = ""
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNormaliseCleansLists(t *testing.T) {
	yaml := `
downloader:
  user_agents: [" agent-a ", "", "agent-b"]
robots:
  overrides: ["News.Example.COM", "news.example.com", " "]
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if len(cfg.Downloader.UserAgents) != 2 {
		t.Errorf("user_agents = %v", cfg.Downloader.UserAgents)
	}
	if len(cfg.Robots.Overrides) != 1 || cfg.Robots.Overrides[0] != "news.example.com" {
		t.Errorf("overrides = %v", cfg.Robots.Overrides)
	}
}

func TestDurationAcceptsNumericSeconds(t *testing.T) {
	yaml := "downloader:\n  request_timeout: 30\n"
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Downloader.RequestTimeout.Duration != 30*time.Second {
		t.Errorf("request_timeout = %s", cfg.Downloader.RequestTimeout)
	}
}
