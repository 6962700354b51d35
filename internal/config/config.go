package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy selects the traversal order of the crawl frontier.
type Strategy string

const (
	// StrategyBFO crawls breadth-first: shallower requests first.
	StrategyBFO Strategy = "bfo"

	// StrategyDFO crawls depth-first: deeper requests first.
	StrategyDFO Strategy = "dfo"

	// StrategyFeedback orders breadth-first but sinks requests to hosts
	// that respond slowly or fail, based on downloader feedback.
	StrategyFeedback Strategy = "feedback"
)

// Config is the resolved, immutable configuration snapshot the engine
// consumes. How it is populated (file or direct construction) is up to
// the caller.
type Config struct {
	Crawl      CrawlConfig      `yaml:"crawl"`
	Downloader DownloaderConfig `yaml:"downloader"`
	Throttle   ThrottleConfig   `yaml:"throttle"`
	Robots     RobotsConfig     `yaml:"robots"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CrawlConfig bounds the crawl itself: traversal order, depth, volume.
type CrawlConfig struct {
	Strategy Strategy `yaml:"strategy"`
	MaxDepth int      `yaml:"max_depth"`

	// MaxPages caps the number of requests admitted to the frontier.
	// Zero means unbounded.
	MaxPages int `yaml:"max_pages"`
}

// DownloaderConfig controls network fetching and retry behaviour.
type DownloaderConfig struct {
	Concurrency        int               `yaml:"concurrency"`
	PerHostConcurrency int               `yaml:"per_host_concurrency"`
	UserAgent          string            `yaml:"user_agent"`
	UserAgents         []string          `yaml:"user_agents"`
	Headers            map[string]string `yaml:"headers"`
	Proxies            []string          `yaml:"proxies"`
	RequestTimeout     Duration          `yaml:"request_timeout"`
	MaxBodyBytes       int64             `yaml:"max_body_bytes"`
	MaxRetries         int               `yaml:"max_retries"`
	RetryBackoff       Duration          `yaml:"retry_backoff"`
	MaxRedirects       int               `yaml:"max_redirects"`
}

// ThrottleConfig bounds the per-host adaptive delay controller.
type ThrottleConfig struct {
	MinDelay      Duration `yaml:"min_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	TargetLatency Duration `yaml:"target_latency"`

	// FailureThreshold is the consecutive-failure count after which a
	// host is marked degraded and its queued requests deprioritized.
	FailureThreshold int `yaml:"failure_threshold"`
}

// RobotsConfig configures the robots.txt politeness input.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
	Overrides []string `yaml:"overrides"`
}

// PipelineConfig configures the record post-processing chain.
type PipelineConfig struct {
	Timestamp TimestampConfig `yaml:"timestamp"`
	Postgres  PostgresConfig  `yaml:"postgres"`

	// LogRecords emits every record through the structured logger,
	// truncating long field values.
	LogRecords  bool `yaml:"log_records"`
	LogFieldMax int  `yaml:"log_field_max"`
}

// TimestampConfig controls the timestamping pipeline element.
type TimestampConfig struct {
	Field  string `yaml:"field"`
	Format string `yaml:"format"` // rfc3339, rfc2822, unix, unix_ms, or a time layout
	Local  bool   `yaml:"local"`
}

// PostgresConfig describes an optional relational sink for records.
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`

	// Critical makes sink failures fatal to the crawl instead of being
	// isolated per record.
	Critical bool `yaml:"critical"`

	MaxOpenConns int `yaml:"max_open_conns"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			Strategy: StrategyBFO,
			MaxDepth: 3,
			MaxPages: 0,
		},
		Downloader: DownloaderConfig{
			Concurrency:        16,
			PerHostConcurrency: 2,
			UserAgent:          "vortex/1.0",
			Headers:            map[string]string{},
			RequestTimeout:     DurationFrom(10 * time.Second),
			MaxBodyBytes:       6 * 1024 * 1024,
			MaxRetries:         3,
			RetryBackoff:       DurationFrom(500 * time.Millisecond),
			MaxRedirects:       5,
		},
		Throttle: ThrottleConfig{
			MinDelay:         DurationFrom(100 * time.Millisecond),
			MaxDelay:         DurationFrom(10 * time.Second),
			TargetLatency:    DurationFrom(1 * time.Second),
			FailureThreshold: 3,
		},
		Robots: RobotsConfig{
			Respect:   false,
			UserAgent: "vortex/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Pipeline: PipelineConfig{
			Timestamp: TimestampConfig{
				Field:  "timestamp",
				Format: "unix",
			},
			LogRecords:  true,
			LogFieldMax: 120,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader on top
// of the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces required invariants for the engine configuration.
func (c Config) Validate() error {
	switch c.Crawl.Strategy {
	case StrategyBFO, StrategyDFO, StrategyFeedback:
	default:
		return fmt.Errorf("crawl.strategy must be one of bfo, dfo, feedback (got %q)", c.Crawl.Strategy)
	}
	if c.Crawl.MaxDepth <= 0 {
		return fmt.Errorf("crawl.max_depth must be > 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Downloader.Concurrency <= 0 {
		return fmt.Errorf("downloader.concurrency must be > 0 (got %d)", c.Downloader.Concurrency)
	}
	if c.Downloader.PerHostConcurrency < 0 {
		return fmt.Errorf("downloader.per_host_concurrency must be >= 0 (got %d)", c.Downloader.PerHostConcurrency)
	}
	if c.Downloader.MaxRetries < 0 {
		return fmt.Errorf("downloader.max_retries must be >= 0 (got %d)", c.Downloader.MaxRetries)
	}
	if c.Downloader.MaxRedirects < 0 {
		return fmt.Errorf("downloader.max_redirects must be >= 0 (got %d)", c.Downloader.MaxRedirects)
	}
	if c.Downloader.MaxBodyBytes <= 0 {
		return fmt.Errorf("downloader.max_body_bytes must be > 0 (got %d)", c.Downloader.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Downloader.UserAgent) == "" && len(c.Downloader.UserAgents) == 0 {
		return errors.New("downloader.user_agent or downloader.user_agents must be set")
	}
	if c.Throttle.MinDelay.Duration < 0 {
		return errors.New("throttle.min_delay must be >= 0")
	}
	if c.Throttle.MaxDelay.Duration < c.Throttle.MinDelay.Duration {
		return errors.New("throttle.max_delay must be >= throttle.min_delay")
	}
	if c.Throttle.FailureThreshold <= 0 {
		return fmt.Errorf("throttle.failure_threshold must be > 0 (got %d)", c.Throttle.FailureThreshold)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	if c.Pipeline.Postgres.DSN != "" && strings.TrimSpace(c.Pipeline.Postgres.Table) == "" {
		return errors.New("pipeline.postgres.table must be set when a DSN is configured")
	}
	return nil
}

func (c *Config) normalise() {
	c.Downloader.UserAgent = strings.TrimSpace(c.Downloader.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Pipeline.Postgres.Table = strings.TrimSpace(c.Pipeline.Postgres.Table)

	cleaned := make([]string, 0, len(c.Downloader.UserAgents))
	for _, ua := range c.Downloader.UserAgents {
		if ua = strings.TrimSpace(ua); ua != "" {
			cleaned = append(cleaned, ua)
		}
	}
	c.Downloader.UserAgents = cleaned

	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}
