package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vsevolodbreus/vortex/internal/config"
	"github.com/vsevolodbreus/vortex/internal/crawler"
	"github.com/vsevolodbreus/vortex/internal/spider"
)

// listFlag collects repeatable flag values.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

func main() {
	var (
		cfgPath = flag.String("config", "", "Path to crawl configuration file (YAML)")
		name    = flag.String("name", "vortex", "Spider name")
		grace   = flag.Duration("grace", 15*time.Second, "Drain grace period on first interrupt")

		seeds  listFlag
		allow  listFlag
		deny   listFlag
		fields listFlag
	)
	flag.Var(&seeds, "seed", "Seed URL (repeatable)")
	flag.Var(&allow, "allow", "Regex a link must match to be followed (repeatable)")
	flag.Var(&deny, "deny", "Regex that removes a link from following (repeatable)")
	flag.Var(&fields, "field", "Extraction rule as name=css-selector (repeatable)")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}

	sp, err := buildSpider(*name, seeds, allow, deny, fields, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build spider: %v\n", err)
		os.Exit(1)
	}

	engine, err := crawler.NewEngine(sp, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal drains with the grace period, second cancels outright.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		engine.Stop(*grace)
		<-sigs
		engine.Cancel()
	}()

	if err := engine.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "crawl stopped with error: %v\n", err)
		os.Exit(1)
	}
}

// buildSpider assembles a generic link-following spider from command
// line flags: one follow rule scoped by the allow/deny expressions and,
// when extraction fields are given, one parse rule covering every page.
func buildSpider(name string, seeds, allow, deny, fields []string, cfg config.Config) (*spider.Spider, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("at least one -seed is required")
	}

	pattern, err := spider.NewPattern(allow, deny)
	if err != nil {
		return nil, err
	}

	rules := []spider.Rule{{Pattern: pattern, Condition: spider.Follow}}

	if len(fields) > 0 {
		extractors := make([]spider.Extractor, 0, len(fields))
		for _, f := range fields {
			fieldName, selector, ok := strings.Cut(f, "=")
			if !ok || fieldName == "" || selector == "" {
				return nil, fmt.Errorf("invalid -field %q, expected name=css-selector", f)
			}
			extractors = append(extractors, spider.SelectorField(fieldName, selector))
		}
		rules = append(rules, spider.Rule{
			Pattern:    spider.Pattern{},
			Condition:  spider.Parse,
			Extractors: extractors,
		})
	}

	return spider.New(name, seeds, rules, cfg)
}
