// Package parser evaluates the spider's rule set against fetched pages,
// producing newly discovered requests for the scheduler and extracted
// records for the pipeline.
package parser

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/vsevolodbreus/vortex/internal/spider"
	"github.com/vsevolodbreus/vortex/pkg/types"
)

// Parser is stateless apart from failure counting and safe for
// concurrent use from multiple fetch workers.
type Parser struct {
	rules  []spider.Rule
	logger *slog.Logger

	extractionFailures atomic.Int64
}

// New creates a parser over an ordered rule set.
func New(rules []spider.Rule, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{rules: rules, logger: logger}
}

// Parse evaluates the rule set in order against a successful response.
// Follow rules filter the page's candidate links into requests at
// depth+1; parse rules whose pattern matches the response URL run their
// extractors to build a record. A malformed body yields empty output
// and an error; the crawl is never aborted on parse failures.
func (p *Parser) Parse(src *types.Page, depth int) ([]types.Request, []types.Record, error) {
	page, err := spider.NewPage(src)
	if err != nil {
		p.extractionFailures.Add(1)
		return nil, nil, fmt.Errorf("parse page %s: %w", src.URL, err)
	}

	responseURL := src.URL.String()
	links := page.Links()

	var requests []types.Request
	var records []types.Record
	enqueued := make(map[string]struct{})

	for _, rule := range p.rules {
		if rule.Condition.Follows() {
			for _, link := range links {
				key := link.String()
				if _, dup := enqueued[key]; dup {
					continue
				}
				if !rule.Pattern.Matches(key) {
					continue
				}
				enqueued[key] = struct{}{}
				requests = append(requests, types.Request{
					URL:    link,
					Method: http.MethodGet,
					Depth:  depth + 1,
				})
			}
		}

		if rule.Condition.Parses() && rule.Pattern.Matches(responseURL) {
			rec := types.Record{
				SourceURL: responseURL,
				FetchedAt: src.FetchedAt,
			}
			for _, ex := range rule.Extractors {
				fields, err := ex.Extract(page)
				if err != nil {
					p.extractionFailures.Add(1)
					p.logger.Warn("extraction failed", "url", responseURL, "error", err)
					continue
				}
				for _, f := range fields {
					rec.Set(f.Name, f.Value)
				}
			}
			if len(rec.Fields) > 0 {
				records = append(records, rec)
			}
		}
	}

	return requests, records, nil
}

// ExtractionFailures returns the number of extractor and parse errors
// observed so far.
func (p *Parser) ExtractionFailures() int64 {
	return p.extractionFailures.Load()
}
