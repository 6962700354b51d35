package parser

import (
	"errors"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/vsevolodbreus/vortex/internal/spider"
	"github.com/vsevolodbreus/vortex/pkg/types"
)

func pageFor(t *testing.T, rawURL, body string) *types.Page {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return &types.Page{
		URL:        u,
		FinalURL:   u,
		StatusCode: 200,
		Body:       []byte(body),
		FetchedAt:  time.Now(),
	}
}

func mustPattern(t *testing.T, allow, deny []string) spider.Pattern {
	t.Helper()
	p, err := spider.NewPattern(allow, deny)
	if err != nil {
		t.Fatalf("NewPattern: %v", err)
	}
	return p
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestParseFollowFiltersLinks(t *testing.T) {
	body := `<html><body>
		<a href="/articles/1">one</a>
		<a href="/about">about</a>
		<a href="/articles/2">two</a>
	</body></html>`

	rules := []spider.Rule{{
		Pattern:   mustPattern(t, []string{`/articles/`}, nil),
		Condition: spider.Follow,
	}}
	p := New(rules, discard())

	reqs, recs, err := p.Parse(pageFor(t, "http://example.com/index", body), 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("records = %d, want 0", len(recs))
	}
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	for _, r := range reqs {
		if r.Depth != 1 {
			t.Errorf("depth = %d, want 1", r.Depth)
		}
	}
	if reqs[0].URL.Path != "/articles/1" || reqs[1].URL.Path != "/articles/2" {
		t.Errorf("unexpected targets: %s, %s", reqs[0].URL, reqs[1].URL)
	}
}

func TestParseDenyRemovesLinks(t *testing.T) {
	body := `<html><body>
		<a href="/articles/1">keep</a>
		<a href="/articles/drafts/2">drop</a>
	</body></html>`

	rules := []spider.Rule{{
		Pattern:   mustPattern(t, []string{`/articles/`}, []string{`/drafts/`}),
		Condition: spider.Follow,
	}}
	p := New(rules, discard())

	reqs, _, err := p.Parse(pageFor(t, "http://example.com/", body), 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(reqs) != 1 || reqs[0].URL.Path != "/articles/1" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestParseRuleGatesOnResponseURL(t *testing.T) {
	body := `<html><head><title>Hello</title></head></html>`
	rules := []spider.Rule{{
		Pattern:    mustPattern(t, []string{`/articles/`}, nil),
		Condition:  spider.Parse,
		Extractors: []spider.Extractor{spider.SelectorField("title", "title")},
	}}
	p := New(rules, discard())

	// Response URL outside the pattern: no record.
	_, recs, err := p.Parse(pageFor(t, "http://example.com/about", body), 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("records = %d, want 0 for non-matching url", len(recs))
	}

	// Matching response URL: one record.
	_, recs, err = p.Parse(pageFor(t, "http://example.com/articles/1", body), 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if v, _ := recs[0].Get("title"); v != "Hello" {
		t.Errorf("title = %v", v)
	}
}

func TestParseExtractorFailureIsIsolated(t *testing.T) {
	body := `<html><head><title>Still works</title></head></html>`
	failing := spider.ExtractorFunc(func(page *spider.Page) ([]types.Field, error) {
		return nil, errors.New("boom")
	})
	rules := []spider.Rule{{
		Pattern:   spider.Pattern{},
		Condition: spider.Parse,
		Extractors: []spider.Extractor{
			failing,
			spider.SelectorField("title", "title"),
		},
	}}
	p := New(rules, discard())

	_, recs, err := p.Parse(pageFor(t, "http://example.com/", body), 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1 despite failing extractor", len(recs))
	}
	if v, _ := recs[0].Get("title"); v != "Still works" {
		t.Errorf("title = %v", v)
	}
	if p.ExtractionFailures() != 1 {
		t.Errorf("extraction failures = %d, want 1", p.ExtractionFailures())
	}
}

func TestParseEmptyExtractionProducesNoRecord(t *testing.T) {
	body := `<html><body>no title here</body></html>`
	rules := []spider.Rule{{
		Pattern:    spider.Pattern{},
		Condition:  spider.Parse,
		Extractors: []spider.Extractor{spider.SelectorField("title", "title")},
	}}
	p := New(rules, discard())

	_, recs, err := p.Parse(pageFor(t, "http://example.com/", body), 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("records = %d, want 0 when nothing was extracted", len(recs))
	}
}

func TestParseEmptyBodyFails(t *testing.T) {
	p := New(nil, discard())
	_, _, err := p.Parse(pageFor(t, "http://example.com/", ""), 0)
	if err == nil {
		t.Fatal("expected error for empty body")
	}
	if p.ExtractionFailures() != 1 {
		t.Errorf("extraction failures = %d, want 1", p.ExtractionFailures())
	}
}

func TestParseFollowAndParseCombined(t *testing.T) {
	body := `<html><head><title>Combined</title></head>
		<body><a href="/next">next</a></body></html>`
	rules := []spider.Rule{{
		Pattern:    spider.Pattern{},
		Condition:  spider.FollowParse,
		Extractors: []spider.Extractor{spider.SelectorField("title", "title")},
	}}
	p := New(rules, discard())

	reqs, recs, err := p.Parse(pageFor(t, "http://example.com/", body), 1)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Depth != 2 {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
}

func TestParseDeduplicatesAcrossRules(t *testing.T) {
	body := `<html><body><a href="/shared">x</a></body></html>`
	rules := []spider.Rule{
		{Pattern: spider.Pattern{}, Condition: spider.Follow},
		{Pattern: spider.Pattern{}, Condition: spider.Follow},
	}
	p := New(rules, discard())

	reqs, _, err := p.Parse(pageFor(t, "http://example.com/", body), 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1 after cross-rule dedup", len(reqs))
	}
}
