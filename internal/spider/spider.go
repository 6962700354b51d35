package spider

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/vsevolodbreus/vortex/internal/config"
	"github.com/vsevolodbreus/vortex/pkg/types"
)

// Condition decides what a rule does with matching URLs.
type Condition int

const (
	// Follow extracts candidate links from matching pages and feeds
	// them back to the scheduler.
	Follow Condition = 1 << iota

	// Parse runs the rule's extractors over matching pages to build a
	// record.
	Parse

	// FollowParse does both.
	FollowParse = Follow | Parse
)

// Follows reports whether the condition includes link following.
func (c Condition) Follows() bool { return c&Follow != 0 }

// Parses reports whether the condition includes record extraction.
func (c Condition) Parses() bool { return c&Parse != 0 }

// Pattern filters URLs with a pair of overlapping regular expressions:
// allow selects candidates, deny removes them again.
type Pattern struct {
	Allow []*regexp.Regexp
	Deny  []*regexp.Regexp
}

// NewPattern compiles allow and deny expressions into a Pattern.
func NewPattern(allow, deny []string) (Pattern, error) {
	var p Pattern
	for _, expr := range allow {
		re, err := regexp.Compile(expr)
		if err != nil {
			return Pattern{}, fmt.Errorf("compile allow pattern %q: %w", expr, err)
		}
		p.Allow = append(p.Allow, re)
	}
	for _, expr := range deny {
		re, err := regexp.Compile(expr)
		if err != nil {
			return Pattern{}, fmt.Errorf("compile deny pattern %q: %w", expr, err)
		}
		p.Deny = append(p.Deny, re)
	}
	return p, nil
}

// Matches reports whether the URL passes the allow set and none of the
// deny expressions. An empty allow set matches everything.
func (p Pattern) Matches(u string) bool {
	if len(p.Allow) > 0 {
		matched := false
		for _, re := range p.Allow {
			if re.MatchString(u) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, re := range p.Deny {
		if re.MatchString(u) {
			return false
		}
	}
	return true
}

// Extractor pulls named fields out of a fetched page. Implementations
// must be safe for concurrent use; the engine may parse responses from
// several workers at once.
type Extractor interface {
	Extract(page *Page) ([]types.Field, error)
}

// ExtractorFunc adapts a plain function to the Extractor interface.
type ExtractorFunc func(page *Page) ([]types.Field, error)

func (f ExtractorFunc) Extract(page *Page) ([]types.Field, error) { return f(page) }

// Rule binds a URL pattern to a condition and the extractors to run on
// matching pages. Rules are evaluated in order.
type Rule struct {
	Pattern    Pattern
	Condition  Condition
	Extractors []Extractor
}

// Spider is the resolved, validated bundle handed to the engine: start
// requests, the ordered rule set, and the configuration snapshot. It is
// immutable once the crawl starts.
type Spider struct {
	Name          string
	StartRequests []types.Request
	Rules         []Rule
	Config        config.Config
}

// New assembles a spider from seed URL strings, validating as it goes.
func New(name string, seeds []string, rules []Rule, cfg config.Config) (*Spider, error) {
	reqs := make([]types.Request, 0, len(seeds))
	for _, seed := range seeds {
		raw := strings.TrimSpace(seed)
		if !strings.Contains(raw, "://") {
			raw = "https://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse seed %q: %w", seed, err)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("seed %q missing host", seed)
		}
		reqs = append(reqs, types.Request{
			URL:    u,
			Method: http.MethodGet,
			Depth:  0,
		})
	}

	s := &Spider{
		Name:          name,
		StartRequests: reqs,
		Rules:         rules,
		Config:        cfg,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the bundle before a run. This is the only fatal error
// class of the engine: an invalid spider never starts crawling.
func (s *Spider) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("spider name must be set")
	}
	if len(s.StartRequests) == 0 {
		return errors.New("spider has no start requests")
	}
	for i, req := range s.StartRequests {
		if req.URL == nil {
			return fmt.Errorf("start request %d has nil URL", i)
		}
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return fmt.Errorf("start request %q has unsupported scheme %q", req.URL, req.URL.Scheme)
		}
	}
	for i, rule := range s.Rules {
		if rule.Condition == 0 {
			return fmt.Errorf("rule %d has no condition", i)
		}
		if rule.Condition.Parses() && len(rule.Extractors) == 0 {
			return fmt.Errorf("rule %d parses but has no extractors", i)
		}
	}
	return s.Config.Validate()
}
