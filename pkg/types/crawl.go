package types

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request models a single crawl target submitted to the scheduler.
// A request is immutable once enqueued except for its priority, which
// the scheduler may revise while the request sits in the frontier.
type Request struct {
	URL      *url.URL
	Method   string
	Header   http.Header
	Body     []byte
	Priority int
	Depth    int

	// Redirects counts the 3xx hops already taken to reach this
	// request. Follow-up requests produced by redirect resolution keep
	// the depth of the original request.
	Redirects int

	// Meta is an opaque bag carried through to the matching response
	// for correlation. The engine never interprets it.
	Meta map[string]string

	EnqueuedAt time.Time
}

// Host returns the lower-cased hostname of the request URL.
func (r Request) Host() string {
	if r.URL == nil {
		return ""
	}
	return strings.ToLower(r.URL.Hostname())
}

// Page represents fetched content together with its fetch timing.
type Page struct {
	URL        *url.URL
	FinalURL   *url.URL
	StatusCode int
	Header     http.Header
	Body       []byte
	FetchedAt  time.Time
	Latency    time.Duration
}

// OutcomeClass is the terminal classification of a fetch.
type OutcomeClass string

const (
	ClassOk           OutcomeClass = "ok"
	ClassClientError  OutcomeClass = "client_error"
	ClassServerError  OutcomeClass = "server_error"
	ClassTimeout      OutcomeClass = "timeout"
	ClassNetworkError OutcomeClass = "network_error"
)

// Retryable reports whether outcomes of this class are eligible for
// bounded retry with backoff.
func (c OutcomeClass) Retryable() bool {
	switch c {
	case ClassServerError, ClassTimeout, ClassNetworkError:
		return true
	}
	return false
}

// Outcome is the single terminal result of a dispatched request. Every
// dispatched request produces exactly one outcome, including cancelled
// and timed-out fetches.
type Outcome struct {
	Request  Request
	Class    OutcomeClass
	Page     *Page
	Err      error
	Attempts int

	// Redirect carries the follow-up request produced by 3xx
	// resolution. It is re-submitted to the scheduler instead of being
	// surfaced to the parser.
	Redirect *Request
}

// OK reports whether the outcome carries a parseable page.
func (o Outcome) OK() bool {
	return o.Class == ClassOk && o.Page != nil
}

// Field is a single named value extracted from a page. Values are
// strings, string slices, or nested *Record.
type Field struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Record is the ordered field set produced by the parser for one page,
// consumed by the pipeline.
type Record struct {
	RunID     string
	SourceURL string
	FetchedAt time.Time
	Fields    []Field
}

// Set appends or replaces a field, preserving insertion order.
func (r *Record) Set(name string, value any) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Value = value
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: value})
}

// Get returns the value of a named field.
func (r *Record) Get(name string) (any, bool) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			return r.Fields[i].Value, true
		}
	}
	return nil, false
}
