package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/vsevolodbreus/vortex/pkg/types"
)

// Middleware is one stage of the downloader's fixed, ordered pipeline.
// ProcessRequest shapes the outgoing HTTP request and may short-circuit
// the fetch by returning an error, producing a soft-failure outcome
// without a network round trip. ProcessOutcome observes the terminal
// outcome on the way back.
type Middleware interface {
	Name() string
	ProcessRequest(req *http.Request, src types.Request) (*http.Request, error)
	ProcessOutcome(out *types.Outcome)
}

// base provides no-op stage methods for middlewares that only care
// about one direction.
type base struct{}

func (base) ProcessRequest(req *http.Request, _ types.Request) (*http.Request, error) {
	return req, nil
}

func (base) ProcessOutcome(_ *types.Outcome) {}

// headerStage applies default and configured headers, then the
// request's own header overrides.
type headerStage struct {
	base
	extra map[string]string
}

func newHeaderStage(extra map[string]string) *headerStage {
	return &headerStage{extra: extra}
}

func (s *headerStage) Name() string { return "headers" }

func (s *headerStage) ProcessRequest(req *http.Request, src types.Request) (*http.Request, error) {
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range s.extra {
		req.Header.Set(k, v)
	}
	for k, vs := range src.Header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// userAgentStage assigns the user agent, rotating through the
// configured list when one is provided.
type userAgentStage struct {
	base
	agents []string
	next   atomic.Uint64
}

func newUserAgentStage(single string, rotation []string) *userAgentStage {
	agents := rotation
	if len(agents) == 0 && single != "" {
		agents = []string{single}
	}
	return &userAgentStage{agents: agents}
}

func (s *userAgentStage) Name() string { return "user_agent" }

func (s *userAgentStage) ProcessRequest(req *http.Request, _ types.Request) (*http.Request, error) {
	if len(s.agents) == 0 {
		return req, nil
	}
	i := s.next.Add(1) - 1
	req.Header.Set("User-Agent", s.agents[i%uint64(len(s.agents))])
	return req, nil
}

type proxyContextKey struct{}

// proxyStage selects a proxy for the request round-robin and stashes it
// in the request context for the transport to pick up. An empty proxy
// list while proxying is required short-circuits the fetch.
type proxyStage struct {
	base
	proxies []*url.URL
	next    atomic.Uint64
}

var errNoProxy = errors.New("no proxy available")

func newProxyStage(raw []string) (*proxyStage, error) {
	s := &proxyStage{}
	for _, p := range raw {
		u, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url %q: %w", p, err)
		}
		s.proxies = append(s.proxies, u)
	}
	return s, nil
}

func (s *proxyStage) Name() string { return "proxy" }

func (s *proxyStage) ProcessRequest(req *http.Request, _ types.Request) (*http.Request, error) {
	if len(s.proxies) == 0 {
		return nil, errNoProxy
	}
	i := s.next.Add(1) - 1
	proxy := s.proxies[i%uint64(len(s.proxies))]
	ctx := context.WithValue(req.Context(), proxyContextKey{}, proxy)
	return req.WithContext(ctx), nil
}

// proxyFromContext is installed as the transport's Proxy function.
func proxyFromContext(req *http.Request) (*url.URL, error) {
	if p, ok := req.Context().Value(proxyContextKey{}).(*url.URL); ok {
		return p, nil
	}
	return nil, nil
}

// throttleStage feeds every terminal outcome back into the adaptive
// delay controller.
type throttleStage struct {
	base
	throttle *Throttle
}

func newThrottleStage(t *Throttle) *throttleStage {
	return &throttleStage{throttle: t}
}

func (s *throttleStage) Name() string { return "autothrottle" }

func (s *throttleStage) ProcessOutcome(out *types.Outcome) {
	host := out.Request.Host()
	var latency time.Duration
	if out.Page != nil {
		latency = out.Page.Latency
	}
	s.throttle.Record(host, latency, out.Class == types.ClassOk)
}

// logStage records the assessed outcome of each fetch.
type logStage struct {
	base
	logger *slog.Logger
}

func newLogStage(logger *slog.Logger) *logStage {
	return &logStage{logger: logger}
}

func (s *logStage) Name() string { return "log" }

func (s *logStage) ProcessOutcome(out *types.Outcome) {
	attrs := []any{
		"url", out.Request.URL,
		"class", string(out.Class),
		"attempts", out.Attempts,
	}
	if out.Page != nil {
		attrs = append(attrs, "status", out.Page.StatusCode, "latency", out.Page.Latency)
	}
	if out.Err != nil {
		attrs = append(attrs, "error", out.Err)
		s.logger.Warn("fetch completed", attrs...)
		return
	}
	s.logger.Debug("fetch completed", attrs...)
}
