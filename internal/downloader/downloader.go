// Package downloader executes fetches dispatched by the engine through
// a fixed middleware chain, classifies the result, and applies bounded
// retry and adaptive per-host throttling.
package downloader

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"

	"github.com/vsevolodbreus/vortex/internal/config"
	"github.com/vsevolodbreus/vortex/pkg/types"
)

// Downloader fetches one request at a time per call. It is safe for
// concurrent use by multiple fetch workers.
type Downloader struct {
	client       *http.Client
	chain        []Middleware
	throttle     *Throttle
	maxBodyBytes int64
	maxRetries   int
	retryBackoff time.Duration
	maxRedirects int
	logger       *slog.Logger
}

// New builds a downloader. The middleware chain order is fixed:
// headers, user agent, optional proxy on the request side; status
// assessment happens in the core, then autothrottle recording and
// logging observe the outcome.
func New(cfg config.DownloaderConfig, throttle *Throttle, logger *slog.Logger) (*Downloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := &http.Transport{
		Proxy:                 proxyFromContext,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
		// Redirects are resolved as follow-up requests through the
		// scheduler, never followed transparently.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	chain := []Middleware{
		newHeaderStage(cfg.Headers),
		newUserAgentStage(cfg.UserAgent, cfg.UserAgents),
	}
	if len(cfg.Proxies) > 0 {
		proxy, err := newProxyStage(cfg.Proxies)
		if err != nil {
			return nil, err
		}
		chain = append(chain, proxy)
	}
	chain = append(chain, newThrottleStage(throttle), newLogStage(logger))

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 6 * 1024 * 1024
	}

	return &Downloader{
		client:       client,
		chain:        chain,
		throttle:     throttle,
		maxBodyBytes: maxBody,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff.Duration,
		maxRedirects: cfg.MaxRedirects,
		logger:       logger,
	}, nil
}

// Fetch executes one request to a terminal outcome: the middleware
// chain, the network call, classification, and bounded retry with
// exponential backoff for server-side and transport failures. It always
// returns exactly one outcome, including on cancellation.
func (d *Downloader) Fetch(ctx context.Context, req types.Request) types.Outcome {
	host := req.Host()
	if err := d.throttle.Wait(ctx, host); err != nil {
		return d.finish(types.Outcome{Request: req, Class: types.ClassTimeout, Err: err})
	}

	var out types.Outcome
	for attempt := 0; ; attempt++ {
		out = d.attempt(ctx, req)
		out.Attempts = attempt + 1

		if !out.Class.Retryable() || attempt >= d.maxRetries {
			break
		}
		if ctx.Err() != nil {
			break
		}

		// Feed the failed attempt into the throttle before backing
		// off; the terminal outcome is recorded by the chain.
		d.throttle.Record(host, 0, false)

		wait := d.backoff(attempt)
		d.logger.Debug("retrying fetch", "url", req.URL, "attempt", attempt+1, "backoff", wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			out = types.Outcome{Request: req, Class: types.ClassTimeout, Err: ctx.Err(), Attempts: attempt + 1}
			return d.finish(out)
		}
	}
	return d.finish(out)
}

// finish runs the outcome through the response side of the chain.
func (d *Downloader) finish(out types.Outcome) types.Outcome {
	for _, m := range d.chain {
		m.ProcessOutcome(&out)
	}
	return out
}

func (d *Downloader) attempt(ctx context.Context, req types.Request) types.Outcome {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), body)
	if err != nil {
		return types.Outcome{Request: req, Class: types.ClassNetworkError, Err: fmt.Errorf("build request: %w", err)}
	}

	for _, m := range d.chain {
		httpReq, err = m.ProcessRequest(httpReq, req)
		if err != nil {
			return types.Outcome{
				Request: req,
				Class:   types.ClassNetworkError,
				Err:     fmt.Errorf("middleware %s: %w", m.Name(), err),
			}
		}
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return types.Outcome{Request: req, Class: classifyTransportError(err), Err: err}
	}
	latency := time.Since(start)

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return d.resolveRedirect(req, resp)
	}

	pageBody, err := d.readBody(resp)
	if err != nil {
		return types.Outcome{Request: req, Class: types.ClassNetworkError, Err: err}
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	page := &types.Page{
		URL:        req.URL,
		FinalURL:   finalURL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       pageBody,
		FetchedAt:  time.Now(),
		Latency:    latency,
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return types.Outcome{Request: req, Class: types.ClassOk, Page: page}
	case resp.StatusCode >= 500:
		return types.Outcome{
			Request: req,
			Class:   types.ClassServerError,
			Page:    page,
			Err:     fmt.Errorf("server returned status %d", resp.StatusCode),
		}
	default:
		return types.Outcome{
			Request: req,
			Class:   types.ClassClientError,
			Page:    page,
			Err:     fmt.Errorf("client error status %d", resp.StatusCode),
		}
	}
}

// resolveRedirect turns a 3xx response into a follow-up request for
// re-admission. The follow-up keeps the depth of the original request.
func (d *Downloader) resolveRedirect(req types.Request, resp *http.Response) types.Outcome {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return types.Outcome{
			Request: req,
			Class:   types.ClassClientError,
			Err:     fmt.Errorf("redirect status %d without location", resp.StatusCode),
		}
	}
	target, err := req.URL.Parse(loc)
	if err != nil {
		return types.Outcome{
			Request: req,
			Class:   types.ClassClientError,
			Err:     fmt.Errorf("resolve redirect location %q: %w", loc, err),
		}
	}
	if d.maxRedirects > 0 && req.Redirects >= d.maxRedirects {
		return types.Outcome{
			Request: req,
			Class:   types.ClassClientError,
			Err:     fmt.Errorf("redirect limit %d exceeded", d.maxRedirects),
		}
	}

	follow := types.Request{
		URL:       target,
		Method:    req.Method,
		Header:    req.Header,
		Depth:     req.Depth,
		Redirects: req.Redirects + 1,
		Meta:      req.Meta,
	}
	return types.Outcome{Request: req, Class: types.ClassOk, Redirect: &follow}
}

func (d *Downloader) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	// Decode to UTF-8 using the declared or sniffed charset.
	decoded, err := charset.NewReader(reader, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("charset decode: %w", err)
	}

	limited := io.LimitReader(decoded, d.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > d.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", d.maxBodyBytes)
	}
	return body, nil
}

func (d *Downloader) backoff(attempt int) time.Duration {
	base := d.retryBackoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	wait := base << uint(attempt)
	if wait > 30*time.Second {
		wait = 30 * time.Second
	}
	return wait
}

func classifyTransportError(err error) types.OutcomeClass {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ClassTimeout
	}
	return types.ClassNetworkError
}
