package downloader

import (
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vsevolodbreus/vortex/internal/config"
	"github.com/vsevolodbreus/vortex/pkg/types"
)

func testDownloaderConfig() config.DownloaderConfig {
	return config.DownloaderConfig{
		Concurrency:    4,
		UserAgent:      "vortex-test/1.0",
		RequestTimeout: config.DurationFrom(5 * time.Second),
		MaxBodyBytes:   1 << 20,
		MaxRetries:     2,
		RetryBackoff:   config.DurationFrom(time.Millisecond),
		MaxRedirects:   3,
	}
}

func newTestDownloader(t *testing.T, cfg config.DownloaderConfig) *Downloader {
	t.Helper()
	throttle := NewThrottle(config.ThrottleConfig{}, 4)
	d, err := New(cfg, throttle, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func requestFor(t *testing.T, raw string) types.Request {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return types.Request{URL: u, Method: http.MethodGet}
}

func TestFetchSuccess(t *testing.T) {
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		w.Write([]byte("<html><title>ok</title></html>"))
	}))
	defer srv.Close()

	d := newTestDownloader(t, testDownloaderConfig())
	out := d.Fetch(context.Background(), requestFor(t, srv.URL+"/page"))

	if out.Class != types.ClassOk {
		t.Fatalf("class = %s, want ok (err: %v)", out.Class, out.Err)
	}
	if out.Page == nil || out.Page.StatusCode != http.StatusOK {
		t.Fatalf("unexpected page: %+v", out.Page)
	}
	if out.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", out.Attempts)
	}
	if ua := gotUA.Load(); ua != "vortex-test/1.0" {
		t.Errorf("user agent = %v", ua)
	}
	if out.Page.Latency <= 0 {
		t.Error("latency not recorded")
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("<html>recovered</html>"))
	}))
	defer srv.Close()

	d := newTestDownloader(t, testDownloaderConfig())
	out := d.Fetch(context.Background(), requestFor(t, srv.URL))

	if out.Class != types.ClassOk {
		t.Fatalf("class = %s, want ok after retries", out.Class)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", out.Attempts)
	}
}

func TestFetchRetryCapProducesTerminalFailure(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testDownloaderConfig()
	cfg.MaxRetries = 2
	d := newTestDownloader(t, cfg)
	out := d.Fetch(context.Background(), requestFor(t, srv.URL))

	if out.Class != types.ClassServerError {
		t.Fatalf("class = %s, want server_error", out.Class)
	}
	// One initial attempt plus exactly MaxRetries retries.
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", out.Attempts)
	}
}

func TestFetchClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := newTestDownloader(t, testDownloaderConfig())
	out := d.Fetch(context.Background(), requestFor(t, srv.URL))

	if out.Class != types.ClassClientError {
		t.Fatalf("class = %s, want client_error", out.Class)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1", got)
	}
}

func TestFetchRedirectBecomesFollowUpRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/moved", http.StatusFound)
	}))
	defer srv.Close()

	d := newTestDownloader(t, testDownloaderConfig())
	req := requestFor(t, srv.URL+"/old")
	req.Depth = 2
	out := d.Fetch(context.Background(), req)

	if out.Redirect == nil {
		t.Fatalf("expected a redirect follow-up, got class %s (err: %v)", out.Class, out.Err)
	}
	if out.Redirect.URL.Path != "/moved" {
		t.Errorf("redirect target = %s", out.Redirect.URL)
	}
	if out.Redirect.Depth != 2 {
		t.Errorf("redirect depth = %d, want original depth 2", out.Redirect.Depth)
	}
	if out.Redirect.Redirects != 1 {
		t.Errorf("redirect hop count = %d, want 1", out.Redirect.Redirects)
	}
}

func TestFetchRedirectLoopIsBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	cfg := testDownloaderConfig()
	cfg.MaxRedirects = 3
	d := newTestDownloader(t, cfg)

	req := requestFor(t, srv.URL+"/loop")
	req.Redirects = 3
	out := d.Fetch(context.Background(), req)

	if out.Class != types.ClassClientError {
		t.Fatalf("class = %s, want client_error at redirect limit", out.Class)
	}
	if out.Redirect != nil {
		t.Error("redirect limit exceeded but follow-up still produced")
	}
}

func TestFetchDecodesGzipBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("<html>compressed</html>"))
		gz.Close()
	}))
	defer srv.Close()

	d := newTestDownloader(t, testDownloaderConfig())
	out := d.Fetch(context.Background(), requestFor(t, srv.URL))

	if out.Class != types.ClassOk {
		t.Fatalf("class = %s (err: %v)", out.Class, out.Err)
	}
	if string(out.Page.Body) != "<html>compressed</html>" {
		t.Errorf("body = %q", out.Page.Body)
	}
}

func TestFetchEnforcesBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	cfg := testDownloaderConfig()
	cfg.MaxBodyBytes = 1024
	cfg.MaxRetries = 0
	d := newTestDownloader(t, cfg)
	out := d.Fetch(context.Background(), requestFor(t, srv.URL))

	if out.Class != types.ClassNetworkError {
		t.Fatalf("class = %s, want network_error for oversized body", out.Class)
	}
}

func TestFetchCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	d := newTestDownloader(t, testDownloaderConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := d.Fetch(ctx, requestFor(t, srv.URL))
	if out.Class != types.ClassTimeout {
		t.Fatalf("class = %s, want timeout", out.Class)
	}
}

func TestUserAgentRotation(t *testing.T) {
	stage := newUserAgentStage("", []string{"agent-a", "agent-b"})

	var got []string
	for i := 0; i < 4; i++ {
		req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
		req, err := stage.ProcessRequest(req, types.Request{})
		if err != nil {
			t.Fatalf("ProcessRequest: %v", err)
		}
		got = append(got, req.Header.Get("User-Agent"))
	}
	want := []string{"agent-a", "agent-b", "agent-a", "agent-b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestProxyStageRoundRobin(t *testing.T) {
	stage, err := newProxyStage([]string{"http://proxy-a:8080", "http://proxy-b:8080"})
	if err != nil {
		t.Fatalf("newProxyStage: %v", err)
	}

	var hosts []string
	for i := 0; i < 4; i++ {
		req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
		req, err := stage.ProcessRequest(req, types.Request{})
		if err != nil {
			t.Fatalf("ProcessRequest: %v", err)
		}
		proxy, err := proxyFromContext(req)
		if err != nil || proxy == nil {
			t.Fatalf("proxy not stashed in context: %v", err)
		}
		hosts = append(hosts, proxy.Host)
	}
	want := []string{"proxy-a:8080", "proxy-b:8080", "proxy-a:8080", "proxy-b:8080"}
	for i := range want {
		if hosts[i] != want[i] {
			t.Fatalf("proxy rotation = %v, want %v", hosts, want)
		}
	}
}

func TestHeaderStageRespectsRequestOverrides(t *testing.T) {
	stage := newHeaderStage(map[string]string{"X-Extra": "configured"})
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)

	src := types.Request{Header: http.Header{"X-Extra": []string{"override"}}}
	req, err := stage.ProcessRequest(req, src)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if got := req.Header.Get("X-Extra"); got != "override" {
		t.Errorf("X-Extra = %q, want request override", got)
	}
	if req.Header.Get("Accept") == "" {
		t.Error("default Accept header missing")
	}
}
