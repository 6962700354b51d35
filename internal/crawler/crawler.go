// Package crawler wires scheduler, downloader, parser, and pipeline
// into a closed loop and drives it to quiescence or cancellation.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vsevolodbreus/vortex/internal/config"
	"github.com/vsevolodbreus/vortex/internal/downloader"
	"github.com/vsevolodbreus/vortex/internal/parser"
	"github.com/vsevolodbreus/vortex/internal/pipeline"
	robotsclient "github.com/vsevolodbreus/vortex/internal/robots"
	"github.com/vsevolodbreus/vortex/internal/scheduler"
	"github.com/vsevolodbreus/vortex/internal/spider"
	"github.com/vsevolodbreus/vortex/pkg/types"
)

// State is the engine lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateCancelling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCancelling:
		return "cancelling"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// ErrAlreadyRun is returned when Run is called on a stopped or running
// engine. A fresh engine (with a fresh frontier and fingerprint ledger)
// is required for a new crawl.
var ErrAlreadyRun = errors.New("engine cannot be restarted")

// Engine is the top-level crawl driver. One engine serves exactly one
// run.
type Engine struct {
	spdr     *spider.Spider
	cfg      config.Config
	logger   *slog.Logger
	runID    string
	sched    *scheduler.Scheduler
	throttle *downloader.Throttle
	dl       *downloader.Downloader
	parser   *parser.Parser
	sink     *pipeline.Chain
	robots   *robotsclient.Agent

	sem   *semaphore.Weighted
	state atomic.Int32
	wg    sync.WaitGroup
	done  chan struct{}

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	fatalMu  sync.Mutex
	fatalErr error

	stats Stats

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// NewEngine builds an engine from a validated spider bundle. The
// logger is required wiring, not ambient state; pass nil to construct
// one from the bundle's logging configuration.
func NewEngine(spdr *spider.Spider, logger *slog.Logger) (*Engine, error) {
	if spdr == nil {
		return nil, errors.New("nil spider")
	}
	if err := spdr.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spider: %w", err)
	}
	cfg := spdr.Config

	if logger == nil {
		var err error
		logger, err = NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	throttle := downloader.NewThrottle(cfg.Throttle, cfg.Downloader.PerHostConcurrency)
	dl, err := downloader.New(cfg.Downloader, throttle, logger)
	if err != nil {
		return nil, fmt.Errorf("downloader: %w", err)
	}

	sched := scheduler.New(scheduler.Options{
		Strategy:         cfg.Crawl.Strategy,
		MaxDepth:         cfg.Crawl.MaxDepth,
		MaxPages:         cfg.Crawl.MaxPages,
		FailureThreshold: cfg.Throttle.FailureThreshold,
		BackoffBase:      cfg.Downloader.RetryBackoff.Duration,
		TargetLatency:    cfg.Throttle.TargetLatency.Duration,
		Filter:           admissionFilter,
		Logger:           logger,
	})

	sink := pipeline.NewChain(logger).Use(pipeline.NewTimestamper(cfg.Pipeline.Timestamp))
	var closers []func() error
	if cfg.Pipeline.LogRecords {
		sink.AddSink(pipeline.NewLogSink(logger, cfg.Pipeline.LogFieldMax), false)
	}
	if cfg.Pipeline.Postgres.DSN != "" {
		pg, err := pipeline.NewPostgresSink(cfg.Pipeline.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres sink: %w", err)
		}
		sink.AddSink(pg, cfg.Pipeline.Postgres.Critical)
		closers = append(closers, pg.Close)
	}

	var agent *robotsclient.Agent
	if cfg.Robots.Respect {
		agent = robotsclient.NewAgent(cfg.Robots, nil)
	}

	return &Engine{
		spdr:     spdr,
		cfg:      cfg,
		logger:   logger,
		runID:    uuid.NewString(),
		sched:    sched,
		throttle: throttle,
		dl:       dl,
		parser:   parser.New(spdr.Rules, logger),
		sink:     sink,
		robots:   agent,
		sem:      semaphore.NewWeighted(int64(cfg.Downloader.Concurrency)),
		done:     make(chan struct{}),
		closers:  closers,
	}, nil
}

// admissionFilter rejects requests the downloader could never serve.
func admissionFilter(req types.Request) bool {
	if req.URL == nil {
		return false
	}
	scheme := strings.ToLower(req.URL.Scheme)
	return scheme == "http" || scheme == "https"
}

// AddSink registers an extra record sink before the run starts.
func (e *Engine) AddSink(s pipeline.Sink, critical bool) {
	e.sink.AddSink(s, critical)
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// RunID identifies this crawl run; records are tagged with it.
func (e *Engine) RunID() string {
	return e.runID
}

// Stats exposes the run counters.
func (e *Engine) Stats() *Stats {
	return &e.stats
}

// Run drives the crawl to quiescence or cancellation. It returns after
// all in-flight fetches have reported their outcome and the engine has
// reached the terminal Stopped state.
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyRun
	}
	defer close(e.done)
	defer e.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancelMu.Lock()
	e.cancel = cancel
	e.cancelMu.Unlock()

	e.logger.Info("crawl starting",
		"spider", e.spdr.Name,
		"run_id", e.runID,
		"strategy", string(e.cfg.Crawl.Strategy),
		"seeds", len(e.spdr.StartRequests),
	)

	for _, req := range e.spdr.StartRequests {
		e.admit(req)
	}

	progress := time.NewTicker(10 * time.Second)
	defer progress.Stop()

loop:
	for e.State() == StateRunning && runCtx.Err() == nil {
		req, ok := e.sched.Next()
		if !ok {
			if e.sched.Quiescent() {
				break
			}
			// In-flight fetches may still discover work.
			select {
			case <-runCtx.Done():
				break loop
			case <-progress.C:
				e.progressLog()
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}

		if err := e.sem.Acquire(runCtx, 1); err != nil {
			e.report(runCtx, req, types.Outcome{Request: req, Class: types.ClassTimeout, Err: err})
			break
		}
		e.stats.Dispatched.Add(1)
		e.wg.Add(1)
		go e.fetch(runCtx, req)
	}

	e.wg.Wait()
	e.state.Store(int32(StateStopped))
	e.stats.log(e.logger, "crawl finished")

	if err := e.fatal(); err != nil {
		return err
	}
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return nil
}

// Stop transitions to Draining: no new work is pulled, in-flight
// fetches get the grace period to finish, then are force-cancelled and
// reported as timeouts.
func (e *Engine) Stop(grace time.Duration) {
	if !e.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return
	}
	e.logger.Info("draining", "grace", grace)
	go func() {
		select {
		case <-e.done:
		case <-time.After(grace):
			e.logger.Warn("drain grace expired, cancelling in-flight fetches")
			e.cancelFetches()
		}
	}()
}

// Cancel abandons in-flight fetches immediately.
func (e *Engine) Cancel() {
	if e.state.CompareAndSwap(int32(StateRunning), int32(StateCancelling)) ||
		e.state.CompareAndSwap(int32(StateDraining), int32(StateCancelling)) {
		e.logger.Warn("cancelling crawl")
		e.cancelFetches()
	}
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if err := closer(); err != nil {
				e.closeErr = errors.Join(e.closeErr, err)
			}
		}
	})
	return e.closeErr
}

func (e *Engine) cancelFetches() {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// fetch executes one dispatched request and routes its single terminal
// outcome back through the loop.
func (e *Engine) fetch(ctx context.Context, req types.Request) {
	defer e.wg.Done()
	defer e.sem.Release(1)

	// A degraded host's next dispatch waits out its backoff window.
	if wait := e.sched.HostBackoff(req.Host()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			e.report(ctx, req, types.Outcome{Request: req, Class: types.ClassTimeout, Err: ctx.Err()})
			return
		}
	}

	if e.robots != nil {
		if delay := e.robots.CrawlDelay(ctx, req.URL); delay > 0 {
			e.throttle.SetFloor(req.Host(), delay)
		}
		if !e.robots.Allowed(ctx, req.URL) {
			e.report(ctx, req, types.Outcome{
				Request: req,
				Class:   types.ClassClientError,
				Err:     errors.New("blocked by robots.txt"),
			})
			return
		}
	}

	out := e.dl.Fetch(ctx, req)
	e.report(ctx, req, out)
}

// report routes the outcome's discovery output back into the scheduler
// and only then settles the in-flight slot. The decrement must come
// last: were it first, the run loop could observe an empty frontier
// with zero in-flight requests while redirect follow-ups or parsed
// links were still pending admission, and end the crawl with work
// left behind.
func (e *Engine) report(ctx context.Context, req types.Request, out types.Outcome) {
	defer e.sched.ReportOutcome(req, out)
	e.stats.observe(out)

	if out.Redirect != nil {
		e.admit(*out.Redirect)
		return
	}
	if !out.OK() || ctx.Err() != nil {
		return
	}

	requests, records, err := e.parser.Parse(out.Page, req.Depth)
	if err != nil {
		e.logger.Warn("parse failed", "url", req.URL, "error", err)
		return
	}
	for _, r := range requests {
		e.admit(r)
	}
	for _, rec := range records {
		rec.RunID = e.runID
		if err := e.sink.Accept(ctx, rec); err != nil {
			e.failCritical(err)
			return
		}
		e.stats.Records.Add(1)
	}
}

func (e *Engine) admit(req types.Request) {
	if adm := e.sched.Admit(req); adm.Accepted {
		e.stats.Discovered.Add(1)
	}
}

func (e *Engine) failCritical(err error) {
	e.fatalMu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	e.fatalMu.Unlock()
	e.logger.Error("critical pipeline failure, cancelling crawl", "error", err)
	e.Cancel()
}

func (e *Engine) fatal() error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatalErr
}

func (e *Engine) progressLog() {
	attrs := append([]any{
		"state", e.State().String(),
		"pending", e.sched.Pending(),
		"inflight", e.sched.Inflight(),
	}, e.stats.attrs()...)
	e.logger.Info("crawl progress", attrs...)
}

// NewLogger builds the process logger from logging configuration.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
