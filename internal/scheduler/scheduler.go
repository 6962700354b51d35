// Package scheduler owns the crawl frontier and the fingerprint ledger.
// It admits discovered requests, emits the next request to fetch in
// traversal-strategy order, and absorbs downloader feedback to
// deprioritize congested hosts. All mutation of the shared crawl state
// passes through the scheduler's API.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vsevolodbreus/vortex/internal/config"
	"github.com/vsevolodbreus/vortex/pkg/types"
)

// RejectReason explains why a request was not admitted. Rejections are
// expected steady-state events: they are counted, never escalated.
type RejectReason string

const (
	ReasonDuplicate     RejectReason = "duplicate_fingerprint"
	ReasonDepthExceeded RejectReason = "depth_exceeded"
	ReasonFiltered      RejectReason = "filtered_by_rule"
	ReasonPageBudget    RejectReason = "page_budget"
)

// Admission is the result of offering a request to the scheduler.
type Admission struct {
	Accepted bool
	Reason   RejectReason
}

// Filter vets a request before admission. Returning false rejects it
// with ReasonFiltered.
type Filter func(req types.Request) bool

// Options configures a scheduler for one crawl run.
type Options struct {
	Strategy config.Strategy
	MaxDepth int
	MaxPages int

	// FailureThreshold is the consecutive-failure count after which a
	// host is marked degraded.
	FailureThreshold int

	// BackoffBase seeds the exponential backoff applied to a degraded
	// host's dispatch eligibility.
	BackoffBase time.Duration

	// TargetLatency marks a response as slow for feedback purposes.
	TargetLatency time.Duration

	Filter Filter
	Logger *slog.Logger
}

// hostState is the per-host feedback accumulated from fetch outcomes.
type hostState struct {
	avgLatency time.Duration
	failures   int
	penalty    int
	degraded   bool
	backoff    time.Time
}

// Scheduler arbitrates admission and dispatch order for one crawl run.
type Scheduler struct {
	mu sync.Mutex

	strategy         config.Strategy
	maxDepth         int
	maxPages         int
	failureThreshold int
	backoffBase      time.Duration
	targetLatency    time.Duration
	filter           Filter
	logger           *slog.Logger

	fingerprints *Fingerprints
	frontier     *Frontier
	hosts        map[string]*hostState

	inflight int
	admitted int
	rejected map[RejectReason]int
}

const maxHostBackoff = 30 * time.Second

// New creates a scheduler with an empty frontier and ledger.
func New(opts Options) *Scheduler {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		strategy:         opts.Strategy,
		maxDepth:         opts.MaxDepth,
		maxPages:         opts.MaxPages,
		failureThreshold: opts.FailureThreshold,
		backoffBase:      opts.BackoffBase,
		targetLatency:    opts.TargetLatency,
		filter:           opts.Filter,
		logger:           opts.Logger,
		fingerprints:     NewFingerprints(0),
		frontier:         NewFrontier(),
		hosts:            make(map[string]*hostState),
		rejected:         make(map[RejectReason]int),
	}
}

// Admit offers a request for crawling. On acceptance the fingerprint is
// marked seen immediately, closing the duplicate-admission race during
// bursty discovery, and the request enters the frontier with a priority
// computed from the active strategy.
func (s *Scheduler) Admit(req types.Request) Admission {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxDepth > 0 && req.Depth > s.maxDepth {
		return s.rejectLocked(req, ReasonDepthExceeded)
	}
	if s.filter != nil && !s.filter(req) {
		return s.rejectLocked(req, ReasonFiltered)
	}
	if s.maxPages > 0 && s.admitted >= s.maxPages {
		return s.rejectLocked(req, ReasonPageBudget)
	}
	if !s.fingerprints.Add(FingerprintOf(req)) {
		return s.rejectLocked(req, ReasonDuplicate)
	}

	req.EnqueuedAt = time.Now()
	s.frontier.Push(req, s.priorityLocked(req))
	s.admitted++
	return Admission{Accepted: true}
}

func (s *Scheduler) rejectLocked(req types.Request, reason RejectReason) Admission {
	s.rejected[reason]++
	s.logger.Debug("request rejected", "url", req.URL, "reason", string(reason))
	return Admission{Reason: reason}
}

// priorityLocked computes the admission priority under the active
// strategy. Higher values pop first.
func (s *Scheduler) priorityLocked(req types.Request) int {
	switch s.strategy {
	case config.StrategyDFO:
		return req.Depth
	case config.StrategyFeedback:
		p := -req.Depth
		if h, ok := s.hosts[req.Host()]; ok {
			p -= h.penalty
		}
		return p
	default: // BFO
		return -req.Depth
	}
}

// Next pops the highest-priority, earliest-inserted pending request and
// counts it as in flight. The caller must eventually report exactly one
// outcome for it.
func (s *Scheduler) Next() (types.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.frontier.Pop()
	if !ok {
		return types.Request{}, false
	}
	s.inflight++
	return req, true
}

// ReportOutcome absorbs the terminal result of a dispatched request. It
// updates the per-host feedback state used by the feedback strategy and
// by the autothrottle, and settles the in-flight accounting required
// for quiescence detection.
func (s *Scheduler) ReportOutcome(req types.Request, outcome types.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight > 0 {
		s.inflight--
	}

	host := req.Host()
	if host == "" {
		return
	}
	h := s.hosts[host]
	if h == nil {
		h = &hostState{}
		s.hosts[host] = h
	}

	switch {
	case outcome.Class == types.ClassOk:
		var latency time.Duration
		if outcome.Page != nil {
			latency = outcome.Page.Latency
		}
		if h.avgLatency == 0 {
			h.avgLatency = latency
		} else {
			h.avgLatency = (h.avgLatency*7 + latency*3) / 10
		}
		if s.targetLatency > 0 && latency > s.targetLatency {
			h.penalty++
		} else {
			h.failures = 0
			h.penalty /= 2
			if h.penalty == 0 && h.degraded {
				h.degraded = false
				h.backoff = time.Time{}
				s.logger.Info("host recovered", "host", host)
			}
		}
	case outcome.Class.Retryable():
		h.failures++
		h.penalty++
		if h.failures >= s.failureThreshold {
			wait := s.backoffBase << uint(h.failures-s.failureThreshold)
			if wait > maxHostBackoff {
				wait = maxHostBackoff
			}
			h.backoff = time.Now().Add(wait)
			if !h.degraded {
				h.degraded = true
				s.logger.Warn("host degraded", "host", host, "failures", h.failures, "backoff", wait)
			}
			s.frontier.Penalize(host, h.penalty)
		}
	default:
		// Client errors are terminal but do not indicate host trouble.
		h.failures = 0
	}
}

// HostBackoff returns how long dispatch to the host should wait before
// the next fetch becomes eligible. Zero means no restriction.
func (s *Scheduler) HostBackoff(host string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[host]
	if !ok || h.backoff.IsZero() {
		return 0
	}
	if wait := time.Until(h.backoff); wait > 0 {
		return wait
	}
	return 0
}

// HostLatency exposes the per-host latency moving average.
func (s *Scheduler) HostLatency(host string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hosts[host]; ok {
		return h.avgLatency
	}
	return 0
}

// Quiescent reports whether the frontier is empty and no requests are
// in flight.
func (s *Scheduler) Quiescent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontier.Len() == 0 && s.inflight == 0
}

// Pending returns the number of queued requests.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontier.Len()
}

// Inflight returns the number of dispatched, unreported requests.
func (s *Scheduler) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Admitted returns the number of requests admitted so far.
func (s *Scheduler) Admitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitted
}

// Rejections returns a copy of the per-reason rejection counters.
func (s *Scheduler) Rejections() map[RejectReason]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[RejectReason]int, len(s.rejected))
	for k, v := range s.rejected {
		out[k] = v
	}
	return out
}
