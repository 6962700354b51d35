package downloader

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vsevolodbreus/vortex/internal/config"
)

// Throttle is the per-host adaptive delay controller. It is a closed
// loop, not a static limiter: the inter-request delay for a host grows
// additively while the host responds slowly or fails, and shrinks
// multiplicatively while it stays healthy, clamped to configured
// bounds.
//
// Dispatch ordering is enforced with a per-host token bucket whose
// refill interval tracks the current delay, so no two fetches to a
// throttled host pass the delay boundary concurrently.
type Throttle struct {
	mu sync.Mutex

	minDelay time.Duration
	maxDelay time.Duration
	target   time.Duration
	burst    int

	hosts map[string]*hostThrottle
}

type hostThrottle struct {
	delay   time.Duration
	floor   time.Duration // politeness floor, e.g. robots crawl-delay
	limiter *rate.Limiter
}

const decreaseFactor = 0.85

// NewThrottle builds a controller from throttle configuration. The
// per-host burst is the allowed concurrency below the delay boundary.
func NewThrottle(cfg config.ThrottleConfig, perHostBurst int) *Throttle {
	if perHostBurst <= 0 {
		perHostBurst = 1
	}
	return &Throttle{
		minDelay: cfg.MinDelay.Duration,
		maxDelay: cfg.MaxDelay.Duration,
		target:   cfg.TargetLatency.Duration,
		burst:    perHostBurst,
		hosts:    make(map[string]*hostThrottle),
	}
}

func (t *Throttle) hostLocked(host string) *hostThrottle {
	h, ok := t.hosts[host]
	if !ok {
		delay := t.minDelay
		h = &hostThrottle{
			delay:   delay,
			limiter: rate.NewLimiter(limitFor(delay), t.burst),
		}
		t.hosts[host] = h
	}
	return h
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}

// Wait blocks until a fetch to the host may be dispatched, honoring the
// current adaptive delay. It returns early with the context error on
// cancellation.
func (t *Throttle) Wait(ctx context.Context, host string) error {
	if host == "" {
		return nil
	}
	t.mu.Lock()
	limiter := t.hostLocked(host).limiter
	t.mu.Unlock()
	return limiter.Wait(ctx)
}

// Record feeds one observed fetch back into the controller. Failed or
// slow responses increase the host delay additively; healthy fast ones
// decrease it multiplicatively.
func (t *Throttle) Record(host string, latency time.Duration, ok bool) {
	if host == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.hostLocked(host)
	slow := t.target > 0 && latency > t.target
	if !ok || slow {
		h.delay += t.increment()
	} else {
		h.delay = time.Duration(float64(h.delay) * decreaseFactor)
	}
	h.delay = t.clamp(h.delay, h.floor)
	h.limiter.SetLimit(limitFor(h.delay))
}

// SetFloor raises the minimum delay for a host, typically from a robots
// crawl-delay directive. It never lowers an existing floor.
func (t *Throttle) SetFloor(host string, floor time.Duration) {
	if host == "" || floor <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.hostLocked(host)
	if floor <= h.floor {
		return
	}
	h.floor = floor
	h.delay = t.clamp(h.delay, h.floor)
	h.limiter.SetLimit(limitFor(h.delay))
}

// Delay returns the current inter-request delay for a host.
func (t *Throttle) Delay(host string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.hosts[host]; ok {
		return h.delay
	}
	return t.minDelay
}

func (t *Throttle) increment() time.Duration {
	inc := t.minDelay
	if inc < 50*time.Millisecond {
		inc = 50 * time.Millisecond
	}
	return inc
}

func (t *Throttle) clamp(d, floor time.Duration) time.Duration {
	low := t.minDelay
	if floor > low {
		low = floor
	}
	if d < low {
		d = low
	}
	if t.maxDelay > 0 && d > t.maxDelay {
		d = t.maxDelay
	}
	return d
}
