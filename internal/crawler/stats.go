package crawler

import (
	"log/slog"
	"sync/atomic"

	"github.com/vsevolodbreus/vortex/pkg/types"
)

// Stats aggregates crawl counters. All fields are updated atomically
// from the fetch workers.
type Stats struct {
	Dispatched       atomic.Int64
	Succeeded        atomic.Int64
	ClientErrors     atomic.Int64
	TerminalFailures atomic.Int64
	Retries          atomic.Int64
	Redirects        atomic.Int64
	Records          atomic.Int64
	Discovered       atomic.Int64
}

func (s *Stats) observe(out types.Outcome) {
	if out.Attempts > 1 {
		s.Retries.Add(int64(out.Attempts - 1))
	}
	switch {
	case out.Redirect != nil:
		s.Redirects.Add(1)
	case out.Class == types.ClassOk:
		s.Succeeded.Add(1)
	case out.Class == types.ClassClientError:
		s.ClientErrors.Add(1)
	default:
		// Retryable class surviving the retry cap is a terminal
		// failure; it feeds scheduler feedback but never stops the
		// crawl.
		s.TerminalFailures.Add(1)
	}
}

func (s *Stats) attrs() []any {
	return []any{
		"dispatched", s.Dispatched.Load(),
		"succeeded", s.Succeeded.Load(),
		"client_errors", s.ClientErrors.Load(),
		"terminal_failures", s.TerminalFailures.Load(),
		"retries", s.Retries.Load(),
		"redirects", s.Redirects.Load(),
		"records", s.Records.Load(),
		"discovered", s.Discovered.Load(),
	}
}

func (s *Stats) log(logger *slog.Logger, msg string) {
	logger.Info(msg, s.attrs()...)
}
