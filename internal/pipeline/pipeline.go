// Package pipeline delivers parsed records, one at a time and in
// extraction order, through a chain of post-processing elements to the
// configured sinks. Sink failures are isolated per record unless a sink
// is marked critical.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/vsevolodbreus/vortex/pkg/types"
)

// Sink accepts one record at a time in fetch-completion order per item.
type Sink interface {
	Accept(ctx context.Context, rec types.Record) error
}

// Element transforms a record before it reaches the sinks.
type Element interface {
	Process(rec types.Record) types.Record
}

// Chain applies elements in order and fans the result out to sinks.
type Chain struct {
	elements []Element
	sinks    []sinkEntry
	logger   *slog.Logger
	failures atomic.Int64
}

type sinkEntry struct {
	sink     Sink
	critical bool
}

// NewChain builds an empty pipeline chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Use appends a post-processing element.
func (c *Chain) Use(e Element) *Chain {
	c.elements = append(c.elements, e)
	return c
}

// AddSink registers a sink. A critical sink's failure aborts the crawl;
// others are logged and counted.
func (c *Chain) AddSink(s Sink, critical bool) *Chain {
	c.sinks = append(c.sinks, sinkEntry{sink: s, critical: critical})
	return c
}

// Accept runs one record through the chain. Only critical sink errors
// propagate to the caller.
func (c *Chain) Accept(ctx context.Context, rec types.Record) error {
	for _, e := range c.elements {
		rec = e.Process(rec)
	}
	for _, entry := range c.sinks {
		if err := entry.sink.Accept(ctx, rec); err != nil {
			if entry.critical {
				return fmt.Errorf("critical sink: %w", err)
			}
			c.failures.Add(1)
			c.logger.Error("sink failed", "url", rec.SourceURL, "error", err)
		}
	}
	return nil
}

// SinkFailures returns the count of isolated sink errors.
func (c *Chain) SinkFailures() int64 {
	return c.failures.Load()
}
