package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vsevolodbreus/vortex/pkg/types"
)

// LogSink emits every record through the structured logger, truncating
// long field values. It never fails.
type LogSink struct {
	logger   *slog.Logger
	fieldMax int
}

// NewLogSink builds a log sink. fieldMax bounds the printed length of a
// single field value; zero disables truncation.
func NewLogSink(logger *slog.Logger, fieldMax int) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, fieldMax: fieldMax}
}

// Accept implements Sink.
func (s *LogSink) Accept(_ context.Context, rec types.Record) error {
	attrs := []any{"url", rec.SourceURL}
	for _, f := range rec.Fields {
		attrs = append(attrs, f.Name, s.render(f.Value))
	}
	s.logger.Info("record", attrs...)
	return nil
}

func (s *LogSink) render(v any) string {
	text := fmt.Sprintf("%v", v)
	if s.fieldMax > 0 && len(text) > s.fieldMax {
		text = text[:s.fieldMax] + "..."
	}
	return text
}
