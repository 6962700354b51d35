package pipeline

import (
	"strconv"
	"time"

	"github.com/vsevolodbreus/vortex/internal/config"
	"github.com/vsevolodbreus/vortex/pkg/types"
)

// Timestamper stamps each record with a formatted time field.
type Timestamper struct {
	field  string
	format string
	local  bool
	now    func() time.Time
}

// NewTimestamper builds the element from pipeline configuration.
// Supported formats: rfc3339, rfc2822, unix, unix_ms, or any Go time
// layout string.
func NewTimestamper(cfg config.TimestampConfig) *Timestamper {
	field := cfg.Field
	if field == "" {
		field = "timestamp"
	}
	format := cfg.Format
	if format == "" {
		format = "unix"
	}
	return &Timestamper{
		field:  field,
		format: format,
		local:  cfg.Local,
		now:    time.Now,
	}
}

// Process implements Element.
func (t *Timestamper) Process(rec types.Record) types.Record {
	ts := t.now()
	if t.local {
		ts = ts.Local()
	} else {
		ts = ts.UTC()
	}

	var v string
	switch t.format {
	case "rfc3339":
		v = ts.Format(time.RFC3339)
	case "rfc2822":
		v = ts.Format(time.RFC1123Z)
	case "unix":
		v = strconv.FormatInt(ts.Unix(), 10)
	case "unix_ms":
		v = strconv.FormatInt(ts.UnixMilli(), 10)
	default:
		v = ts.Format(t.format)
	}
	rec.Set(t.field, v)
	return rec
}
