package logging

import (
	"log/slog"
	"time"
)

type Attr = slog.Attr

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldJobID is the standardized structured logging key for matching job identifiers.
	FieldJobID = "job_id"
	// FieldPersonID is the standardized structured logging key for person identifiers.
	FieldPersonID = "person_id"
	// FieldPotentialMatchID is the standardized structured logging key for potential match identifiers.
	FieldPotentialMatchID = "potential_match_id"
	// FieldRecordCount is the standardized structured logging key for person record counts.
	FieldRecordCount = "record_count"
	// FieldEventType is the standardized structured logging key for machine-readable event names.
	FieldEventType = "event_type"
	// FieldErrorHint is the standardized structured logging key for operator guidance on errors.
	FieldErrorHint = "error_hint"
)

func Any(key string, value any) Attr { return slog.Any(key, value) }

func Bool(key string, value bool) Attr { return slog.Bool(key, value) }

func Duration(key string, value time.Duration) Attr { return slog.Duration(key, value) }

func Float64(key string, value float64) Attr { return slog.Float64(key, value) }

func Int(key string, value int) Attr { return slog.Int(key, value) }

func Int64(key string, value int64) Attr { return slog.Int64(key, value) }

func String(key string, value string) Attr { return slog.String(key, value) }

func Error(err error) Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Any("error", err)
}

// Args converts attrs into the variadic any form slog methods accept.
func Args(attrs ...Attr) []any {
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	return args
}

// WithComponent returns a logger tagged with a standardized component attribute.
// A nil base logger yields a no-op logger.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(String(FieldComponent, component))
}
