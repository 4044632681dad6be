package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string
	// OutputPaths may contain "stdout", "stderr", or file paths. Duplicates
	// are collapsed; file parents are created.
	OutputPaths []string
}

// New constructs a slog logger using the provided options.
func New(opts Options) (*slog.Logger, error) {
	level := parseLevel(opts.Level)
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	writer, err := openWriters(opts.OutputPaths)
	if err != nil {
		return nil, err
	}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "console"
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = newJSONHandler(writer, levelVar)
	case "console":
		handler = newConsoleHandler(writer, levelVar)
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
	return slog.New(handler), nil
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(NoopHandler{})
}

// NoopHandler discards all log output.
type NoopHandler struct{}

func (NoopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (NoopHandler) Handle(context.Context, slog.Record) error { return nil }

func (NoopHandler) WithAttrs([]slog.Attr) slog.Handler { return NoopHandler{} }

func (NoopHandler) WithGroup(string) slog.Handler { return NoopHandler{} }

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openWriters(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	seen := map[string]struct{}{}
	var writers []io.Writer
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}

		switch trimmed {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("ensure log directory: %w", err)
				}
			}
			file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", trimmed, err)
			}
			writers = append(writers, file)
		}
	}
	switch len(writers) {
	case 0:
		return os.Stdout, nil
	case 1:
		return writers[0], nil
	default:
		return io.MultiWriter(writers...), nil
	}
}

func newJSONHandler(w io.Writer, lvl *slog.LevelVar) slog.Handler {
	opts := slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "ts"
				if attr.Value.Kind() == slog.KindTime {
					attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339))
				}
			case slog.LevelKey:
				attr.Value = slog.StringValue(strings.ToLower(attr.Value.String()))
			case slog.MessageKey:
				attr.Key = "msg"
			}
			return attr
		},
	}
	return slog.NewJSONHandler(w, &opts)
}

// consoleHandler renders "TIME LEVEL component: msg key=value" lines.
type consoleHandler struct {
	mu     sync.Mutex
	writer io.Writer
	level  *slog.LevelVar
	attrs  []slog.Attr
}

func newConsoleHandler(w io.Writer, lvl *slog.LevelVar) slog.Handler {
	return &consoleHandler{writer: w, level: lvl}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	attrs := make([]slog.Attr, 0, record.NumAttrs()+len(h.attrs))
	attrs = append(attrs, h.attrs...)
	record.Attrs(func(attr slog.Attr) bool {
		attrs = append(attrs, attr)
		return true
	})

	var component string
	filtered := attrs[:0]
	for _, attr := range attrs {
		if attr.Key == FieldComponent && component == "" {
			component = attr.Value.Resolve().String()
			continue
		}
		filtered = append(filtered, attr)
	}
	attrs = filtered

	var buf bytes.Buffer
	buf.Grow(128 + len(attrs)*24)
	buf.WriteString(timestamp.UTC().Format(time.RFC3339))
	buf.WriteByte(' ')
	buf.WriteString(levelLabel(record.Level))
	buf.WriteByte(' ')
	if component != "" {
		buf.WriteString(component)
		buf.WriteString(": ")
	}
	if msg := strings.TrimSpace(record.Message); msg != "" {
		buf.WriteString(msg)
	} else {
		buf.WriteString("(no message)")
	}
	for _, attr := range attrs {
		if attr.Key == "" {
			continue
		}
		buf.WriteByte(' ')
		buf.WriteString(attr.Key)
		buf.WriteByte('=')
		buf.WriteString(formatValue(attr.Value))
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	clone.attrs = append(clone.attrs, attrs...)
	return clone
}

func (h *consoleHandler) WithGroup(string) slog.Handler {
	return h.clone()
}

func (h *consoleHandler) clone() *consoleHandler {
	clone := &consoleHandler{writer: h.writer, level: h.level}
	if len(h.attrs) > 0 {
		clone.attrs = make([]slog.Attr, len(h.attrs))
		copy(clone.attrs, h.attrs)
	}
	return clone
}

func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return maybeQuote(v.String())
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return maybeQuote(err.Error())
		}
		return maybeQuote(fmt.Sprint(v.Any()))
	default:
		return maybeQuote(v.String())
	}
}

func maybeQuote(s string) string {
	if s == "" {
		return `""`
	}
	for _, r := range s {
		if r <= ' ' || r == '=' || r == '"' {
			return strconv.Quote(s)
		}
	}
	return s
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
