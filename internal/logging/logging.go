package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mode controls the handler style used when constructing a logger.
type Mode int

const (
	// ModeCLI renders log records in a terse text-oriented format.
	ModeCLI Mode = iota
	// ModeJSON renders log records as JSON.
	ModeJSON
)

// ParseMode maps a --log-format value onto a Mode.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "cli", "text":
		return ModeCLI, nil
	case "json":
		return ModeJSON, nil
	default:
		return ModeCLI, fmt.Errorf("unknown log format %q", value)
	}
}

// ParseLevel maps a --log-level value onto a slog level.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

// New constructs a logger targeting the provided writer using the requested mode.
// If level is nil, slog.LevelInfo is used.
func New(mode Mode, w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}
	if level == nil {
		level = slog.LevelInfo
	}

	switch mode {
	case ModeJSON:
		handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		})
		return slog.New(handler)
	default:
		handler := newCLIHandler(w, level)
		return slog.New(handler)
	}
}

// NewCLI constructs a logger that emits human-readable records suitable for CLI use.
func NewCLI(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeCLI, w, level)
}

// NewJSON constructs a logger that emits structured JSON records.
func NewJSON(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeJSON, w, level)
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// cliHandler writes one line per record:
//
//	2026-01-02T15:04:05.000Z INFO  [runner 3f2a] job finished status=completed
//
// The component and job_id attributes are lifted into the bracketed scope.
type cliHandler struct {
	out    *lockedWriter
	level  slog.Leveler
	scope  scope
	fields []byte
	prefix string
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

type scope struct {
	component string
	job       string
}

const (
	componentKey = "component"
	jobKey       = "job_id"
)

func newCLIHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return &cliHandler{out: &lockedWriter{w: w}, level: level}
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= currentLevel(h.level)
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	sc := h.scope
	var fields []byte
	record.Attrs(func(attr slog.Attr) bool {
		fields = appendAttr(fields, h.prefix, attr, &sc)
		return true
	})

	buf := make([]byte, 0, 128+len(h.fields)+len(fields))
	buf = ts.UTC().AppendFormat(buf, "2006-01-02T15:04:05.000Z07:00")
	buf = append(buf, ' ')
	buf = fmt.Appendf(buf, "%-5s", record.Level.String())
	if sc.component != "" || sc.job != "" {
		buf = append(buf, " ["...)
		buf = append(buf, sc.component...)
		if sc.component != "" && sc.job != "" {
			buf = append(buf, ' ')
		}
		buf = append(buf, sc.job...)
		buf = append(buf, ']')
	}
	buf = append(buf, ' ')
	buf = append(buf, record.Message...)
	buf = append(buf, h.fields...)
	buf = append(buf, fields...)
	buf = append(buf, '\n')

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	_, err := h.out.w.Write(buf)
	return err
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.fields = append([]byte(nil), h.fields...)
	for _, attr := range attrs {
		next.fields = appendAttr(next.fields, h.prefix, attr, &next.scope)
	}
	return &next
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// appendAttr renders attr as " key=value". Top-level component and job_id
// attributes update sc instead.
func appendAttr(buf []byte, prefix string, attr slog.Attr, sc *scope) []byte {
	value := resolveValue(attr.Value)
	if value.Kind() == slog.KindGroup {
		inner := prefix
		if attr.Key != "" {
			inner = prefix + attr.Key + "."
		}
		for _, nested := range value.Group() {
			buf = appendAttr(buf, inner, nested, sc)
		}
		return buf
	}
	if attr.Equal(slog.Attr{}) {
		return buf
	}
	if prefix == "" && sc != nil {
		switch attr.Key {
		case componentKey:
			sc.component = value.String()
			return buf
		case jobKey:
			sc.job = value.String()
			return buf
		}
	}

	buf = append(buf, ' ')
	buf = append(buf, prefix...)
	buf = append(buf, attr.Key...)
	buf = append(buf, '=')
	return appendValue(buf, value)
}

func appendValue(buf []byte, value slog.Value) []byte {
	switch value.Kind() {
	case slog.KindString:
		return appendQuoted(buf, value.String())
	case slog.KindInt64:
		return strconv.AppendInt(buf, value.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, value.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, value.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.AppendBool(buf, value.Bool())
	case slog.KindDuration:
		return append(buf, value.Duration().String()...)
	case slog.KindTime:
		return value.Time().UTC().AppendFormat(buf, time.RFC3339)
	case slog.KindAny:
		switch v := value.Any().(type) {
		case nil:
			return append(buf, "<nil>"...)
		case error:
			return appendQuoted(buf, v.Error())
		case fmt.Stringer:
			return appendQuoted(buf, v.String())
		case []string:
			return appendQuoted(buf, strings.Join(v, ","))
		}
		return appendQuoted(buf, fmt.Sprint(value.Any()))
	default:
		return appendQuoted(buf, value.String())
	}
}

// appendQuoted keeps key=value pairs splittable on whitespace.
func appendQuoted(buf []byte, s string) []byte {
	if s == "" {
		return append(buf, `""`...)
	}
	if strings.ContainsAny(s, " \t\n\"=") {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func currentLevel(level slog.Leveler) slog.Level {
	if level == nil {
		return slog.LevelInfo
	}
	return level.Level()
}

func resolveValue(value slog.Value) slog.Value {
	for range 4 {
		if value.Kind() != slog.KindLogValuer {
			return value
		}
		value = value.Resolve()
	}
	return value
}
