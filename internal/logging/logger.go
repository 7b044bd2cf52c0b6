// Package logging writes the relay's structured logs: JSON or text lines, mirrored
// to stdout and to one file per day.
package logging

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"hiprint/transit/internal/config"
)

// TraceIDHeader is the HTTP header carrying a request trace identifier.
const TraceIDHeader = "X-Trace-ID"

// TraceIDField is the log field holding the trace identifier.
const TraceIDField = "trace_id"

// Output formats accepted by LoggingConfig.Format.
const (
	FormatJSON = "json"
	FormatText = "text"
)

type contextKey string

var (
	loggerContextKey = contextKey("relay-logger")
	traceContextKey  = contextKey("relay-trace-id")

	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// Level orders log verbosity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if l < DebugLevel || l > FatalLevel {
		return "info"
	}
	return levelNames[l]
}

// ParseLevel maps a textual level onto Level. An empty string is info.
func ParseLevel(raw string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "":
		return InfoLevel, nil
	case "warning":
		return WarnLevel, nil
	}
	for i, candidate := range levelNames {
		if candidate == name {
			return Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", raw)
}

// Field is one structured attribute.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Strings returns a string slice field.
func Strings(key string, values []string) Field { return Field{Key: key, Value: values} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration returns a duration field rendered as text.
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Any returns a field holding an arbitrary JSON-encodable value.
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Error returns an error field.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

type syncWriter interface {
	io.Writer
	Sync() error
}

// sink is shared by a logger and every logger derived from it with With.
type sink struct {
	mu     sync.Mutex
	writer syncWriter
	format string
	now    func() time.Time
	exit   func(int)
}

// Logger emits one line per entry carrying its bound fields followed by the call
// site fields. Later fields with the same key win.
type Logger struct {
	sink   *sink
	level  Level
	fields []Field
}

type fanout []syncWriter

func (f fanout) Write(p []byte) (int, error) {
	for _, w := range f {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (f fanout) Sync() error {
	var firstErr error
	for _, w := range f {
		if err := w.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// New builds the process logger from cfg: daily files under cfg.Dir (none when
// empty) plus stdout when cfg.Stdout is set.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := parseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	var writers fanout
	if strings.TrimSpace(cfg.Dir) != "" {
		daily, err := newDailyWriter(cfg, time.Now)
		if err != nil {
			return nil, err
		}
		writers = append(writers, daily)
	}
	if cfg.Stdout {
		writers = append(writers, os.Stdout)
	}
	logger := &Logger{
		sink:   &sink{writer: writers, format: format, now: time.Now, exit: os.Exit},
		level:  level,
		fields: []Field{String("service", "hiprint-transit")},
	}
	ReplaceGlobals(logger)
	return logger, nil
}

func parseFormat(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatText:
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown log format %q", raw)
	}
}

// NewWriterLogger returns a JSON logger emitting to w, used by tests that inspect output.
func NewWriterLogger(w io.Writer, level Level) *Logger {
	return &Logger{
		sink:  &sink{writer: nopSync{w}, format: FormatJSON, now: time.Now, exit: os.Exit},
		level: level,
	}
}

// NewTestLogger returns a logger that discards output.
func NewTestLogger() *Logger {
	return newNopLogger()
}

func newNopLogger() *Logger {
	return &Logger{
		sink:  &sink{writer: nopSync{io.Discard}, format: FormatJSON, now: time.Now, exit: os.Exit},
		level: DebugLevel,
	}
}

// ReplaceGlobals swaps the fallback logger returned by L.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With returns a logger that adds fields to every entry.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	bound := make([]Field, 0, len(l.fields)+len(fields))
	bound = append(bound, l.fields...)
	bound = append(bound, fields...)
	return &Logger{sink: l.sink, level: l.level, fields: bound}
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return L().Enabled(level)
	}
	return level >= l.level
}

// Sync flushes the underlying writers.
func (l *Logger) Sync() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.writer.Sync()
}

func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields) }

func (l *Logger) Info(message string, fields ...Field) { l.log(InfoLevel, message, fields) }

func (l *Logger) Warn(message string, fields ...Field) { l.log(WarnLevel, message, fields) }

func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields) }

// Fatal logs the entry, flushes and exits with status 1.
func (l *Logger) Fatal(message string, fields ...Field) { l.log(FatalLevel, message, fields) }

func (l *Logger) log(level Level, message string, fields []Field) {
	if l == nil {
		L().log(level, message, fields)
		return
	}
	if level < l.level {
		return
	}
	//1.- Merge bound and call site fields, keeping the first position of each key.
	merged := mergeFields(l.fields, fields)
	now := l.sink.now()

	//2.- Render the line in the configured format.
	var line []byte
	if l.sink.format == FormatText {
		line = renderText(now, level, message, merged)
	} else {
		var ok bool
		if line, ok = renderJSON(now, level, message, merged); !ok {
			return
		}
	}

	//3.- Serialise writes so concurrent sessions never interleave a line.
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	_, _ = l.sink.writer.Write(line)
	if level == FatalLevel {
		_ = l.sink.writer.Sync()
		l.sink.exit(1)
	}
}

func mergeFields(bound, extra []Field) []Field {
	merged := make([]Field, 0, len(bound)+len(extra))
	index := make(map[string]int, len(bound)+len(extra))
	for _, group := range [][]Field{bound, extra} {
		for _, field := range group {
			if i, ok := index[field.Key]; ok {
				merged[i].Value = field.Value
				continue
			}
			index[field.Key] = len(merged)
			merged = append(merged, field)
		}
	}
	return merged
}

func renderJSON(now time.Time, level Level, message string, fields []Field) ([]byte, bool) {
	payload := make(map[string]any, len(fields)+3)
	for _, field := range fields {
		payload[field.Key] = field.Value
	}
	payload["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	payload["level"] = level.String()
	payload["message"] = message
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	return append(data, '\n'), true
}

// renderText writes "[2006-01-02 15:04:05.000] [INFO] message key=value ...".
func renderText(now time.Time, level Level, message string, fields []Field) []byte {
	var buf bytes.Buffer
	buf.WriteString("[")
	buf.WriteString(now.Format("2006-01-02 15:04:05.000"))
	buf.WriteString("] [")
	buf.WriteString(strings.ToUpper(level.String()))
	buf.WriteString("] ")
	buf.WriteString(message)
	for _, field := range fields {
		buf.WriteByte(' ')
		buf.WriteString(field.Key)
		buf.WriteByte('=')
		switch v := field.Value.(type) {
		case string:
			if strings.ContainsAny(v, " \t\"=") {
				fmt.Fprintf(&buf, "%q", v)
			} else {
				buf.WriteString(v)
			}
		case nil:
			buf.WriteString("null")
		default:
			if raw, err := json.Marshal(v); err == nil {
				buf.Write(raw)
			} else {
				fmt.Fprintf(&buf, "%v", v)
			}
		}
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext returns the logger stored in ctx, falling back to fallback and
// then to the global logger.
func LoggerFromContext(ctx context.Context, fallback *Logger) *Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerContextKey).(*Logger); ok && logger != nil {
			return logger
		}
	}
	if fallback != nil {
		return fallback
	}
	return L()
}

// ContextWithTraceID stores a trace identifier in ctx.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceContextKey, traceID)
}

// TraceIDFromContext extracts the trace identifier stored in ctx.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(traceContextKey).(string)
	return traceID
}

// GenerateTraceID creates a random 16-byte trace identifier represented as hex.
func GenerateTraceID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err == nil {
		return hex.EncodeToString(buf[:])
	}
	return fmt.Sprintf("%x", time.Now().UnixNano())
}

// WithTrace binds a trace identifier, generated when empty, to ctx and base.
func WithTrace(ctx context.Context, base *Logger, traceID string) (context.Context, *Logger, string) {
	tid := strings.TrimSpace(traceID)
	if tid == "" {
		tid = GenerateTraceID()
	}
	if base == nil {
		base = L()
	}
	derived := base.With(String(TraceIDField, tid))
	ctx = ContextWithTraceID(ctx, tid)
	ctx = ContextWithLogger(ctx, derived)
	return ctx, derived, tid
}

// HTTPTraceMiddleware gives every request a trace identifier, echoed in the response
// header and bound to the request's context logger.
func HTTPTraceMiddleware(base *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, logger, traceID := WithTrace(r.Context(), base, r.Header.Get(TraceIDHeader))
			w.Header().Set(TraceIDHeader, traceID)
			logger.Debug("request received", String("method", r.Method), String("path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type nopSync struct{ io.Writer }

func (nopSync) Sync() error { return nil }
