// Package logging emits leveled, JSON-structured log lines for the
// termination core. A logger carries an ordered set of base fields (node id,
// remote address, xApp session) so every line from one association or IPC
// session is correlatable; per-operation loggers travel on the
// context.Context rather than through ambient globals.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"ranic/e2tc/internal/config"
)

// TraceIDField is the structured field carrying a request trace identifier.
const TraceIDField = "trace_id"

// Level orders log verbosity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = map[Level]string{
	DebugLevel: "debug",
	InfoLevel:  "info",
	WarnLevel:  "warn",
	ErrorLevel: "error",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseLevel maps a config string onto a Level.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("logging: unknown level %q", raw)
}

// Field is one structured attribute on a log line.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field { return Field{Key: key, Value: value} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Error tags the line with the error's message; a nil error logs as null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger writes JSON lines at or above its level. Base fields accumulate
// through With; a later field with the same key replaces an earlier one.
// Keys are written in sorted order, not in the order With added them.
type Logger struct {
	level Level
	base  []Field
	out   *output
}

// output serializes writes from every derived logger onto one destination.
type output struct {
	mu   sync.Mutex
	w    io.Writer
	file *os.File
}

func (o *output) write(line []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = o.w.Write(line)
}

func (o *output) sync() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file != nil {
		return o.file.Sync()
	}
	return nil
}

var (
	globalMu     sync.RWMutex
	globalLogger = NewTestLogger()
)

// New constructs a logger from config: lines go to stdout, and additionally
// to an append-only file when a path is configured. Log retention is an
// operational concern (container runtime, logrotate), not this process's.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	out := &output{w: os.Stdout}
	if path := strings.TrimSpace(cfg.Path); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open %s: %w", path, err)
		}
		out.file = file
		out.w = io.MultiWriter(os.Stdout, file)
	}
	return &Logger{
		level: level,
		base:  []Field{{Key: "service", Value: "e2term"}},
		out:   out,
	}, nil
}

// NewTestLogger returns a logger that discards everything, for tests.
func NewTestLogger() *Logger {
	return &Logger{level: ErrorLevel + 1, out: &output{w: io.Discard}}
}

// ReplaceGlobals installs logger as the process-wide fallback returned by L.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the process-wide fallback logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With derives a logger whose lines carry the additional fields.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	base := make([]Field, 0, len(l.base)+len(fields))
	base = append(base, l.base...)
	base = append(base, fields...)
	return &Logger{level: l.level, base: base, out: l.out}
}

func (l *Logger) Debug(message string, fields ...Field) { l.emit(DebugLevel, message, fields) }

func (l *Logger) Info(message string, fields ...Field) { l.emit(InfoLevel, message, fields) }

func (l *Logger) Warn(message string, fields ...Field) { l.emit(WarnLevel, message, fields) }

func (l *Logger) Error(message string, fields ...Field) { l.emit(ErrorLevel, message, fields) }

// Sync flushes the file destination, if any.
func (l *Logger) Sync() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.sync()
}

func (l *Logger) emit(level Level, message string, fields []Field) {
	if l == nil {
		L().emit(level, message, fields)
		return
	}
	if level < l.level {
		return
	}
	record := make(map[string]any, len(l.base)+len(fields)+3)
	record["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	record["level"] = level.String()
	record["message"] = message
	for _, f := range l.base {
		record[f.Key] = f.Value
	}
	for _, f := range fields {
		record[f.Key] = f.Value
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	l.out.write(append(line, '\n'))
}

type contextKey int

const (
	loggerKey contextKey = iota
	traceKey
)

// ContextWithLogger stores a per-operation logger on the context.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the context's logger, or the global fallback.
func LoggerFromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*Logger); ok && logger != nil {
			return logger
		}
	}
	return L()
}

// ContextWithTraceID stores a trace identifier on the context.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey, traceID)
}

// TraceIDFromContext returns the context's trace identifier, if any.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(traceKey).(string)
	return traceID
}

// GenerateTraceID returns a fresh random trace identifier.
func GenerateTraceID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("trace-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
