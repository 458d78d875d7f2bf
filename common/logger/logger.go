package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/lmittmann/tint"
)

type ctxKey string

// RequestIDKey carries the request id placed by the API middleware
const RequestIDKey ctxKey = "request_id"

// Logger wraps slog.Logger with contextual fields
type Logger struct {
	*slog.Logger
	level slog.Level
}

// New creates a logger writing to stderr. Stdout stays free for command output.
func New(level, format string) *Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, level, format string) *Logger {
	var handler slog.Handler

	logLevel := parseLevel(level)

	switch format {
	case "json":
		opts := &slog.HandlerOptions{
			Level: logLevel,
		}
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
			AddSource:  false,
			NoColor:    !isTerminal(w),
		})
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  logLevel,
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewWithWriter(io.Discard, "error", "text")
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// WithContext returns a logger with request_id from context
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return l.with("request_id", id)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.with(args...)
}

// WithRunID adds run_id to logger context
func (l *Logger) WithRunID(runID string) *Logger {
	return l.with("run_id", runID)
}

// WithDigest adds digest to logger context
func (l *Logger) WithDigest(digest string) *Logger {
	return l.with("digest", digest)
}

// WithPath adds path to logger context
func (l *Logger) WithPath(path string) *Logger {
	return l.with("path", path)
}

// Error logs an error, with a stack trace when debugging
func (l *Logger) Error(msg string, args ...any) {
	if l.level <= slog.LevelDebug {
		args = append(args, "stack", string(debug.Stack()))
	}
	l.Logger.Error(msg, args...)
}

// ErrorContext logs an error with context, with a stack trace when debugging
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	if l.level <= slog.LevelDebug {
		args = append(args, "stack", string(debug.Stack()))
	}
	l.Logger.ErrorContext(ctx, msg, args...)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
