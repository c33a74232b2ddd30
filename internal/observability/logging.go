// Package observability provides structured logging, metrics, and tracing
// for the Talon gateway.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	Format string

	// Output is the writer for log output (defaults to os.Stderr).
	Output io.Writer
}

// defaultRedactPatterns match common secrets so they never reach log output.
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`(?i)(bearer|token|api[_-]?key|secret|password)[\s:=]+["']?[^\s"']{8,}["']?`),
}

// Logger wraps slog with secret redaction. All gateway components log
// through this type; raw slog handlers are not used directly.
type Logger struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

// NewLogger creates a structured logger. Invalid or empty levels fall back
// to info; empty format falls back to text.
func NewLogger(config LogConfig) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(config.Level))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(config.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{logger: slog.New(handler), level: level}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the minimum level on the live logger. Derived loggers
// from With share the same level.
func (l *Logger) SetLevel(level string) {
	if l.level != nil {
		l.level.Set(parseLevel(level))
	}
}

// NewNopLogger returns a logger that discards everything. Used in tests.
func NewNopLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard})
}

// With returns a logger that includes the given key-value pairs in every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(redactArgs(args)...), level: l.level}
}

func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(redact(msg), redactArgs(args)...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(redact(msg), redactArgs(args)...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(redact(msg), redactArgs(args)...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(redact(msg), redactArgs(args)...)
}

func redact(s string) string {
	for _, re := range defaultRedactPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func redactArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			out[i] = redact(v)
		case error:
			if v != nil {
				out[i] = fmt.Errorf("%s", redact(v.Error()))
			} else {
				out[i] = a
			}
		default:
			out[i] = a
		}
	}
	return out
}
