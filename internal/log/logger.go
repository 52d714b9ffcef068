// Package log provides structured logging for repro-env.
//
// It defines a Logger interface backed by Go's stdlib slog, enabling
// testable logging throughout the codebase. Subsystems take the Logger as
// a constructor argument or struct field, with a global default for
// convenience.
//
// Output semantics:
//   - Diagnostic logging (stderr): Debug, Info, Warn, Error, Trace messages
//   - The CLI prints no lockfile summary to stdout, and the stdout of a
//     command run through internal/container is captured, not echoed
//
// Verbosity levels (driven by -v/--verbose, repeatable):
//   - 0 (default): INFO
//   - 1: DEBUG
//   - 2+: TRACE (every container CLI invocation; HTTP requests are not
//     logged at this level)
package log

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// LevelTrace sits below slog.LevelDebug so -vv can select it without
// colliding with slog's built-in levels.
const LevelTrace = slog.Level(-8)

// Logger is the interface for structured logging.
// Methods match slog's signature for easy integration.
type Logger interface {
	// Trace logs at TRACE level. Use for per-exec/per-request chatter:
	// the exact podman command line, the exact HTTP request issued.
	Trace(msg string, args ...any)

	// Debug logs at DEBUG level. Use for internal state - cache hits,
	// image digest resolution, parsed record counts.
	Debug(msg string, args ...any)

	// Info logs at INFO level. Use for operational context like
	// "Using cached package" or "Pulling image".
	Info(msg string, args ...any)

	// Warn logs at WARN level. Use for recoverable issues like
	// "lockfile does not satisfy manifest" or "failed to kill container".
	Warn(msg string, args ...any)

	// Error logs at ERROR level. Use for failures that prevent
	// the operation from completing.
	Error(msg string, args ...any)

	// With returns a Logger with additional context attributes.
	With(args ...any) Logger
}

// slogLogger wraps slog.Logger to implement the Logger interface.
type slogLogger struct {
	l *slog.Logger
}

// New creates a Logger backed by slog with the given handler.
func New(h slog.Handler) Logger {
	return &slogLogger{l: slog.New(h)}
}

func (s *slogLogger) Trace(msg string, args ...any) {
	s.l.Log(context.Background(), LevelTrace, msg, args...)
}

func (s *slogLogger) Debug(msg string, args ...any) {
	s.l.Debug(msg, args...)
}

func (s *slogLogger) Info(msg string, args ...any) {
	s.l.Info(msg, args...)
}

func (s *slogLogger) Warn(msg string, args ...any) {
	s.l.Warn(msg, args...)
}

func (s *slogLogger) Error(msg string, args ...any) {
	s.l.Error(msg, args...)
}

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

// noopLogger discards all log output.
type noopLogger struct{}

// NewNoop returns a logger that discards all output.
// Useful for testing or when logging should be disabled.
func NewNoop() Logger {
	return noopLogger{}
}

func (noopLogger) Trace(string, ...any) {}
func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) With(...any) Logger   { return noopLogger{} }

// defaultLogger is the global logger instance.
var (
	defaultLogger Logger = noopLogger{}
	defaultMu     sync.RWMutex
)

// Default returns the global logger configured at startup.
// Returns a noop logger if SetDefault has not been called.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault sets the global logger.
// This should be called once during program initialization,
// typically in main() after parsing verbosity flags.
func SetDefault(l Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// LevelForVerbosity maps the repeatable -v flag count to a slog.Level:
// 0 => Info, 1 => Debug, 2+ => Trace.
func LevelForVerbosity(count int) slog.Level {
	switch {
	case count <= 0:
		return slog.LevelInfo
	case count == 1:
		return slog.LevelDebug
	default:
		return LevelTrace
	}
}

// NewCLIHandler builds the stderr-writing slog.Handler used by the repro-env
// CLI. At Debug and below it prints source location, surfacing troubleshooting
// detail only once a user has asked for it.
func NewCLIHandler(level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.NewTextHandler(os.Stderr, opts)
}
