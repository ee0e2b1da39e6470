package prudb

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with store-specific helpers so call sites log
// consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// LogAddFact logs a fact append.
func (l *Logger) LogAddFact(ctx context.Context, id uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "add fact failed", "error", err)
	} else {
		l.DebugContext(ctx, "fact appended", "fact_id", id)
	}
}

// LogResolve logs a resolve operation.
func (l *Logger) LogResolve(ctx context.Context, mode string, keys, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "resolve failed",
			"mode", mode,
			"keys", keys,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "resolve completed",
			"mode", mode,
			"keys", keys,
			"results", results,
		)
	}
}

// LogVerify logs a verification run.
func (l *Logger) LogVerify(ctx context.Context, violations int, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, "verify failed", "error", err)
	case violations > 0:
		l.WarnContext(ctx, "verify found violations", "violations", violations)
	default:
		l.InfoContext(ctx, "verify clean")
	}
}
