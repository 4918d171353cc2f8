// Package logging provides structured logging configuration using log/slog.
//
// Logs go to stderr so that stdout stays reserved for the loader's progress
// lines. A run-scoped logger carrying the run ID can be attached to a context
// and retrieved anywhere down the call chain.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey struct{}

// Setup configures the global slog logger to write to w based on level and
// format. A nil w means stderr.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
func Setup(w io.Writer, level, format string) {
	if w == nil {
		w = os.Stderr
	}
	slog.SetDefault(New(w, level, format))
}

// New returns a logger writing to w with the given level and format.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithRun returns a context carrying a logger tagged with run_id.
//
// Usage:
//
//	ctx = logging.WithRun(ctx, runID)
//	logging.FromContext(ctx).Info("reset complete", "tables", n)
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, FromContext(ctx).With("run_id", runID))
}

// FromContext returns the logger stored in ctx, or the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithFields returns the context logger with additional structured fields.
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
