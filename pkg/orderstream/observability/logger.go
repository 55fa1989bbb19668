// Package observability provides logging, metrics, and tracing for the
// orderstream pipeline.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// NewLogger builds the process logger: JSON to w at the named level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else is info.
func ParseLevel(level string) slog.Level {
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

// DiscardLogger returns a logger that drops everything. Components fall
// back to it when constructed with a nil logger.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return DiscardLogger()
	}
	return logger
}

// Component returns logger tagged with a component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return OrDiscard(logger).With(slog.String("component", name))
}

// LogDelivery logs one consumer delivery outcome.
func LogDelivery(logger *slog.Logger, consumer, eventType string, attempt int, durationMs float64, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("delivery failed",
			slog.String("consumer", consumer),
			slog.String("event_type", eventType),
			slog.Int("attempt", attempt),
			slog.Float64("duration_ms", durationMs),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("delivery completed",
		slog.String("consumer", consumer),
		slog.String("event_type", eventType),
		slog.Int("attempt", attempt),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDeadLetter logs a message moving to a dead-letter store.
func LogDeadLetter(logger *slog.Logger, source, messageID string, attempts int, reason string) {
	if logger == nil {
		return
	}
	logger.Error("message dead-lettered",
		slog.String("source", source),
		slog.String("message_id", messageID),
		slog.Int("attempts", attempts),
		slog.String("reason", reason),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
