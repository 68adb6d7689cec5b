// Package observability provides logging, metrics and tracing for the SDK.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Every helper accepts a nil logger.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds the distinct ID a component is recording for.
func EnrichLogger(logger *slog.Logger, component, distinctID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("component", component),
		slog.String("distinct_id", distinctID),
	)
}

// LogEnqueue logs a message accepted into the queue.
func LogEnqueue(logger *slog.Logger, kind, messageID string, depth int) {
	if logger == nil {
		return
	}
	logger.Debug("message enqueued",
		slog.String("kind", kind),
		slog.String("message_id", messageID),
		slog.Int("queue_depth", depth),
	)
}

// LogFlushStart logs the start of a flush.
func LogFlushStart(logger *slog.Logger, batchSize int) {
	if logger == nil {
		return
	}
	logger.Debug("flush starting",
		slog.Int("batch_size", batchSize),
	)
}

// LogFlushComplete logs a successful flush.
func LogFlushComplete(logger *slog.Logger, sent int, durationMs float64, remaining int) {
	if logger == nil {
		return
	}
	logger.Info("flush completed",
		slog.Int("sent", sent),
		slog.Float64("duration_ms", durationMs),
		slog.Int("remaining", remaining),
	)
}

// LogFlushError logs a failed flush. The batch stays queued.
func LogFlushError(logger *slog.Logger, err error, batchSize int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Warn("flush failed",
		slog.String("error", err.Error()),
		slog.Int("batch_size", batchSize),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogPersistenceError logs a storage failure (non-fatal).
func LogPersistenceError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("persistence failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogDropped logs messages discarded without delivery.
func LogDropped(logger *slog.Logger, reason string, count int, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("reason", reason),
		slog.Int("count", count),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Warn("messages dropped", attrs...)
}

// LogParked logs a batch moved aside after repeated rejection.
func LogParked(logger *slog.Logger, count int, err error) {
	if logger == nil {
		return
	}
	logger.Error("batch parked after repeated rejection",
		slog.Int("count", count),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
