package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records SDK metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEnqueue records a message accepted into the queue.
	RecordEnqueue(ctx context.Context, kind string)

	// RecordFlush records a flush attempt with the snapshot size.
	RecordFlush(ctx context.Context, success bool, batchSize int, duration time.Duration)

	// RecordSent records messages acknowledged by the server.
	RecordSent(ctx context.Context, kind string, count int)

	// RecordDropped records messages discarded without delivery.
	RecordDropped(ctx context.Context, reason string, count int)

	// RecordParked records messages moved aside after repeated rejection.
	RecordParked(ctx context.Context, count int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	enqueued     metric.Int64Counter
	sent         metric.Int64Counter
	dropped      metric.Int64Counter
	parked       metric.Int64Counter
	flushes      metric.Int64Counter
	flushLatency metric.Float64Histogram
	batchSize    metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the shared instruments.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("mixpanel")

	enqueued, err := meter.Int64Counter("mixpanel.messages.enqueued",
		metric.WithDescription("Number of messages accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	sent, err := meter.Int64Counter("mixpanel.messages.sent",
		metric.WithDescription("Number of messages acknowledged by the server"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("mixpanel.messages.dropped",
		metric.WithDescription("Number of messages discarded without delivery"),
	)
	if err != nil {
		return nil, err
	}

	parked, err := meter.Int64Counter("mixpanel.messages.parked",
		metric.WithDescription("Number of messages parked after repeated rejection"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter("mixpanel.flush.count",
		metric.WithDescription("Number of flush attempts"),
	)
	if err != nil {
		return nil, err
	}

	flushLatency, err := meter.Float64Histogram("mixpanel.flush.latency_ms",
		metric.WithDescription("Flush latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram("mixpanel.flush.batch_size",
		metric.WithDescription("Messages per flush snapshot"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		enqueued:     enqueued,
		sent:         sent,
		dropped:      dropped,
		parked:       parked,
		flushes:      flushes,
		flushLatency: flushLatency,
		batchSize:    batchSize,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordEnqueue(ctx context.Context, kind string) {
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *otelMetrics) RecordFlush(ctx context.Context, success bool, batchSize int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.flushes.Add(ctx, 1, attrs)
	m.flushLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.batchSize.Record(ctx, int64(batchSize), attrs)
}

func (m *otelMetrics) RecordSent(ctx context.Context, kind string, count int) {
	m.sent.Add(ctx, int64(count), metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *otelMetrics) RecordDropped(ctx context.Context, reason string, count int) {
	m.dropped.Add(ctx, int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *otelMetrics) RecordParked(ctx context.Context, count int) {
	m.parked.Add(ctx, int64(count))
}
