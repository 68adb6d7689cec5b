package mixpanel

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/mixpanel/pkg/mixpanel/observability"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/storage"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/transport"
)

// clientOptions holds the dependencies a Client is built with.
type clientOptions struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	sender  transport.Sender
	store   storage.Store
	now     func() time.Time
}

func defaultClientOptions() clientOptions {
	return clientOptions{
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		now:     time.Now,
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables metrics, typically observability.NewMetricsRecorder().
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *clientOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpanManager enables tracing, typically observability.NewSpanManager().
func WithSpanManager(sm observability.SpanManager) Option {
	return func(o *clientOptions) {
		if sm != nil {
			o.spans = sm
		}
	}
}

// WithSender replaces the HTTP sender. SetConfiguration then leaves delivery
// settings to the caller's sender.
func WithSender(s transport.Sender) Option {
	return func(o *clientOptions) { o.sender = s }
}

// WithStore uses store instead of opening Configuration.StoragePath.
// The caller keeps ownership: Close does not close it.
func WithStore(store storage.Store) Option {
	return func(o *clientOptions) { o.store = store }
}

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) {
		if now != nil {
			o.now = now
		}
	}
}
