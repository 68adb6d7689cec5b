package mixpanel

import (
	"time"

	"github.com/randalmurphal/mixpanel/pkg/mixpanel/config"
	mperrors "github.com/randalmurphal/mixpanel/pkg/mixpanel/errors"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/queue"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/transport"
)

// DefaultStoragePath is used when Configuration.StoragePath is empty.
const DefaultStoragePath = "mixpanel.db"

// Configuration controls delivery and storage.
type Configuration struct {
	// Token is the project token. If set, it replaces the persisted token.
	Token string

	// ServerURL is the ingestion API base URL.
	ServerURL string

	// BatchSize caps the records sent per flush.
	BatchSize int

	// AutoFlush enables periodic flushing every FlushInterval.
	AutoFlush bool

	// FlushInterval is the auto-flush period.
	FlushInterval time.Duration

	// FlushAt triggers a flush once this many messages are queued. Zero disables it.
	FlushAt int

	// MaxQueueSize bounds the queue; the oldest messages are evicted beyond it.
	MaxQueueSize int

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration

	// Gzip compresses request bodies.
	Gzip bool

	// ParkAfter is how many consecutive rejections park a batch.
	ParkAfter int

	// MaxBackoff caps the auto-flush delay after failures.
	MaxBackoff time.Duration

	// StoragePath is the SQLite database file. ":memory:" keeps state in memory.
	StoragePath string

	// Retry governs inline retries of each request.
	Retry mperrors.RetryConfig
}

// DefaultConfiguration returns the defaults: the public API, batches of 50,
// auto-flush every minute.
func DefaultConfiguration() Configuration {
	return Configuration{
		ServerURL:      transport.DefaultServerURL,
		BatchSize:      queue.DefaultBatchSize,
		AutoFlush:      true,
		FlushInterval:  queue.DefaultFlushInterval,
		MaxQueueSize:   queue.DefaultMaxQueueSize,
		RequestTimeout: transport.DefaultTimeout,
		ParkAfter:      queue.DefaultParkAfter,
		MaxBackoff:     queue.DefaultMaxBackoff,
		StoragePath:    DefaultStoragePath,
		Retry:          mperrors.DefaultRetry,
	}
}

// ConfigurationFrom reads a Configuration from c, falling back to
// DefaultConfiguration for missing keys.
//
// Keys: token, server_url, batch_size, auto_flush, flush_interval, flush_at,
// max_queue_size, request_timeout, gzip, park_after, max_backoff,
// storage_path, retry_attempts.
func ConfigurationFrom(c config.Config) Configuration {
	d := DefaultConfiguration()

	retry := d.Retry
	retry.MaxAttempts = c.Int("retry_attempts", retry.MaxAttempts)

	return Configuration{
		Token:          c.String("token", d.Token),
		ServerURL:      c.String("server_url", d.ServerURL),
		BatchSize:      c.Int("batch_size", d.BatchSize),
		AutoFlush:      c.Bool("auto_flush", d.AutoFlush),
		FlushInterval:  c.Duration("flush_interval", d.FlushInterval),
		FlushAt:        c.Int("flush_at", d.FlushAt),
		MaxQueueSize:   c.Int("max_queue_size", d.MaxQueueSize),
		RequestTimeout: c.Duration("request_timeout", d.RequestTimeout),
		Gzip:           c.Bool("gzip", d.Gzip),
		ParkAfter:      c.Int("park_after", d.ParkAfter),
		MaxBackoff:     c.Duration("max_backoff", d.MaxBackoff),
		StoragePath:    c.String("storage_path", d.StoragePath),
		Retry:          retry,
	}
}

func (c Configuration) queueConfig() queue.Config {
	return queue.Config{
		BatchSize:     c.BatchSize,
		AutoFlush:     c.AutoFlush,
		FlushInterval: c.FlushInterval,
		FlushAt:       c.FlushAt,
		MaxQueueSize:  c.MaxQueueSize,
		ParkAfter:     c.ParkAfter,
		MaxBackoff:    c.MaxBackoff,
		Retry:         c.Retry,
	}
}

func (c Configuration) storagePath() string {
	if c.StoragePath == "" {
		return DefaultStoragePath
	}
	return c.StoragePath
}
