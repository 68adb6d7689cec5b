package queue

import (
	"time"

	mperrors "github.com/randalmurphal/mixpanel/pkg/mixpanel/errors"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = 60 * time.Second
	DefaultMaxQueueSize  = 10000
	DefaultParkAfter     = 3
	DefaultMaxBackoff    = 10 * time.Minute
)

// Config controls batching and delivery.
type Config struct {
	// BatchSize caps how many records one flush takes from the head.
	BatchSize int

	// AutoFlush enables the periodic flush loop started by Start.
	AutoFlush bool

	// FlushInterval is the period of the flush loop.
	FlushInterval time.Duration

	// FlushAt triggers an asynchronous flush once the queue holds this many
	// records. Zero disables it.
	FlushAt int

	// MaxQueueSize bounds the log. The oldest records are evicted beyond it.
	MaxQueueSize int

	// ParkAfter is how many consecutive permanent rejections of the same
	// head batch move it to the parked set.
	ParkAfter int

	// MaxBackoff caps the flush loop delay after failures.
	MaxBackoff time.Duration

	// Retry governs inline retries of each request.
	Retry mperrors.RetryConfig
}

// DefaultConfig returns the default configuration with auto-flush enabled.
func DefaultConfig() Config {
	return Config{AutoFlush: true}.WithDefaults()
}

// WithDefaults fills zero-valued fields.
func (c Config) WithDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.ParkAfter <= 0 {
		c.ParkAfter = DefaultParkAfter
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.FlushAt < 0 {
		c.FlushAt = 0
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = mperrors.DefaultRetry
	}
	return c
}

// FlushDelay returns how long the flush loop waits after the given number
// of consecutive failed flushes.
func (c Config) FlushDelay(failures int) time.Duration {
	if failures <= 0 {
		return c.FlushInterval
	}
	return mperrors.Backoff(c.FlushInterval, c.MaxBackoff, failures)
}
