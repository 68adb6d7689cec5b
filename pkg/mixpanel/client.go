package mixpanel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mperrors "github.com/randalmurphal/mixpanel/pkg/mixpanel/errors"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/event"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/identity"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/message"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/observability"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/people"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/queue"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/storage"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/transport"
)

// Client records events and profile updates and delivers them in batches.
// It is safe for concurrent use.
type Client struct {
	opts      clientOptions
	store     storage.Store
	ownsStore bool

	identity *identity.PersistentIdentity
	events   *event.Recorder
	people   *people.Recorder
	queue    *queue.Queue
	sender   *swappableSender

	mu     sync.Mutex
	cfg    Configuration
	closed bool
	cancel context.CancelFunc
}

// New opens storage, restores the identity and starts the flush loop.
// An unreadable identity is logged and replaced by defaults; only a store
// that cannot be opened fails New.
func New(cfg Configuration, opts ...Option) (*Client, error) {
	o := defaultClientOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{opts: o, cfg: cfg}

	if o.store != nil {
		c.store = o.store
	} else {
		store, err := storage.NewSQLiteStore(cfg.storagePath())
		if err != nil {
			return nil, &mperrors.PersistenceError{Op: "open", Err: err}
		}
		c.store = store
		c.ownsStore = true
	}

	c.identity = identity.New(c.store, identity.WithLogger(o.logger))
	// Load logs its own failures and falls back to defaults.
	_ = c.identity.Load()
	if cfg.Token != "" {
		_ = c.identity.SetToken(cfg.Token)
	}

	c.sender = &swappableSender{}
	c.sender.set(c.buildSender(cfg))

	c.queue = queue.New(c.store, c.sender, cfg.queueConfig(),
		queue.WithLogger(observability.EnrichLogger(o.logger, "queue", c.identity.DistinctID())),
		queue.WithMetrics(o.metrics),
		queue.WithSpanManager(o.spans),
	)
	c.events = event.NewRecorder(c.identity, c.queue,
		event.WithLogger(o.logger),
		event.WithClock(o.now),
	)
	c.people = people.NewRecorder(c.identity, c.queue,
		people.WithLogger(o.logger),
		people.WithClock(o.now),
	)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.queue.Start(ctx)

	o.logger.Debug("mixpanel client started",
		slog.String("distinct_id", c.identity.DistinctID()),
		slog.Bool("auto_flush", cfg.AutoFlush),
	)
	return c, nil
}

func (c *Client) buildSender(cfg Configuration) transport.Sender {
	if c.opts.sender != nil {
		return c.opts.sender
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = transport.DefaultTimeout
	}
	return transport.NewHTTPSender(cfg.ServerURL,
		transport.WithTimeout(timeout),
		transport.WithGzip(cfg.Gzip),
		transport.WithSpanManager(c.opts.spans),
		transport.WithLogger(c.opts.logger),
	)
}

// Configuration returns the current configuration.
func (c *Client) Configuration() Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetConfiguration applies cfg at runtime. The storage path of a running
// client does not change.
func (c *Client) SetConfiguration(cfg Configuration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return mperrors.ErrClosed
	}
	cfg.StoragePath = c.cfg.StoragePath
	c.cfg = cfg
	c.mu.Unlock()

	c.sender.set(c.buildSender(cfg))
	c.queue.SetConfig(cfg.queueConfig())

	if cfg.Token != "" {
		return c.logged("set token", c.identity.SetToken(cfg.Token))
	}
	return nil
}

// SetToken sets the project token used by every subsequent message.
func (c *Client) SetToken(token string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.logged("set token", c.identity.SetToken(token))
}

// SetEventDistinctID sets the distinct ID attached to events.
func (c *Client) SetEventDistinctID(id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.logged("set event distinct id", c.events.SetDistinctID(id))
}

// Identify sets the distinct ID profile updates are sent for.
func (c *Client) Identify(id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.logged("identify", c.people.Identify(id))
}

// SetProfileProperties overwrites profile properties.
func (c *Client) SetProfileProperties(ctx context.Context, props map[string]any) error {
	return c.record("set profile properties", func() (message.Message, error) {
		return c.people.Set(ctx, props)
	})
}

// SetProfileProperty overwrites one profile property.
func (c *Client) SetProfileProperty(ctx context.Context, name string, value any) error {
	return c.record("set profile property", func() (message.Message, error) {
		return c.people.SetProperty(ctx, name, value)
	})
}

// SetOnceProfileProperties sets profile properties not already set.
func (c *Client) SetOnceProfileProperties(ctx context.Context, props map[string]any) error {
	return c.record("set once profile properties", func() (message.Message, error) {
		return c.people.SetOnce(ctx, props)
	})
}

// SetOnceProfileProperty sets one profile property if not already set.
func (c *Client) SetOnceProfileProperty(ctx context.Context, name string, value any) error {
	return c.record("set once profile property", func() (message.Message, error) {
		return c.people.SetOnceProperty(ctx, name, value)
	})
}

// SetCustomAction sends a profile operation such as $append or $union.
func (c *Client) SetCustomAction(ctx context.Context, action map[string]any) error {
	return c.record("custom profile action", func() (message.Message, error) {
		return c.people.SetCustomAction(ctx, action)
	})
}

// IncrementProfileProperty adds by to a numeric profile property.
func (c *Client) IncrementProfileProperty(ctx context.Context, name string, by float64) error {
	return c.record("increment profile property", func() (message.Message, error) {
		return c.people.Increment(ctx, name, by)
	})
}

// DeleteUser deletes the profile of the identified user.
func (c *Client) DeleteUser(ctx context.Context) error {
	return c.record("delete user", func() (message.Message, error) {
		return c.people.DeleteUser(ctx)
	})
}

// RegisterSuperProperties attaches props to every subsequent event,
// overwriting existing super properties.
func (c *Client) RegisterSuperProperties(props map[string]any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.logged("register super properties", c.identity.RegisterSuperProperties(props))
}

// RegisterSuperPropertiesOnce registers only the keys not already registered.
func (c *Client) RegisterSuperPropertiesOnce(props map[string]any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.logged("register super properties once", c.identity.RegisterSuperPropertiesOnce(props))
}

// UnregisterSuperProperty removes one super property.
func (c *Client) UnregisterSuperProperty(name string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.logged("unregister super property", c.identity.UnregisterSuperProperty(name))
}

// UnregisterAllSuperProperties removes every super property.
func (c *Client) UnregisterAllSuperProperties() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.logged("unregister all super properties", c.identity.ClearSuperProperties())
}

// TrackEvent records an event.
func (c *Client) TrackEvent(ctx context.Context, name string, props map[string]any) error {
	return c.record("track event", func() (message.Message, error) {
		return c.events.Track(ctx, name, props)
	})
}

// Flush delivers everything queued. It stops at the first failed batch;
// undelivered messages stay queued.
func (c *Client) Flush(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	_, err := c.queue.FlushAll(ctx)
	return err
}

// Close stops the flush loop, makes a final flush and releases storage the
// client opened. Undelivered messages stay persisted for the next run.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	flushErr := c.queue.Close(ctx)
	if flushErr != nil {
		c.opts.logger.Warn("final flush incomplete; messages remain queued", slog.String("error", flushErr.Error()))
	}

	if c.ownsStore {
		if err := c.store.Close(); err != nil {
			return fmt.Errorf("close storage: %w", err)
		}
	}
	return flushErr
}

// People returns the profile recorder.
func (c *Client) People() *people.Recorder { return c.people }

// Events returns the event recorder.
func (c *Client) Events() *event.Recorder { return c.events }

// Queue returns the message queue.
func (c *Client) Queue() *queue.Queue { return c.queue }

// Identity returns the persisted identity.
func (c *Client) Identity() *identity.PersistentIdentity { return c.identity }

// FormatDate formats t the way the ingestion API expects date properties.
func (c *Client) FormatDate(t time.Time) string { return FormatDate(t) }

// FormatDate formats t as 2006-01-02T15:04:05 in t's location.
func FormatDate(t time.Time) string { return message.FormatDate(t) }

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return mperrors.ErrClosed
	}
	return nil
}

func (c *Client) record(op string, fn func() (message.Message, error)) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	_, err := fn()
	return c.logged(op, err)
}

func (c *Client) logged(op string, err error) error {
	if err != nil {
		c.opts.logger.Warn(op+" failed", slog.String("error", err.Error()))
	}
	return err
}

// swappableSender lets SetConfiguration replace the HTTP sender while the
// queue keeps a single reference.
type swappableSender struct {
	mu sync.RWMutex
	s  transport.Sender
}

func (s *swappableSender) set(sender transport.Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s = sender
}

func (s *swappableSender) Send(ctx context.Context, kind message.Kind, batch []message.Message) error {
	s.mu.RLock()
	sender := s.s
	s.mu.RUnlock()
	return sender.Send(ctx, kind, batch)
}
