// Package event builds track messages. Each event carries the registered
// super properties, the caller's properties, the project token, the distinct
// ID and the time it was recorded.
package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	mperrors "github.com/randalmurphal/mixpanel/pkg/mixpanel/errors"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/identity"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/message"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/observability"
)

// LibraryName is reported as the mp_lib property.
const LibraryName = "go"

// ErrMissingName indicates Track was called without an event name.
var ErrMissingName = errors.New("event name is required")

// Identity is the identity state the recorder reads and updates.
type Identity interface {
	Snapshot() identity.State
	SetDistinctID(id string) error
}

// Recorder turns Track calls into event messages and hands them to a Sink.
type Recorder struct {
	identity Identity
	sink     message.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used when a message is dropped.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder creates an event recorder.
func NewRecorder(id Identity, sink message.Sink, opts ...Option) *Recorder {
	r := &Recorder{
		identity: id,
		sink:     sink,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Track records an event. Properties are merged over the super properties;
// token always comes from the identity, while distinct_id and time are added
// only when the caller did not supply them. A value that cannot be
// serialized drops this message and returns a *errors.SerializationError.
func (r *Recorder) Track(ctx context.Context, name string, props map[string]any) (message.Message, error) {
	if name == "" {
		return message.Message{}, ErrMissingName
	}

	st := r.identity.Snapshot()
	if st.Token == "" {
		return message.Message{}, mperrors.ErrMissingToken
	}

	now := r.now()
	id := message.NewID()

	merged := make(map[string]any, len(st.SuperProperties)+len(props)+5)
	maps.Copy(merged, st.SuperProperties)
	maps.Copy(merged, props)
	merged["token"] = st.Token
	setDefault(merged, "distinct_id", st.DistinctID)
	setDefault(merged, "time", now.Unix())
	setDefault(merged, "$insert_id", id)
	setDefault(merged, "mp_lib", LibraryName)

	properties, err := message.CoerceProperties(merged)
	if err != nil {
		observability.LogDropped(r.logger, "serialization", 1, err)
		return message.Message{}, fmt.Errorf("track %q: %w", name, err)
	}

	msg, err := message.New(id, message.KindEvent, map[string]any{
		"event":      name,
		"properties": properties,
	}, now)
	if err != nil {
		return message.Message{}, fmt.Errorf("track %q: %w", name, err)
	}

	if err := r.sink.Enqueue(ctx, msg); err != nil {
		return message.Message{}, fmt.Errorf("track %q: %w", name, err)
	}
	return msg, nil
}

// SetDistinctID changes the distinct ID attached to subsequent events.
func (r *Recorder) SetDistinctID(id string) error {
	return r.identity.SetDistinctID(id)
}

func setDefault(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}
