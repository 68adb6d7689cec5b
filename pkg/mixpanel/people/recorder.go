// Package people builds profile-update messages ($set, $set_once, $add,
// $unset, $union, $delete and custom actions).
package people

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

// Profile operations understood by the engage endpoint.
const (
	OpSet     = "$set"
	OpSetOnce = "$set_once"
	OpAdd     = "$add"
	OpUnset   = "$unset"
	OpUnion   = "$union"
	OpAppend  = "$append"
	OpRemove  = "$remove"
	OpDelete  = "$delete"
)

var (
	// ErrEmptyAction indicates a custom action without any operation.
	ErrEmptyAction = errors.New("custom action has no operations")

	// ErrMissingName indicates a property operation without a property name.
	ErrMissingName = errors.New("property name is required")
)

// Identity is the identity state the recorder reads and updates.
type Identity interface {
	Snapshot() identity.State
	SetPeopleDistinctID(id string) error
}

// Recorder turns profile operations into people messages.
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

// NewRecorder creates a people recorder.
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

// Identify sets the distinct ID profile updates are sent for.
func (r *Recorder) Identify(id string) error {
	return r.identity.SetPeopleDistinctID(id)
}

// Set overwrites profile properties.
func (r *Recorder) Set(ctx context.Context, props map[string]any) (message.Message, error) {
	return r.record(ctx, map[string]any{OpSet: props})
}

// SetProperty overwrites one profile property.
func (r *Recorder) SetProperty(ctx context.Context, name string, value any) (message.Message, error) {
	if name == "" {
		return message.Message{}, ErrMissingName
	}
	return r.Set(ctx, map[string]any{name: value})
}

// SetOnce sets profile properties that are not already set on the profile.
func (r *Recorder) SetOnce(ctx context.Context, props map[string]any) (message.Message, error) {
	return r.record(ctx, map[string]any{OpSetOnce: props})
}

// SetOnceProperty sets one profile property if it is not already set.
func (r *Recorder) SetOnceProperty(ctx context.Context, name string, value any) (message.Message, error) {
	if name == "" {
		return message.Message{}, ErrMissingName
	}
	return r.SetOnce(ctx, map[string]any{name: value})
}

// Increment adds by to a numeric profile property. Negative values decrement.
func (r *Recorder) Increment(ctx context.Context, name string, by float64) (message.Message, error) {
	if name == "" {
		return message.Message{}, ErrMissingName
	}
	return r.IncrementAll(ctx, map[string]float64{name: by})
}

// IncrementAll adds to several numeric profile properties in one update.
func (r *Recorder) IncrementAll(ctx context.Context, deltas map[string]float64) (message.Message, error) {
	return r.record(ctx, map[string]any{OpAdd: deltas})
}

// Unset removes profile properties.
func (r *Recorder) Unset(ctx context.Context, names ...string) (message.Message, error) {
	if len(names) == 0 {
		return message.Message{}, ErrMissingName
	}
	return r.record(ctx, map[string]any{OpUnset: names})
}

// Union merges values into list properties, skipping values already present.
func (r *Recorder) Union(ctx context.Context, lists map[string][]any) (message.Message, error) {
	return r.record(ctx, map[string]any{OpUnion: lists})
}

// SetCustomAction sends an arbitrary operation, for example
// {"$append": {"purchases": "book"}}. Its keys are merged into the top level
// of the message; the token and distinct ID cannot be overridden.
func (r *Recorder) SetCustomAction(ctx context.Context, action map[string]any) (message.Message, error) {
	if len(action) == 0 {
		return message.Message{}, ErrEmptyAction
	}
	return r.record(ctx, action)
}

// DeleteUser deletes the profile.
func (r *Recorder) DeleteUser(ctx context.Context) (message.Message, error) {
	return r.record(ctx, map[string]any{OpDelete: ""})
}

func (r *Recorder) record(ctx context.Context, ops map[string]any) (message.Message, error) {
	st := r.identity.Snapshot()
	if st.Token == "" {
		return message.Message{}, mperrors.ErrMissingToken
	}

	now := r.now()
	payload := make(map[string]any, len(ops)+3)
	maps.Copy(payload, ops)
	payload["$token"] = st.Token
	payload["$distinct_id"] = st.EffectivePeopleDistinctID()
	payload["$time"] = now.UnixMilli()

	msg, err := message.New(message.NewID(), message.KindPeople, payload, now)
	if err != nil {
		observability.LogDropped(r.logger, "serialization", 1, err)
		return message.Message{}, fmt.Errorf("profile update: %w", err)
	}

	if err := r.sink.Enqueue(ctx, msg); err != nil {
		return message.Message{}, fmt.Errorf("profile update: %w", err)
	}
	return msg, nil
}
