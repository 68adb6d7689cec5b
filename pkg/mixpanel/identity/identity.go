// Package identity owns the state attached to every outgoing message: the
// distinct IDs, the project token and the super properties. The state is
// persisted through a storage.Store so attribution survives restarts.
package identity

import (
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"

	mperrors "github.com/randalmurphal/mixpanel/pkg/mixpanel/errors"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/message"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/observability"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/storage"
)

// StoreKey is the storage key the identity document is kept under.
const StoreKey = "identity"

// State is a point-in-time copy of the identity.
type State struct {
	DistinctID       string         `json:"distinct_id"`
	PeopleDistinctID string         `json:"people_distinct_id,omitempty"`
	Token            string         `json:"token"`
	SuperProperties  map[string]any `json:"super_properties"`
}

// EffectivePeopleDistinctID returns the ID profile updates are sent for.
// Until Identify is called it is the event distinct ID.
func (s State) EffectivePeopleDistinctID() string {
	if s.PeopleDistinctID != "" {
		return s.PeopleDistinctID
	}
	return s.DistinctID
}

// PersistentIdentity is safe for concurrent use. Every mutation is written to
// the store before the method returns; if the write fails the error is
// returned and logged, and the in-memory state keeps the mutation.
type PersistentIdentity struct {
	mu     sync.RWMutex
	store  storage.Store
	logger *slog.Logger
	state  State
	newID  func() string
}

// Option configures a PersistentIdentity.
type Option func(*PersistentIdentity)

// WithLogger sets the logger for persistence failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *PersistentIdentity) {
		p.logger = logger
	}
}

// WithIDGenerator overrides how the default distinct ID is generated.
func WithIDGenerator(fn func() string) Option {
	return func(p *PersistentIdentity) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// New creates an identity backed by store. Call Load before use.
func New(store storage.Store, opts ...Option) *PersistentIdentity {
	p := &PersistentIdentity{
		store: store,
		newID: uuid.NewString,
		state: State{SuperProperties: map[string]any{}},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load restores state from the store. Missing state initializes defaults and
// persists them. Unreadable state is logged, defaults are used, and the
// *errors.PersistenceError is returned for the caller to observe.
func (p *PersistentIdentity) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := p.store.Get(StoreKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		p.state = p.defaults()
		return p.saveLocked()
	case err != nil:
		p.state = p.defaults()
		perr := &mperrors.PersistenceError{Op: "load", Err: err}
		observability.LogPersistenceError(p.logger, "load identity", perr)
		return perr
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		p.state = p.defaults()
		perr := &mperrors.PersistenceError{Op: "load", Err: err}
		observability.LogPersistenceError(p.logger, "decode identity", perr)
		return perr
	}

	regenerated := st.DistinctID == ""
	if regenerated {
		st.DistinctID = p.newID()
	}
	if st.SuperProperties == nil {
		st.SuperProperties = map[string]any{}
	}
	p.state = st
	if regenerated {
		return p.saveLocked()
	}
	return nil
}

// Save persists the current state.
func (p *PersistentIdentity) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked()
}

// RegisterSuperProperties merges props into the super properties,
// overwriting existing keys.
func (p *PersistentIdentity) RegisterSuperProperties(props map[string]any) error {
	coerced, err := message.CoerceProperties(props)
	if err != nil {
		return err
	}
	return p.mutate(func(st *State) {
		maps.Copy(st.SuperProperties, coerced)
	})
}

// RegisterSuperPropertiesOnce merges only the keys of props that are not
// already registered.
func (p *PersistentIdentity) RegisterSuperPropertiesOnce(props map[string]any) error {
	coerced, err := message.CoerceProperties(props)
	if err != nil {
		return err
	}
	return p.mutate(func(st *State) {
		for k, v := range coerced {
			if _, ok := st.SuperProperties[k]; !ok {
				st.SuperProperties[k] = v
			}
		}
	})
}

// UnregisterSuperProperty removes one super property.
func (p *PersistentIdentity) UnregisterSuperProperty(name string) error {
	return p.mutate(func(st *State) {
		delete(st.SuperProperties, name)
	})
}

// ClearSuperProperties removes every super property.
func (p *PersistentIdentity) ClearSuperProperties() error {
	return p.mutate(func(st *State) {
		clear(st.SuperProperties)
	})
}

// SetToken sets the project token.
func (p *PersistentIdentity) SetToken(token string) error {
	return p.mutate(func(st *State) {
		st.Token = token
	})
}

// SetDistinctID sets the distinct ID attached to events.
// An empty id regenerates a fresh one.
func (p *PersistentIdentity) SetDistinctID(id string) error {
	if id == "" {
		id = p.newID()
	}
	return p.mutate(func(st *State) {
		st.DistinctID = id
	})
}

// SetPeopleDistinctID sets the distinct ID profile updates are sent for.
func (p *PersistentIdentity) SetPeopleDistinctID(id string) error {
	return p.mutate(func(st *State) {
		st.PeopleDistinctID = id
	})
}

// Token returns the project token.
func (p *PersistentIdentity) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Token
}

// DistinctID returns the event distinct ID.
func (p *PersistentIdentity) DistinctID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.DistinctID
}

// PeopleDistinctID returns the profile distinct ID, falling back to the
// event distinct ID.
func (p *PersistentIdentity) PeopleDistinctID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.EffectivePeopleDistinctID()
}

// SuperProperties returns a copy of the registered super properties.
func (p *PersistentIdentity) SuperProperties() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.state.SuperProperties)
}

// Snapshot returns a consistent copy of every field.
func (p *PersistentIdentity) Snapshot() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := p.state
	st.SuperProperties = maps.Clone(p.state.SuperProperties)
	return st
}

func (p *PersistentIdentity) mutate(fn func(*State)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.SuperProperties == nil {
		p.state.SuperProperties = map[string]any{}
	}
	fn(&p.state)
	return p.saveLocked()
}

func (p *PersistentIdentity) saveLocked() error {
	data, err := json.Marshal(p.state)
	if err != nil {
		perr := &mperrors.PersistenceError{Op: "save", Err: err}
		observability.LogPersistenceError(p.logger, "encode identity", perr)
		return perr
	}
	if err := p.store.Put(StoreKey, data); err != nil {
		perr := &mperrors.PersistenceError{Op: "save", Err: err}
		observability.LogPersistenceError(p.logger, "save identity", perr)
		return perr
	}
	return nil
}

func (p *PersistentIdentity) defaults() State {
	return State{
		DistinctID:      p.newID(),
		SuperProperties: map[string]any{},
	}
}
