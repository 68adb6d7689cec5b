// Package message defines the immutable unit handed from the recorders to
// the queue, and the value coercion applied to caller-supplied properties.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which ingestion endpoint a message is delivered to.
type Kind string

const (
	// KindEvent is a tracked event, delivered to /track.
	KindEvent Kind = "event"

	// KindPeople is a profile update, delivered to /engage.
	KindPeople Kind = "people"
)

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindEvent || k == KindPeople
}

// Message is a serialized event or profile update.
// The zero value is not useful; use New or Restore.
type Message struct {
	id        string
	kind      Kind
	payload   []byte
	timestamp time.Time
}

// NewID returns a fresh message identifier.
func NewID() string {
	return uuid.NewString()
}

// New coerces payload into JSON-compatible values and serializes it.
// A value that cannot be represented yields a *errors.SerializationError.
func New(id string, kind Kind, payload map[string]any, ts time.Time) (Message, error) {
	if !kind.Valid() {
		return Message{}, fmt.Errorf("unknown message kind %q", kind)
	}
	if id == "" {
		id = NewID()
	}

	coerced, err := CoerceProperties(payload)
	if err != nil {
		return Message{}, err
	}

	data, err := json.Marshal(coerced)
	if err != nil {
		return Message{}, serializationError("", payload, err)
	}

	return Message{id: id, kind: kind, payload: data, timestamp: ts}, nil
}

// Restore rebuilds a message from its stored form. The payload is copied.
func Restore(id string, kind Kind, payload []byte, ts time.Time) Message {
	return Message{id: id, kind: kind, payload: append([]byte(nil), payload...), timestamp: ts}
}

// ID returns the message identifier. Event messages also carry it as $insert_id.
func (m Message) ID() string { return m.id }

// Kind returns the message kind.
func (m Message) Kind() Kind { return m.kind }

// Timestamp returns when the message was recorded.
func (m Message) Timestamp() time.Time { return m.timestamp }

// Payload returns a copy of the serialized JSON object.
func (m Message) Payload() []byte {
	return append([]byte(nil), m.payload...)
}

// Fields decodes the payload into a map.
func (m Message) Fields() (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(m.payload, &fields); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", m.id, err)
	}
	return fields, nil
}

// MarshalJSON emits the payload verbatim so a batch of messages encodes as
// an array of the serialized objects.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.payload) == 0 {
		return []byte("null"), nil
	}
	return m.Payload(), nil
}

// Sink accepts recorded messages for delivery.
type Sink interface {
	Enqueue(ctx context.Context, msg Message) error
}
