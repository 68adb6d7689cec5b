// Package storage provides the durable state behind the SDK: identity
// records and the pending-message log survive process restarts.
package storage

import (
	"errors"
	"time"
)

// Store persists identity records and queued messages.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key.
	// Returns ErrNotFound if the key doesn't exist.
	Get(key string) ([]byte, error)

	// Put stores value under key, overwriting any previous value.
	Put(key string, value []byte) error

	// Delete removes key. Returns nil if the key doesn't exist.
	Delete(key string) error

	// Append adds a record to the end of the message log and returns the
	// sequence number assigned to it. Sequence numbers strictly increase.
	Append(rec Record) (int64, error)

	// Peek returns up to limit records from the head of the log in
	// sequence order without removing them. limit <= 0 returns all.
	Peek(limit int) ([]Record, error)

	// Remove deletes the records with the given sequence numbers.
	// Unknown sequence numbers are ignored.
	Remove(seqs []int64) error

	// Len returns the number of records in the log.
	Len() (int, error)

	// Trim evicts the oldest records until at most max remain and returns
	// how many were evicted.
	Trim(max int) (int, error)

	// Park moves records out of the log into the parked set, recording why.
	Park(recs []Record, reason string) error

	// Parked returns parked records, oldest first.
	Parked() ([]ParkedRecord, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Record is one serialized message in the log.
type Record struct {
	Seq       int64
	ID        string
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// ParkedRecord is a record that was moved aside after repeated rejection.
type ParkedRecord struct {
	Record
	Reason   string
	ParkedAt time.Time
}

// Sentinel errors for storage operations.
var (
	// ErrNotFound indicates a key doesn't exist.
	ErrNotFound = errors.New("storage key not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("storage closed")
)
