package storage

import (
	"sync"
	"time"
)

// MemoryStore is an in-memory store for testing.
// Data is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	kv      map[string][]byte
	log     []Record
	parked  []ParkedRecord
	nextSeq int64
	closed  bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:      make(map[string][]byte),
		nextSeq: 1,
	}
}

// Get implements Store.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	v, ok := m.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(v), nil
}

// Put implements Store.
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	m.kv[key] = cloneBytes(value)
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.kv, key)
	return nil
}

// Append implements Store.
func (m *MemoryStore) Append(rec Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	rec.Seq = m.nextSeq
	m.nextSeq++
	rec.Payload = cloneBytes(rec.Payload)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.log = append(m.log, rec)
	return rec.Seq, nil
}

// Peek implements Store.
func (m *MemoryStore) Peek(limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	n := len(m.log)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = m.log[i]
		out[i].Payload = cloneBytes(m.log[i].Payload)
	}
	return out, nil
}

// Remove implements Store.
func (m *MemoryStore) Remove(seqs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	m.log = without(m.log, seqs)
	return nil
}

// Len implements Store.
func (m *MemoryStore) Len() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	return len(m.log), nil
}

// Trim implements Store.
func (m *MemoryStore) Trim(max int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	if max < 0 {
		max = 0
	}

	excess := len(m.log) - max
	if excess <= 0 {
		return 0, nil
	}
	m.log = append([]Record(nil), m.log[excess:]...)
	return excess, nil
}

// Park implements Store.
func (m *MemoryStore) Park(recs []Record, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	now := time.Now().UTC()
	seqs := make([]int64, 0, len(recs))
	for _, rec := range recs {
		rec.Payload = cloneBytes(rec.Payload)
		m.parked = append(m.parked, ParkedRecord{Record: rec, Reason: reason, ParkedAt: now})
		seqs = append(seqs, rec.Seq)
	}
	m.log = without(m.log, seqs)
	return nil
}

// Parked implements Store.
func (m *MemoryStore) Parked() ([]ParkedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]ParkedRecord, len(m.parked))
	copy(out, m.parked)
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.kv = nil
	m.log = nil
	m.parked = nil
	return nil
}

func without(log []Record, seqs []int64) []Record {
	if len(seqs) == 0 {
		return log
	}
	drop := make(map[int64]struct{}, len(seqs))
	for _, s := range seqs {
		drop[s] = struct{}{}
	}
	kept := log[:0]
	for _, rec := range log {
		if _, ok := drop[rec.Seq]; !ok {
			kept = append(kept, rec)
		}
	}
	return kept
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
