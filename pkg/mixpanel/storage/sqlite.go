package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists state to a SQLite database file.
// It is meant for a single process; use one file per client.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS parked (
	seq INTEGER PRIMARY KEY,
	id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL,
	reason TEXT NOT NULL,
	parked_at TEXT NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite store.
// The path should be a file path (e.g., "./mixpanel.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A :memory: database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(rec Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO messages (id, kind, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, rec.ID, rec.Kind, rec.Payload, createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return seq, nil
}

// Peek implements Store.
func (s *SQLiteStore) Peek(limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.Query(`
		SELECT seq, id, kind, payload, created_at
		FROM messages
		ORDER BY seq
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("peek messages: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var createdAt string
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Kind, &rec.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return recs, nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("remove messages: %w", err)
	}
	if err := deleteSeqs(tx, "messages", seqs); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("remove messages: %w", err)
	}
	return nil
}

// Len implements Store.
func (s *SQLiteStore) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Trim implements Store.
func (s *SQLiteStore) Trim(max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	if max < 0 {
		max = 0
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("trim messages: %w", err)
	}
	if count <= max {
		return 0, nil
	}

	res, err := s.db.Exec(`
		DELETE FROM messages WHERE seq IN (
			SELECT seq FROM messages ORDER BY seq LIMIT ?
		)
	`, count-max)
	if err != nil {
		return 0, fmt.Errorf("trim messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("trim messages: %w", err)
	}
	return int(n), nil
}

// Park implements Store.
func (s *SQLiteStore) Park(recs []Record, reason string) error {
	if len(recs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("park messages: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	seqs := make([]int64, 0, len(recs))
	for _, rec := range recs {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO parked (seq, id, kind, payload, created_at, reason, parked_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rec.Seq, rec.ID, rec.Kind, rec.Payload, rec.CreatedAt.UTC().Format(time.RFC3339Nano), reason, now)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("park message %s: %w", rec.ID, err)
		}
		seqs = append(seqs, rec.Seq)
	}

	if err := deleteSeqs(tx, "messages", seqs); err != nil {
		tx.Rollback()
		return fmt.Errorf("park messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("park messages: %w", err)
	}
	return nil
}

// Parked implements Store.
func (s *SQLiteStore) Parked() ([]ParkedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT seq, id, kind, payload, created_at, reason, parked_at
		FROM parked
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list parked: %w", err)
	}
	defer rows.Close()

	var out []ParkedRecord
	for rows.Next() {
		var p ParkedRecord
		var createdAt, parkedAt string
		if err := rows.Scan(&p.Seq, &p.ID, &p.Kind, &p.Payload, &createdAt, &p.Reason, &parkedAt); err != nil {
			return nil, fmt.Errorf("scan parked: %w", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		p.ParkedAt, _ = time.Parse(time.RFC3339Nano, parkedAt)
		out = append(out, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parked: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// deleteSeqs removes rows by sequence number in chunks that stay under
// SQLite's bound-parameter limit.
func deleteSeqs(tx *sql.Tx, table string, seqs []int64) error {
	const chunk = 500
	for start := 0; start < len(seqs); start += chunk {
		end := min(start+chunk, len(seqs))
		part := seqs[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")
		args := make([]any, len(part))
		for i, seq := range part {
			args[i] = seq
		}

		query := fmt.Sprintf("DELETE FROM %s WHERE seq IN (%s)", table, placeholders)
		if _, err := tx.Exec(query, args...); err != nil {
			return err
		}
	}
	return nil
}
