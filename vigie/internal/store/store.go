// Package store persists per-watch state in SQLite: the last observed
// fingerprint, the last check outcome, and the history of detected changes.
//
// Each fingerprint is one row replaced by an UPSERT inside a transaction, so
// a crash leaves either the previous row or the new one, never a mix.
// Writes are serialized per watch id; writers for different watches only
// contend on SQLite's own write lock (WAL mode, busy_timeout).
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Store wraps the state database.
type Store struct {
	DB *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store from an already-opened database. The schema must be
// applied (ApplySchema or dbopen.WithSchema(Schema)).
func New(db *sql.DB) *Store {
	return &Store{DB: db, locks: make(map[string]*sync.Mutex)}
}

// lock acquires the per-watch write lock and returns its release.
func (s *Store) lock(watchID string) func() {
	s.mu.Lock()
	l, ok := s.locks[watchID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[watchID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// WriteError reports a failed state write. The previously stored value is
// left untouched.
type WriteError struct {
	WatchID string
	Op      string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.WatchID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
