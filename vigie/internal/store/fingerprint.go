package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/vigie/dbopen"
)

// Fingerprint is the last observed content of a watch.
type Fingerprint struct {
	WatchID    string    `json:"watch_id"`
	Content    string    `json:"-"`
	Hash       string    `json:"hash"`
	CapturedAt time.Time `json:"captured_at"`
}

// NewFingerprint builds a fingerprint for content captured at t.
func NewFingerprint(watchID, content string, t time.Time) *Fingerprint {
	return &Fingerprint{WatchID: watchID, Content: content, Hash: Hash(content), CapturedAt: t.UTC()}
}

// Hash returns the SHA-256 hex digest of content.
func Hash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// Get returns the stored fingerprint, or nil and no error when the watch has
// never been captured.
func (s *Store) Get(ctx context.Context, watchID string) (*Fingerprint, error) {
	var fp Fingerprint
	var captured int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT watch_id, content, hash, captured_at FROM fingerprints WHERE watch_id = ?`,
		watchID).Scan(&fp.WatchID, &fp.Content, &fp.Hash, &captured)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get fingerprint %s: %w", watchID, err)
	}
	fp.CapturedAt = fromMillis(captured)
	return &fp, nil
}

// Put atomically replaces the fingerprint of fp.WatchID. An empty Hash is
// computed from Content. Errors are *WriteError.
func (s *Store) Put(ctx context.Context, fp *Fingerprint) error {
	if fp.WatchID == "" {
		return &WriteError{Op: "put", Err: errors.New("empty watch id")}
	}
	if fp.Hash == "" {
		fp.Hash = Hash(fp.Content)
	}
	if fp.CapturedAt.IsZero() {
		fp.CapturedAt = time.Now().UTC()
	}

	defer s.lock(fp.WatchID)()
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fingerprints (watch_id, content, hash, captured_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(watch_id) DO UPDATE SET
				content = excluded.content,
				hash = excluded.hash,
				captured_at = excluded.captured_at`,
			fp.WatchID, fp.Content, fp.Hash, toMillis(fp.CapturedAt))
		return err
	})
	if err != nil {
		return &WriteError{WatchID: fp.WatchID, Op: "put", Err: err}
	}
	return nil
}

// Delete removes every record of a watch: fingerprint, status and history.
func (s *Store) Delete(ctx context.Context, watchID string) error {
	defer s.lock(watchID)()
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM fingerprints WHERE watch_id = ?`,
			`DELETE FROM watch_status WHERE watch_id = ?`,
			`DELETE FROM changes WHERE watch_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, watchID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &WriteError{WatchID: watchID, Op: "delete", Err: err}
	}
	return nil
}

// WatchIDs lists every watch with a stored fingerprint or status.
func (s *Store) WatchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT watch_id FROM fingerprints UNION SELECT watch_id FROM watch_status ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("store: list watch ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan watch id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
