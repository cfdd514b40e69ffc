package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/vigie/dbopen"
)

// Change is one detected change in the history.
type Change struct {
	ID         string    `json:"id"`
	WatchID    string    `json:"watch_id"`
	DetectedAt time.Time `json:"detected_at"`
	Added      int       `json:"added"`
	Removed    int       `json:"removed"`
	Diff       string    `json:"diff"` // unified format
}

// InsertChange appends c to the history.
func (s *Store) InsertChange(ctx context.Context, c *Change) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO changes (id, watch_id, detected_at, added, removed, diff)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.WatchID, toMillis(c.DetectedAt), c.Added, c.Removed, c.Diff)
	if err != nil {
		return &WriteError{WatchID: c.WatchID, Op: "insert change", Err: err}
	}
	return nil
}

// GetChange returns one change, or nil and no error if id is unknown.
func (s *Store) GetChange(ctx context.Context, id string) (*Change, error) {
	var c Change
	var at int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, watch_id, detected_at, added, removed, diff FROM changes WHERE id = ?`, id).
		Scan(&c.ID, &c.WatchID, &at, &c.Added, &c.Removed, &c.Diff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get change %s: %w", id, err)
	}
	c.DetectedAt = fromMillis(at)
	return &c, nil
}

// ListChanges returns changes newest first. An empty watchID lists all
// watches. limit <= 0 defaults to 50.
func (s *Store) ListChanges(ctx context.Context, watchID string, limit int) ([]*Change, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, watch_id, detected_at, added, removed, diff FROM changes
		WHERE ?1 = '' OR watch_id = ?1
		ORDER BY detected_at DESC, id DESC LIMIT ?2`, watchID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list changes: %w", err)
	}
	defer rows.Close()

	var out []*Change
	for rows.Next() {
		var c Change
		var at int64
		if err := rows.Scan(&c.ID, &c.WatchID, &at, &c.Added, &c.Removed, &c.Diff); err != nil {
			return nil, fmt.Errorf("store: scan change: %w", err)
		}
		c.DetectedAt = fromMillis(at)
		out = append(out, &c)
	}
	return out, rows.Err()
}
