package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/vigie/dbopen"
)

// Check is the outcome of one watch cycle.
type Check struct {
	WatchID string
	At      time.Time
	Status  string // baseline, unchanged, changed, fetch_failed, diff_failed, state_failed
	Error   string
	Failed  bool // extends the failure streak; false resets it
	Changed bool // updates last_changed_at
}

// Status is the last check record of a watch.
type Status struct {
	WatchID       string    `json:"watch_id"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	LastStatus    string    `json:"last_status"`
	LastError     string    `json:"last_error,omitempty"`
	FailCount     int       `json:"fail_count"`
	LastChangedAt time.Time `json:"last_changed_at,omitzero"`
}

// RecordCheck upserts the status row of c.WatchID and returns the fail count
// after the update: 1 means this check started a failure streak.
func (s *Store) RecordCheck(ctx context.Context, c Check) (int, error) {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	failed := 0
	if c.Failed {
		failed = 1
	}
	var changedAt int64
	if c.Changed {
		changedAt = toMillis(c.At)
	}

	defer s.lock(c.WatchID)()
	var failCount int
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO watch_status (watch_id, last_checked_at, last_status, last_error, fail_count, last_changed_at)
			VALUES (?1, ?2, ?3, ?4, ?5, ?6)
			ON CONFLICT(watch_id) DO UPDATE SET
				last_checked_at = excluded.last_checked_at,
				last_status = excluded.last_status,
				last_error = excluded.last_error,
				fail_count = CASE WHEN ?5 = 1 THEN watch_status.fail_count + 1 ELSE 0 END,
				last_changed_at = CASE WHEN ?6 > 0 THEN ?6 ELSE watch_status.last_changed_at END`,
			c.WatchID, toMillis(c.At), c.Status, c.Error, failed, changedAt)
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT fail_count FROM watch_status WHERE watch_id = ?`, c.WatchID).Scan(&failCount)
	})
	if err != nil {
		return 0, &WriteError{WatchID: c.WatchID, Op: "record check", Err: err}
	}
	return failCount, nil
}

// Status returns the status row of a watch, or nil when it was never checked.
func (s *Store) Status(ctx context.Context, watchID string) (*Status, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT watch_id, last_checked_at, last_status, last_error, fail_count, last_changed_at
		FROM watch_status WHERE watch_id = ?`, watchID)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: status %s: %w", watchID, err)
	}
	return st, nil
}

// ListStatus returns every status row ordered by watch id.
func (s *Store) ListStatus(ctx context.Context) ([]*Status, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT watch_id, last_checked_at, last_status, last_error, fail_count, last_changed_at
		FROM watch_status ORDER BY watch_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list status: %w", err)
	}
	defer rows.Close()

	var out []*Status
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan status: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatus(sc scanner) (*Status, error) {
	var st Status
	var checked, changed int64
	if err := sc.Scan(&st.WatchID, &checked, &st.LastStatus, &st.LastError, &st.FailCount, &changed); err != nil {
		return nil, err
	}
	st.LastCheckedAt = fromMillis(checked)
	st.LastChangedAt = fromMillis(changed)
	return &st, nil
}
