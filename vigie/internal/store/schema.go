package store

import "database/sql"

// Schema creates the state tables. Timestamps are unix milliseconds.
const Schema = `
-- Last observed content per watch
CREATE TABLE IF NOT EXISTS fingerprints (
    watch_id    TEXT PRIMARY KEY,
    content     TEXT NOT NULL,
    hash        TEXT NOT NULL,
    captured_at INTEGER NOT NULL
);

-- Outcome of the last check per watch
CREATE TABLE IF NOT EXISTS watch_status (
    watch_id        TEXT PRIMARY KEY,
    last_checked_at INTEGER NOT NULL,
    last_status     TEXT NOT NULL,
    last_error      TEXT NOT NULL DEFAULT '',
    fail_count      INTEGER NOT NULL DEFAULT 0,
    last_changed_at INTEGER NOT NULL DEFAULT 0
);

-- Detected changes
CREATE TABLE IF NOT EXISTS changes (
    id          TEXT PRIMARY KEY,
    watch_id    TEXT NOT NULL,
    detected_at INTEGER NOT NULL,
    added       INTEGER NOT NULL,
    removed     INTEGER NOT NULL,
    diff        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_changes_watch ON changes(watch_id, detected_at DESC);
`

// ApplySchema creates the tables if they do not exist.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
