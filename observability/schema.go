package observability

import "database/sql"

// Schema is the DDL for the liveness and metrics tables. It can share the
// state database or live in its own file.
const Schema = `
CREATE TABLE IF NOT EXISTS heartbeats (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    worker_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    beat_at INTEGER NOT NULL,
    watches INTEGER NOT NULL DEFAULT 0,
    in_flight INTEGER NOT NULL DEFAULT 0,
    goroutines INTEGER,
    memory_alloc_mb REAL
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
    ON heartbeats(worker_name, beat_at DESC);

CREATE TABLE IF NOT EXISTS metrics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    recorded_at INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics(name, recorded_at DESC);
`

// Init applies the observability schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
