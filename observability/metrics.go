// Package observability keeps process liveness and cycle metrics in SQLite
// instead of an external monitoring stack.
//
// Writes are buffered and flushed in batches off the hot path. A failing
// metrics store never blocks or fails a watch cycle: flush errors are logged
// and the batch is dropped.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric names recorded by the watch engine.
const (
	MetricCheckDuration   = "check_duration_ms"
	MetricFetchAttempts   = "fetch_attempts"
	MetricChangeDetected  = "change_detected"
	MetricNotifyFailed    = "notify_failed"
	MetricCycleSkipped    = "cycle_skipped"
	MetricStateWriteError = "state_write_error"
)

// Metric is a single datapoint.
type Metric struct {
	Name   string            `json:"name"`
	At     time.Time         `json:"at"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Metrics buffers datapoints and flushes them to SQLite in batches.
type Metrics struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []*Metric

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewMetrics starts a buffer that flushes every flushInterval or when
// bufferSize datapoints are pending. Typical values: 100, 5s.
func NewMetrics(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *Metrics {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Metrics{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        logger,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go m.flushLoop()
	return m
}

// Record queues a datapoint. Non-blocking apart from a full-buffer flush.
func (m *Metrics) Record(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append(m.buffer, &Metric{Name: name, At: time.Now().UTC(), Value: value, Labels: labels})
	if len(m.buffer) >= m.bufferSize {
		m.flushLocked()
	}
}

// Flush writes pending datapoints now.
func (m *Metrics) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
}

// Query returns datapoints named name (all when empty) recorded at or after
// since (unbounded when zero), newest first.
func (m *Metrics) Query(ctx context.Context, name string, since time.Time, limit int) ([]*Metric, error) {
	q := "SELECT name, recorded_at, value, labels FROM metrics WHERE 1=1"
	var args []any
	if name != "" {
		q += " AND name = ?"
		args = append(args, name)
	}
	if !since.IsZero() {
		q += " AND recorded_at >= ?"
		args = append(args, since.UnixMilli())
	}
	q += " ORDER BY recorded_at DESC, id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var mt Metric
		var at int64
		var labels sql.NullString
		if err := rows.Scan(&mt.Name, &at, &mt.Value, &labels); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		mt.At = time.UnixMilli(at).UTC()
		if labels.Valid {
			json.Unmarshal([]byte(labels.String), &mt.Labels)
		}
		out = append(out, &mt)
	}
	return out, rows.Err()
}

// Prune deletes datapoints older than before.
func (m *Metrics) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := m.db.ExecContext(ctx, "DELETE FROM metrics WHERE recorded_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes pending datapoints and stops the flush goroutine.
func (m *Metrics) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

func (m *Metrics) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			m.Flush()
			return
		case <-ticker.C:
			m.Flush()
		}
	}
}

func (m *Metrics) flushLocked() {
	if len(m.buffer) == 0 {
		return
	}
	batch := m.buffer
	m.buffer = make([]*Metric, 0, m.bufferSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		m.logger.Error("metrics: begin tx", "error", err, "dropped", len(batch))
		return
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metrics (name, recorded_at, value, labels) VALUES (?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		m.logger.Error("metrics: prepare", "error", err, "dropped", len(batch))
		return
	}
	defer stmt.Close()

	for _, mt := range batch {
		var labels sql.NullString
		if len(mt.Labels) > 0 {
			if b, err := json.Marshal(mt.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, mt.Name, mt.At.UnixMilli(), mt.Value, labels); err != nil {
			m.logger.Error("metrics: insert", "error", err, "metric", mt.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		m.logger.Error("metrics: commit", "error", err, "dropped", len(batch))
	}
}
