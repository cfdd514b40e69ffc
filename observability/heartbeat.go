package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

// Probe reports what the process is doing at beat time.
type Probe func() (watches, inFlight int)

// HeartbeatWriter writes periodic liveness rows to the heartbeats table.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	pid        int
	interval   time.Duration
	probe      Probe
	logger     *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeatWriter creates a writer. probe may be nil.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, probe Probe, logger *slog.Logger) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if probe == nil {
		probe = func() (int, int) { return 0, 0 }
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		pid:        os.Getpid(),
		interval:   interval,
		probe:      probe,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start writes one heartbeat immediately, then one per interval until Stop
// or ctx cancellation.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// Beat writes a single heartbeat row.
func (hw *HeartbeatWriter) Beat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	watches, inFlight := hw.probe()
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO heartbeats (worker_name, hostname, pid, beat_at, watches, in_flight, goroutines, memory_alloc_mb)
		VALUES (?,?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.pid, time.Now().UnixMilli(),
		watches, inFlight, runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// Stop ends the heartbeat goroutine and waits for it. Safe to call twice.
func (hw *HeartbeatWriter) Stop() {
	hw.stopOnce.Do(func() { close(hw.stop) })
	<-hw.done
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	for {
		if err := hw.Beat(ctx); err != nil && ctx.Err() == nil {
			hw.logger.Error("heartbeat: write failed", "error", err, "worker", hw.workerName)
		}
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
		}
	}
}

// HeartbeatStatus is the latest heartbeat of a worker with a staleness check.
type HeartbeatStatus struct {
	WorkerName    string    `json:"worker_name"`
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	BeatAt        time.Time `json:"beat_at"`
	Watches       int       `json:"watches"`
	InFlight      int       `json:"in_flight"`
	Goroutines    int       `json:"goroutines"`
	MemoryAllocMB float64   `json:"memory_alloc_mb"`
	Alive         bool      `json:"alive"`
}

// LatestHeartbeat returns the most recent heartbeat of workerName, alive when
// it is younger than staleAfter. Returns nil, nil before the first beat.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleAfter time.Duration) (*HeartbeatStatus, error) {
	var hs HeartbeatStatus
	var at int64
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, pid, beat_at, watches, in_flight,
		       COALESCE(goroutines, 0), COALESCE(memory_alloc_mb, 0)
		FROM heartbeats WHERE worker_name = ?
		ORDER BY beat_at DESC LIMIT 1`, workerName).
		Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &at, &hs.Watches, &hs.InFlight, &hs.Goroutines, &hs.MemoryAllocMB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}
	hs.BeatAt = time.UnixMilli(at).UTC()
	hs.Alive = time.Since(hs.BeatAt) <= staleAfter
	return &hs, nil
}

// PruneHeartbeats deletes heartbeats older than before.
func PruneHeartbeats(ctx context.Context, db *sql.DB, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM heartbeats WHERE beat_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune heartbeats: %w", err)
	}
	return res.RowsAffected()
}
