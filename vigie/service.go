// Package vigie watches URLs for content changes and notifies configured
// channels when they change.
//
// A Service ties the pieces together: the scheduler ticks each watch, the
// pipeline fetches, compares and persists, the dispatcher delivers events.
// The HTTP API and the MCP tools expose the same read and trigger
// operations.
package vigie

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/vigie/dbopen"
	"github.com/hazyhaar/vigie/idgen"
	"github.com/hazyhaar/vigie/observability"
	"github.com/hazyhaar/vigie/retry"
	"github.com/hazyhaar/vigie/vigie/internal/fetch"
	"github.com/hazyhaar/vigie/vigie/internal/notify"
	"github.com/hazyhaar/vigie/vigie/internal/pipeline"
	"github.com/hazyhaar/vigie/vigie/internal/scheduler"
	"github.com/hazyhaar/vigie/vigie/internal/store"
)

// WorkerName identifies this process in the heartbeat table.
const WorkerName = "vigie"

// Service is a running watcher.
type Service struct {
	db      *sql.DB
	ownsDB  bool
	store   *store.Store
	metrics *observability.Metrics

	dispatcher *notify.Dispatcher
	pipeline   *pipeline.Pipeline
	scheduler  *scheduler.Scheduler
	heartbeat  *observability.HeartbeatWriter
	logger     *slog.Logger

	// options applied to internal components
	transport http.RoundTripper
	factories map[string]notify.Factory
	schedRand func() float64

	mu        sync.RWMutex
	config    *Config
	watches   map[string]pipeline.Watch
	scheduled []scheduler.Watch

	ran     atomic.Bool
	running atomic.Bool
	closed  atomic.Bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDB uses an already opened database instead of opening cfg.StateDB.
// The caller keeps ownership.
func WithDB(db *sql.DB) ServiceOption {
	return func(s *Service) { s.db = db }
}

// WithTransport overrides the fetcher's HTTP transport.
func WithTransport(rt http.RoundTripper) ServiceOption {
	return func(s *Service) { s.transport = rt }
}

// WithChannelFactory registers an extra notification channel variant.
func WithChannelFactory(platform string, f notify.Factory) ServiceOption {
	return func(s *Service) { s.factories[platform] = f }
}

// WithSchedulerRand overrides the jitter and stagger source.
func WithSchedulerRand(fn func() float64) ServiceOption {
	return func(s *Service) { s.schedRand = fn }
}

// New validates cfg, opens the state database and wires the components.
func New(cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{logger: logger, factories: make(map[string]notify.Factory)}
	for _, o := range opts {
		o(s)
	}
	cfg.defaults()

	var dopts []notify.Option
	dopts = append(dopts,
		notify.WithLogger(logger),
		notify.WithRetry(policy(cfg.Notify.RetryConfig)),
	)
	for platform, f := range s.factories {
		dopts = append(dopts, notify.WithFactory(platform, f))
	}
	s.dispatcher = notify.NewDispatcher(dopts...)

	c, err := cfg.compile(s.dispatcher)
	if err != nil {
		return nil, err
	}

	if s.db == nil {
		db, err := dbopen.Open(cfg.StateDB,
			dbopen.WithMkdirAll(),
			dbopen.WithSchema(store.Schema),
			dbopen.WithSchema(observability.Schema),
		)
		if err != nil {
			return nil, fmt.Errorf("vigie: open state db: %w", err)
		}
		s.db, s.ownsDB = db, true
	} else {
		if err := store.ApplySchema(s.db); err != nil {
			return nil, err
		}
		if err := observability.Init(s.db); err != nil {
			return nil, err
		}
	}

	if err := s.dispatcher.Reload(c.channels); err != nil {
		s.closeDB()
		return nil, err
	}

	s.store = store.New(s.db)
	s.metrics = observability.NewMetrics(s.db, 256, 5*time.Second, logger)

	fetcher := fetch.New(fetch.Config{
		Timeout:      cfg.HTTP.Timeout,
		MaxBytes:     cfg.HTTP.MaxBytes,
		MaxRedirects: cfg.HTTP.MaxRedirects,
		UserAgent:    cfg.HTTP.UserAgent,
		BlockPrivate: cfg.HTTP.BlockPrivate,
		Retry:        policy(cfg.Fetch),
		Transport:    s.transport,
		Logger:       logger,
	})

	s.pipeline = pipeline.New(s.store, fetcher, s.dispatcher,
		pipeline.WithLogger(logger),
		pipeline.WithFetchLimit(cfg.Scheduler.MaxConcurrent),
		pipeline.WithFailureAlerts(*cfg.Notify.FailureAlerts),
		pipeline.WithMetrics(s.metrics),
	)

	s.scheduler = scheduler.New(s.runCycle, scheduler.Config{
		GracePeriod: cfg.Scheduler.GracePeriod,
		Rand:        s.schedRand,
		OnSkip: func(id string) {
			s.metrics.Record(observability.MetricCycleSkipped, 1, map[string]string{"watch_id": id})
		},
	}, logger)

	s.config = cfg
	s.watches = c.pipeline
	s.scheduled = c.scheduled
	return s, nil
}

func policy(r RetryConfig) retry.Policy {
	return retry.Policy{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseBackoff, MaxDelay: r.MaxBackoff, Jitter: r.Jitter}
}

// Run sends the startup report, starts the heartbeat and schedules every
// enabled watch. It blocks until ctx is done or Shutdown is called, then
// waits for in-flight cycles up to the grace period. Run may be called once
// per Service; later calls return ErrAlreadyRan.
func (s *Service) Run(ctx context.Context) error {
	if s.closed.Load() {
		return errors.New("vigie: service closed")
	}
	if !s.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRan
	}
	s.running.Store(true)
	defer s.running.Store(false)

	s.mu.RLock()
	cfg := s.config
	s.mu.RUnlock()

	s.pruneRemoved(ctx)

	if *cfg.Notify.StartupReport {
		s.startupReport(ctx)
	}

	hkCtx, stopHK := context.WithCancel(ctx)
	defer stopHK()
	go s.housekeeping(hkCtx, cfg.Retention)

	if cfg.Heartbeat > 0 {
		s.heartbeat = observability.NewHeartbeatWriter(s.db, WorkerName, cfg.Heartbeat, s.probe, s.logger)
		s.heartbeat.Start(ctx)
		defer s.heartbeat.Stop()
	}

	s.mu.RLock()
	scheduled := s.scheduled
	s.mu.RUnlock()
	return s.scheduler.Run(ctx, scheduled)
}

// housekeeping prunes metrics and heartbeats older than retention, at start
// and hourly until ctx is done.
func (s *Service) housekeeping(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		s.prune(ctx, time.Now().Add(-retention))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) prune(ctx context.Context, before time.Time) {
	n, err := s.metrics.Prune(ctx, before)
	if err != nil {
		s.logger.Warn("vigie: prune metrics", "error", err)
	}
	h, err := observability.PruneHeartbeats(ctx, s.db, before)
	if err != nil {
		s.logger.Warn("vigie: prune heartbeats", "error", err)
	}
	if n+h > 0 {
		s.logger.Info("vigie: pruned observability rows", "metrics", n, "heartbeats", h)
	}
}

func (s *Service) probe() (watches, inFlight int) {
	s.mu.RLock()
	watches = len(s.watches)
	s.mu.RUnlock()
	return watches, s.scheduler.Running()
}

// startupReport tells every channel which URLs are being watched.
func (s *Service) startupReport(ctx context.Context) {
	channels := s.dispatcher.Channels()
	if len(channels) == 0 {
		return
	}
	var urls []string
	s.mu.RLock()
	for _, w := range s.config.Watches {
		if w.IsEnabled() {
			urls = append(urls, w.URL)
		}
	}
	s.mu.RUnlock()

	ev := &notify.Event{
		ID:         notify.NewEventID(),
		Kind:       notify.KindStartup,
		DetectedAt: time.Now().UTC(),
		URLs:       urls,
	}
	for _, r := range s.dispatcher.Dispatch(ctx, ev, channels) {
		if !r.OK {
			s.logger.Warn("vigie: startup report not delivered", "channel", r.Channel, "error", r.Err)
		}
	}
}

func (s *Service) runCycle(ctx context.Context, sw scheduler.Watch) {
	s.mu.RLock()
	w, ok := s.watches[sw.ID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.pipeline.Run(ctx, w)
}

// Shutdown stops scheduling. Run returns once in-flight cycles finish or
// the grace period expires.
func (s *Service) Shutdown() {
	s.scheduler.Shutdown()
}

// Reload installs a new configuration. Watches and channels are reconciled:
// unchanged ones keep their state and timers. The state of removed watches
// is pruned. Other sections (http, fetch, scheduler, api, state_db) take
// effect on restart. On error the running configuration is kept.
func (s *Service) Reload(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	c, err := cfg.compile(s.dispatcher)
	if err != nil {
		return err
	}
	if err := s.dispatcher.Reload(c.channels); err != nil {
		return err
	}

	s.mu.Lock()
	s.config = cfg
	s.watches = c.pipeline
	s.scheduled = c.scheduled
	s.mu.Unlock()

	if err := s.scheduler.Reload(c.scheduled); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
		return err
	}
	s.pruneRemoved(ctx)
	s.logger.Info("vigie: config reloaded", "watches", len(c.pipeline), "channels", len(c.channels))
	return nil
}

// pruneRemoved deletes the state of watches no longer configured.
func (s *Service) pruneRemoved(ctx context.Context) {
	ids, err := s.store.WatchIDs(ctx)
	if err != nil {
		s.logger.Warn("vigie: list stored watches", "error", err)
		return
	}
	s.mu.RLock()
	var stale []string
	for _, id := range ids {
		if _, ok := s.watches[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range stale {
		if err := s.store.Delete(ctx, id); err != nil {
			s.logger.Warn("vigie: prune watch state", "watch_id", id, "error", err)
			continue
		}
		s.logger.Info("vigie: pruned state of removed watch", "watch_id", id)
	}
}

// WatchStatus is the public view of a watch.
type WatchStatus struct {
	WatchConfig
	Check    *store.Status         `json:"check,omitempty"`
	Schedule *scheduler.WatchState `json:"schedule,omitempty"`
}

// Watches returns the configured watches in configuration order.
func (s *Service) Watches() []WatchConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.config.Watches)
}

// Status returns every watch with its last check and schedule.
func (s *Service) Status(ctx context.Context) ([]*WatchStatus, error) {
	checks, err := s.store.ListStatus(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Status, len(checks))
	for _, c := range checks {
		byID[c.WatchID] = c
	}
	sched := make(map[string]scheduler.WatchState)
	for _, st := range s.scheduler.Status() {
		sched[st.ID] = st
	}

	watches := s.Watches()
	out := make([]*WatchStatus, 0, len(watches))
	for _, w := range watches {
		ws := &WatchStatus{WatchConfig: w, Check: byID[w.ID]}
		if st, ok := sched[w.ID]; ok {
			ws.Schedule = &st
		}
		out = append(out, ws)
	}
	return out, nil
}

// WatchStatus returns the status of one watch.
func (s *Service) WatchStatus(ctx context.Context, id string) (*WatchStatus, error) {
	all, err := s.Status(ctx)
	if err != nil {
		return nil, err
	}
	for _, ws := range all {
		if ws.ID == id {
			return ws, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownWatch, id)
}

// Changes returns the change history of id, newest first. An empty id
// lists every watch.
func (s *Service) Changes(ctx context.Context, id string, limit int) ([]*store.Change, error) {
	if id != "" && !s.known(id) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWatch, id)
	}
	return s.store.ListChanges(ctx, id, limit)
}

// Change returns one change by id.
func (s *Service) Change(ctx context.Context, id string) (*store.Change, error) {
	if _, err := idgen.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	c, err := s.store.GetChange(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChange, id)
	}
	return c, nil
}

// QueryMetrics returns datapoints named name (all when empty) recorded in
// the last window, newest first.
func (s *Service) QueryMetrics(ctx context.Context, name string, window time.Duration, limit int) ([]*observability.Metric, error) {
	s.metrics.Flush()
	var since time.Time
	if window > 0 {
		since = time.Now().Add(-window)
	}
	if limit <= 0 {
		limit = 100
	}
	return s.metrics.Query(ctx, name, since, limit)
}

func (s *Service) known(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.watches[id]
	return ok
}

// CheckNow runs a cycle for id outside its timer. While Run is active and
// the watch is scheduled, the cycle goes through the scheduler and CheckNow
// returns a nil Outcome without waiting. Otherwise the cycle runs
// synchronously and its Outcome is returned. Either way it shares the
// watch's cycle guard and returns scheduler.ErrCycleRunning rather than
// overlapping another cycle of the same watch.
func (s *Service) CheckNow(ctx context.Context, id string) (*pipeline.Outcome, error) {
	s.mu.RLock()
	w, ok := s.watches[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWatch, id)
	}
	if s.running.Load() {
		err := s.scheduler.Trigger(id)
		switch {
		case err == nil:
			return nil, nil
		case errors.Is(err, scheduler.ErrUnknownWatch):
			// Disabled watches have no runner.
		case errors.Is(err, scheduler.ErrNotRunning):
		default:
			return nil, err
		}
	}
	var out *pipeline.Outcome
	if err := s.scheduler.RunNow(id, func() { out = s.pipeline.Run(ctx, w) }); err != nil {
		return nil, err
	}
	return out, nil
}

// Health is the liveness summary served on /health.
type Health struct {
	Status    string                         `json:"status"`
	Running   bool                           `json:"running"`
	Watches   int                            `json:"watches"`
	InFlight  int                            `json:"in_flight"`
	Heartbeat *observability.HeartbeatStatus `json:"heartbeat,omitempty"`
}

// Health reports whether the service is running and its last heartbeat.
func (s *Service) Health(ctx context.Context) (*Health, error) {
	watches, inFlight := s.probe()
	h := &Health{Status: "ok", Running: s.running.Load(), Watches: watches, InFlight: inFlight}
	s.mu.RLock()
	interval := s.config.Heartbeat
	s.mu.RUnlock()
	if interval > 0 {
		hb, err := observability.LatestHeartbeat(ctx, s.db, WorkerName, 3*interval)
		if err != nil {
			return nil, err
		}
		h.Heartbeat = hb
		if hb != nil && !hb.Alive {
			h.Status = "stale"
		}
	}
	return h, nil
}

// Close flushes metrics and closes the database if the service opened it.
// Call after Run has returned.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.Shutdown()
	err := s.metrics.Close()
	if cerr := s.closeDB(); err == nil {
		err = cerr
	}
	return err
}

func (s *Service) closeDB() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}
