// Package scheduler drives each watch on its own timer.
//
// Every enabled watch gets a runner goroutine that sleeps for the watch
// interval plus jitter and then starts a cycle. Cycles run in their own
// goroutines so a slow watch never delays another; a tick that finds the
// watch's previous cycle still running is skipped, not queued.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrCycleRunning is returned by Trigger when the watch's previous cycle
	// has not finished.
	ErrCycleRunning = errors.New("scheduler: cycle already running")
	// ErrUnknownWatch is returned by Trigger for ids without a runner.
	ErrUnknownWatch = errors.New("scheduler: unknown watch")
	// ErrNotRunning is returned when Run has not started or has returned.
	ErrNotRunning = errors.New("scheduler: not running")
)

// Watch is the scheduling view of a watch.
type Watch struct {
	ID       string
	Interval time.Duration
	// Jitter is the fraction of Interval added at random to each wait,
	// in [0, 1].
	Jitter float64
	// Stagger bounds the random delay before the first cycle.
	Stagger time.Duration
	Enabled bool
	// Fingerprint identifies the definition. Reload restarts the runner of
	// a watch whose fingerprint changed.
	Fingerprint string
}

// CycleFunc runs one cycle. ctx is canceled when the grace period after
// shutdown expires.
type CycleFunc func(ctx context.Context, w Watch)

// Config configures the Scheduler.
type Config struct {
	// GracePeriod bounds the wait for in-flight cycles on shutdown.
	// Default: 15s.
	GracePeriod time.Duration
	// OnSkip is called when a tick is skipped because of overlap.
	OnSkip func(watchID string)
	// Rand returns values in [0, 1) for jitter and stagger. Default:
	// math/rand/v2.
	Rand func() float64
}

func (c *Config) defaults() {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 15 * time.Second
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}

// WatchState is the runtime state of one watch.
type WatchState struct {
	ID        string    `json:"id"`
	Running   bool      `json:"running"`
	Runs      int64     `json:"runs"`
	Skipped   int64     `json:"skipped"`
	LastStart time.Time `json:"last_start,omitzero"`
	LastEnd   time.Time `json:"last_end,omitzero"`
	Next      time.Time `json:"next,omitzero"`
}

// cycleState is kept per watch id, not per runner, and is dropped only once
// no cycle holds it. A restarted, re-added or manually run watch therefore
// cannot overlap its own in-flight cycle.
type cycleState struct {
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64

	mu        sync.Mutex
	lastStart time.Time
	lastEnd   time.Time
}

type runner struct {
	watch Watch
	stop  chan struct{}

	mu   sync.Mutex
	next time.Time
}

// Scheduler owns the per-watch runners.
type Scheduler struct {
	cycle  CycleFunc
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	runners map[string]*runner
	states  map[string]*cycleState
	started bool
	closing bool
	ctx     context.Context // cycle context

	shutdownOnce sync.Once
	shutdown     chan struct{}
	loops        sync.WaitGroup
	cycles       sync.WaitGroup
}

// New creates a Scheduler.
func New(cycle CycleFunc, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cycle:    cycle,
		config:   cfg,
		logger:   logger,
		runners:  make(map[string]*runner),
		states:   make(map[string]*cycleState),
		shutdown: make(chan struct{}),
	}
}

// Run starts a runner per enabled watch and blocks until ctx is done or
// Shutdown is called. It then stops issuing ticks, waits up to the grace
// period for in-flight cycles and cancels the ones still running.
func (s *Scheduler) Run(ctx context.Context, watches []Watch) error {
	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already started")
	}
	s.started = true
	s.ctx = cycleCtx
	s.reconcileLocked(watches)
	n := len(s.runners)
	s.mu.Unlock()
	s.logger.Info("scheduler: started", "watches", n)

	select {
	case <-ctx.Done():
	case <-s.shutdown:
	}

	s.mu.Lock()
	s.closing = true
	for id, r := range s.runners {
		close(r.stop)
		delete(s.runners, id)
	}
	s.mu.Unlock()
	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.cycles.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler: stopped")
	case <-time.After(s.config.GracePeriod):
		s.logger.Warn("scheduler: grace period expired, abandoning in-flight cycles", "grace", s.config.GracePeriod)
	}
	return nil
}

// Shutdown stops issuing ticks and makes Run return after the grace period.
// Safe to call more than once and before Run.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

// Reload reconciles runners with watches: unchanged definitions keep their
// timers, changed ones restart, removed or disabled ones stop, new ones
// start. Cycles already in flight finish undisturbed.
func (s *Scheduler) Reload(watches []Watch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closing {
		return ErrNotRunning
	}
	s.reconcileLocked(watches)
	return nil
}

func (s *Scheduler) reconcileLocked(watches []Watch) {
	want := make(map[string]Watch, len(watches))
	for _, w := range watches {
		if w.Enabled && w.Interval > 0 {
			want[w.ID] = w
		}
	}

	for id, r := range s.runners {
		w, ok := want[id]
		if ok && w.Fingerprint == r.watch.Fingerprint {
			delete(want, id)
			continue
		}
		close(r.stop)
		delete(s.runners, id)
		if ok {
			s.startLocked(w)
			delete(want, id)
			s.logger.Info("scheduler: watch restarted", "watch_id", id)
		} else {
			s.logger.Info("scheduler: watch stopped", "watch_id", id)
		}
	}
	for _, w := range want {
		s.startLocked(w)
	}
	for id, st := range s.states {
		if _, ok := s.runners[id]; !ok && !st.running.Load() {
			delete(s.states, id)
		}
	}
}

// stateLocked returns the cycle state of id, creating it if needed.
func (s *Scheduler) stateLocked(id string) *cycleState {
	st, ok := s.states[id]
	if !ok {
		st = &cycleState{}
		s.states[id] = st
	}
	return st
}

// acquireLocked marks a cycle of id as running. States are only created and
// dropped under s.mu, so two holders of the same id cannot coexist.
func (s *Scheduler) acquireLocked(id string) (*cycleState, error) {
	st := s.stateLocked(id)
	if !st.running.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}
	return st, nil
}

func (s *Scheduler) startLocked(w Watch) {
	s.stateLocked(w.ID)
	r := &runner{watch: w, stop: make(chan struct{})}
	s.runners[w.ID] = r
	s.loops.Add(1)
	go s.loop(r)
}

func (s *Scheduler) loop(r *runner) {
	defer s.loops.Done()

	delay := time.Duration(s.config.Rand() * float64(r.watch.Stagger))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		r.mu.Lock()
		r.next = time.Now().Add(delay)
		r.mu.Unlock()

		select {
		case <-r.stop:
			return
		case <-timer.C:
		}
		if err := s.start(r); errors.Is(err, ErrCycleRunning) {
			s.mu.Lock()
			s.stateLocked(r.watch.ID).skipped.Add(1)
			s.mu.Unlock()
			s.logger.Warn("scheduler: previous cycle still running, tick skipped", "watch_id", r.watch.ID)
			if s.config.OnSkip != nil {
				s.config.OnSkip(r.watch.ID)
			}
		}
		delay = s.nextDelay(r.watch)
		timer.Reset(delay)
	}
}

// nextDelay is interval + U[0, jitter*interval).
func (s *Scheduler) nextDelay(w Watch) time.Duration {
	return w.Interval + time.Duration(s.config.Rand()*w.Jitter*float64(w.Interval))
}

// errStopped is returned by start for a runner that Reload replaced.
var errStopped = errors.New("scheduler: runner stopped")

// start launches a cycle for r unless its previous one is still running.
func (s *Scheduler) start(r *runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrNotRunning
	}
	if s.runners[r.watch.ID] != r {
		return errStopped
	}
	return s.launchLocked(r)
}

func (s *Scheduler) launchLocked(r *runner) error {
	st, err := s.acquireLocked(r.watch.ID)
	if err != nil {
		return err
	}
	s.cycles.Add(1)
	ctx, w := s.ctx, r.watch

	go func() {
		defer s.cycles.Done()
		s.hold(st, w.ID, func() { s.cycle(ctx, w) })
	}()
	return nil
}

// hold runs fn as a cycle of st and releases st afterwards, even on panic.
func (s *Scheduler) hold(st *cycleState, id string, fn func()) {
	defer st.running.Store(false)
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("scheduler: cycle panicked", "watch_id", id, "panic", v)
		}
	}()

	st.mu.Lock()
	st.lastStart = time.Now()
	st.mu.Unlock()
	st.runs.Add(1)

	fn()

	st.mu.Lock()
	st.lastEnd = time.Now()
	st.mu.Unlock()
}

// Trigger starts an immediate cycle for id, outside its timer.
func (s *Scheduler) Trigger(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closing {
		return ErrNotRunning
	}
	r, ok := s.runners[id]
	if !ok {
		return ErrUnknownWatch
	}
	return s.launchLocked(r)
}

// RunNow runs fn synchronously as a cycle of id. It shares the per-watch
// guard with scheduled cycles, so it returns ErrCycleRunning instead of
// overlapping one. It works for ids without a runner (disabled watches) and
// whether or not Run is active.
func (s *Scheduler) RunNow(id string, fn func()) error {
	s.mu.Lock()
	st, err := s.acquireLocked(id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.hold(st, id, fn)
	return nil
}

// Status returns the state of every scheduled watch, sorted by id.
func (s *Scheduler) Status() []WatchState {
	s.mu.Lock()
	runners := make([]*runner, 0, len(s.runners))
	states := make([]*cycleState, 0, len(s.runners))
	for id, r := range s.runners {
		runners = append(runners, r)
		states = append(states, s.stateLocked(id))
	}
	s.mu.Unlock()

	out := make([]WatchState, 0, len(runners))
	for i, r := range runners {
		st := states[i]
		ws := WatchState{
			ID:      r.watch.ID,
			Running: st.running.Load(),
			Runs:    st.runs.Load(),
			Skipped: st.skipped.Load(),
		}
		st.mu.Lock()
		ws.LastStart, ws.LastEnd = st.lastStart, st.lastEnd
		st.mu.Unlock()
		r.mu.Lock()
		ws.Next = r.next
		r.mu.Unlock()
		out = append(out, ws)
	}
	slices.SortFunc(out, func(a, b WatchState) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Running returns the number of cycles in flight, manual ones included.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.states {
		if st.running.Load() {
			n++
		}
	}
	return n
}
