// Package pipeline runs one watch cycle: fetch, compare with the stored
// fingerprint, persist, record the change and notify.
//
// The fingerprint is written before any notification is attempted and only
// once the change is fully computed, so a crash mid-cycle never records a
// transition nobody was told about. When the write fails, nothing is sent
// and the next cycle re-detects the same change from the same baseline.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/vigie/idgen"
	"github.com/hazyhaar/vigie/observability"
	"github.com/hazyhaar/vigie/vigie/internal/diff"
	"github.com/hazyhaar/vigie/vigie/internal/fetch"
	"github.com/hazyhaar/vigie/vigie/internal/notify"
	"github.com/hazyhaar/vigie/vigie/internal/store"
)

// Watch is everything one cycle needs to know about a watch.
type Watch struct {
	ID       string
	Name     string
	URL      string
	Method   string
	Headers  map[string]string
	Body     string
	Engine   *diff.Engine
	Channels []string
	// ContextLines around each change in rendered hunks.
	ContextLines int
}

// Kind classifies how a cycle ended.
type Kind string

const (
	KindBaseline    Kind = "baseline"
	KindUnchanged   Kind = "unchanged"
	KindChanged     Kind = "changed"
	KindFetchFailed Kind = "fetch_failed"
	KindDiffFailed  Kind = "diff_failed"
	KindStateFailed Kind = "state_failed"
)

// Outcome describes one finished cycle.
type Outcome struct {
	WatchID  string          `json:"watch_id"`
	Kind     Kind            `json:"kind"`
	Attempts int             `json:"attempts"`
	Duration time.Duration   `json:"duration"`
	Change   *store.Change   `json:"change,omitempty"`
	Results  []notify.Result `json:"results,omitempty"`
	Err      error           `json:"-"`
}

// Fetcher retrieves a watch's current content.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Result, error)
}

// Dispatcher delivers an event to named channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *notify.Event, names []string) []notify.Result
}

// Recorder receives cycle metrics. *observability.Metrics implements it.
type Recorder interface {
	Record(name string, value float64, labels map[string]string)
}

// Pipeline runs watch cycles. It is safe for concurrent use; each Run owns
// its working data and the store serializes writes per watch.
type Pipeline struct {
	store         *store.Store
	fetcher       Fetcher
	dispatcher    Dispatcher
	sem           chan struct{}
	failureAlerts bool
	metrics       Recorder
	newID         idgen.Generator
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithFetchLimit caps fetches in flight across all watches. Cycles over the
// cap wait for a slot. n <= 0 means no cap.
func WithFetchLimit(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		} else {
			p.sem = nil
		}
	}
}

// WithFailureAlerts dispatches a failed event on the first failure of a
// streak.
func WithFailureAlerts(on bool) Option {
	return func(p *Pipeline) { p.failureAlerts = on }
}

// WithMetrics records cycle metrics to r.
func WithMetrics(r Recorder) Option {
	return func(p *Pipeline) { p.metrics = r }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline.
func New(st *store.Store, f Fetcher, d Dispatcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      st,
		fetcher:    f,
		dispatcher: d,
		newID:      idgen.Prefixed("chg_", idgen.Default),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// InFlight returns the number of fetches currently holding a slot.
func (p *Pipeline) InFlight() int {
	if p.sem == nil {
		return 0
	}
	return len(p.sem)
}

// Run executes one cycle for w. It never panics on watch errors and never
// returns an error: every failure is scoped to this cycle and reported in
// the Outcome.
func (p *Pipeline) Run(ctx context.Context, w Watch) *Outcome {
	start := time.Now()
	out := &Outcome{WatchID: w.ID}
	log := p.logger.With("watch_id", w.ID, "url", w.URL)

	p.cycle(ctx, w, out, log)

	out.Duration = time.Since(start)
	p.record(observability.MetricCheckDuration, float64(out.Duration.Milliseconds()), w.ID, out.Kind)
	return out
}

func (p *Pipeline) cycle(ctx context.Context, w Watch, out *Outcome, log *slog.Logger) {
	res, err := p.fetch(ctx, w)
	if res != nil {
		out.Attempts = res.Attempts
	}
	if err != nil {
		out.Kind, out.Err = KindFetchFailed, err
		out.Attempts = attempts(err)
		if ctx.Err() != nil {
			log.Warn("pipeline: cycle aborted", "error", err)
			return
		}
		p.fetchFailed(ctx, w, out, log)
		return
	}
	p.record(observability.MetricFetchAttempts, float64(res.Attempts), w.ID, "")
	if res.Truncated {
		log.Warn("pipeline: content truncated", "bytes", len(res.Content))
	}

	now := p.now()
	prev, err := p.store.Get(ctx, w.ID)
	if err != nil {
		out.Kind, out.Err = KindStateFailed, err
		log.Error("pipeline: read fingerprint", "error", err)
		return
	}

	if prev == nil {
		if err := p.store.Put(ctx, store.NewFingerprint(w.ID, res.Content, now)); err != nil {
			out.Kind, out.Err = KindStateFailed, err
			p.stateFailed(ctx, w, now, err, log)
			return
		}
		out.Kind = KindBaseline
		p.check(ctx, store.Check{WatchID: w.ID, At: now, Status: string(KindBaseline)}, log)
		log.Info("pipeline: baseline recorded", "hash", store.Hash(res.Content)[:12])
		return
	}

	decision, err := w.Engine.Compare(prev.Content, res.Content)
	if err != nil {
		// A broken pattern must not raise false alarms: treat as unchanged.
		out.Kind, out.Err = KindDiffFailed, err
		p.check(ctx, store.Check{WatchID: w.ID, At: now, Status: string(KindDiffFailed), Error: err.Error()}, log)
		log.Error("pipeline: diff failed", "error", err)
		return
	}
	if !decision.Changed {
		out.Kind = KindUnchanged
		p.check(ctx, store.Check{WatchID: w.ID, At: now, Status: string(KindUnchanged)}, log)
		log.Debug("pipeline: unchanged")
		return
	}

	if err := p.store.Put(ctx, store.NewFingerprint(w.ID, res.Content, now)); err != nil {
		out.Kind, out.Err = KindStateFailed, err
		p.stateFailed(ctx, w, now, err, log)
		return
	}
	out.Kind = KindChanged

	d := decision.Diff
	change := &store.Change{
		ID:         p.newID(),
		WatchID:    w.ID,
		DetectedAt: now,
		Added:      d.Added,
		Removed:    d.Removed,
		Diff:       d.Unified(w.ContextLines),
	}
	out.Change = change
	if err := p.store.InsertChange(ctx, change); err != nil {
		log.Warn("pipeline: change history", "error", err)
	}
	p.check(ctx, store.Check{WatchID: w.ID, At: now, Status: string(KindChanged), Changed: true}, log)
	p.record(observability.MetricChangeDetected, 1, w.ID, "")
	log.Info("pipeline: change detected", "change_id", change.ID, "added", d.Added, "removed", d.Removed)

	out.Results = p.notify(ctx, w, &notify.Event{
		ID:           change.ID,
		Kind:         notify.KindChanged,
		WatchID:      w.ID,
		Name:         w.Name,
		URL:          w.URL,
		DetectedAt:   now,
		Diff:         d,
		Context:      w.ContextLines,
		PreviousHash: prev.Hash,
	})
}

func (p *Pipeline) fetch(ctx context.Context, w Watch) (*fetch.Result, error) {
	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.fetcher.Fetch(ctx, fetch.Request{URL: w.URL, Method: w.Method, Headers: w.Headers, Body: w.Body})
}

func (p *Pipeline) fetchFailed(ctx context.Context, w Watch, out *Outcome, log *slog.Logger) {
	if fetch.IsTransient(out.Err) {
		log.Warn("pipeline: fetch failed", "error", out.Err, "attempts", out.Attempts)
	} else {
		log.Error("pipeline: fetch failed", "error", out.Err, "terminal", true)
	}

	now := p.now()
	streak := p.check(ctx, store.Check{
		WatchID: w.ID, At: now, Status: string(KindFetchFailed), Error: out.Err.Error(), Failed: true,
	}, log)
	if !p.failureAlerts || streak != 1 {
		return
	}
	out.Results = p.notify(ctx, w, &notify.Event{
		ID:         notify.NewEventID(),
		Kind:       notify.KindFailed,
		WatchID:    w.ID,
		Name:       w.Name,
		URL:        w.URL,
		DetectedAt: now,
		Reason:     out.Err.Error(),
	})
}

func (p *Pipeline) stateFailed(ctx context.Context, w Watch, at time.Time, err error, log *slog.Logger) {
	log.Error("pipeline: state write failed, fingerprint kept", "error", err)
	p.record(observability.MetricStateWriteError, 1, w.ID, "")
	p.check(ctx, store.Check{WatchID: w.ID, At: at, Status: string(KindStateFailed), Error: err.Error()}, log)
}

// check records the status row and returns the failure streak length, or 0
// when the row could not be written.
func (p *Pipeline) check(ctx context.Context, c store.Check, log *slog.Logger) int {
	n, err := p.store.RecordCheck(ctx, c)
	if err != nil {
		log.Warn("pipeline: record check", "error", err)
	}
	return n
}

func (p *Pipeline) notify(ctx context.Context, w Watch, ev *notify.Event) []notify.Result {
	if len(w.Channels) == 0 || p.dispatcher == nil {
		return nil
	}
	results := p.dispatcher.Dispatch(ctx, ev, w.Channels)
	for _, r := range results {
		if !r.OK {
			p.metricsRecord(observability.MetricNotifyFailed, 1, map[string]string{"watch_id": w.ID, "channel": r.Channel})
		}
	}
	return results
}

func (p *Pipeline) record(name string, value float64, watchID string, kind Kind) {
	labels := map[string]string{"watch_id": watchID}
	if kind != "" {
		labels["outcome"] = string(kind)
	}
	p.metricsRecord(name, value, labels)
}

func (p *Pipeline) metricsRecord(name string, value float64, labels map[string]string) {
	if p.metrics != nil {
		p.metrics.Record(name, value, labels)
	}
}

func attempts(err error) int {
	var te *fetch.TransientError
	if errors.As(err, &te) {
		return te.Attempts
	}
	var ne *fetch.TerminalError
	if errors.As(err, &ne) {
		return ne.Attempts
	}
	return 0
}
