package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/vigie/dbopen"
	"github.com/hazyhaar/vigie/idgen"
	"github.com/hazyhaar/vigie/retry"
	"github.com/hazyhaar/vigie/vigie/internal/diff"
	"github.com/hazyhaar/vigie/vigie/internal/fetch"
	"github.com/hazyhaar/vigie/vigie/internal/notify"
	"github.com/hazyhaar/vigie/vigie/internal/store"
)

// scriptFetcher returns the queued contents in order; an error entry fails
// that cycle.
type scriptFetcher struct {
	mu      sync.Mutex
	queue   []any
	active  atomic.Int32
	peak    atomic.Int32
	latency time.Duration
}

func (f *scriptFetcher) push(v ...any) {
	f.mu.Lock()
	f.queue = append(f.queue, v...)
	f.mu.Unlock()
}

func (f *scriptFetcher) Fetch(ctx context.Context, req fetch.Request) (*fetch.Result, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.latency > 0 {
		time.Sleep(f.latency)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return &fetch.Result{Content: "", Attempts: 1}, nil
	}
	v := f.queue[0]
	f.queue = f.queue[1:]
	if err, ok := v.(error); ok {
		return nil, err
	}
	return &fetch.Result{Content: v.(string), StatusCode: 200, Attempts: 1}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*notify.Event
	fail   map[string]bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev *notify.Event, names []string) []notify.Result {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
	out := make([]notify.Result, len(names))
	for i, n := range names {
		out[i] = notify.Result{Channel: n, OK: !d.fail[n], Attempts: 1}
		if d.fail[n] {
			out[i].Attempts = 3
			out[i].Err = errors.New("unavailable")
		}
	}
	return out
}

func (d *recordingDispatcher) sent() []*notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*notify.Event(nil), d.events...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWatch(t *testing.T, rules diff.Rules) Watch {
	t.Helper()
	e, err := diff.Compile(rules)
	if err != nil {
		t.Fatal(err)
	}
	return Watch{ID: "w1", Name: "Site", URL: "https://example.com", Engine: e, Channels: []string{"a", "b"}, ContextLines: 3}
}

func setup(t *testing.T, opts ...Option) (*Pipeline, *store.Store, *scriptFetcher, *recordingDispatcher) {
	t.Helper()
	st := store.New(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	f := &scriptFetcher{}
	d := &recordingDispatcher{}
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(st, f, d, opts...), st, f, d
}

func TestRun_HelloWorld(t *testing.T) {
	// WHAT: Baseline "Hello", then "Hello, World" is a change with one
	// inserted segment, stored and dispatched to every channel.
	// WHY: This is the basic contract of a watch.
	p, st, f, d := setup(t)
	w := testWatch(t, diff.Rules{})
	ctx := context.Background()
	f.push("Hello", "Hello, World")

	if out := p.Run(ctx, w); out.Kind != KindBaseline {
		t.Fatalf("first cycle = %s (%v)", out.Kind, out.Err)
	}
	if len(d.sent()) != 0 {
		t.Fatal("baseline dispatched a notification")
	}

	out := p.Run(ctx, w)
	if out.Kind != KindChanged {
		t.Fatalf("second cycle = %s (%v)", out.Kind, out.Err)
	}
	fp, _ := st.Get(ctx, "w1")
	if fp.Content != "Hello, World" {
		t.Fatalf("stored %q", fp.Content)
	}

	ev := d.sent()
	if len(ev) != 1 || ev[0].Kind != notify.KindChanged || ev[0].PreviousHash != store.Hash("Hello") {
		t.Fatalf("events = %+v", ev)
	}
	segs := ev[0].Diff.Segments
	if len(segs) != 2 || segs[1] != (diff.Segment{Op: diff.Insert, Text: ", World"}) {
		t.Fatalf("segments = %+v", segs)
	}
	if len(out.Results) != 2 || out.Change == nil || out.Change.ID != ev[0].ID {
		t.Fatalf("outcome = %+v", out)
	}

	changes, _ := st.ListChanges(ctx, "w1", 0)
	if len(changes) != 1 || changes[0].Added != 1 || changes[0].Removed != 1 {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestRun_UnchangedIsIdempotent(t *testing.T) {
	// WHAT: Content equal after ignore rules leaves the fingerprint alone
	// and sends nothing.
	// WHY: Volatile timestamps must not page anyone.
	p, st, f, d := setup(t)
	w := testWatch(t, diff.Rules{Ignore: diff.Ignore{Patterns: []string{`\d{2}:\d{2}`}}})
	ctx := context.Background()
	f.push("updated 10:00\nprice 5\n", "updated  11:30\nprice 5\n")

	p.Run(ctx, w)
	before, _ := st.Get(ctx, "w1")
	if out := p.Run(ctx, w); out.Kind != KindUnchanged {
		t.Fatalf("kind = %s", out.Kind)
	}
	after, _ := st.Get(ctx, "w1")
	if after.Content != before.Content || !after.CapturedAt.Equal(before.CapturedAt) {
		t.Fatal("fingerprint rewritten on unchanged content")
	}
	if len(d.sent()) != 0 {
		t.Fatal("notification sent for ignored change")
	}
	status, _ := st.Status(ctx, "w1")
	if status.LastStatus != "unchanged" {
		t.Fatalf("status = %+v", status)
	}
}

func TestRun_NarrowedUnchanged(t *testing.T) {
	p, _, f, d := setup(t)
	w := testWatch(t, diff.Rules{NarrowPattern: `price: (\d+)`})
	f.push("ad 1\nprice: 10\n", "ad 2\nprice: 10\n")

	p.Run(context.Background(), w)
	if out := p.Run(context.Background(), w); out.Kind != KindUnchanged {
		t.Fatalf("kind = %s", out.Kind)
	}
	if len(d.sent()) != 0 {
		t.Fatal("change outside the narrowed region was notified")
	}
}

func TestRun_StateWriteFailureSkipsDispatch(t *testing.T) {
	// WHAT: When the fingerprint cannot be written, nothing is dispatched
	// and the previous fingerprint stays.
	// WHY: The next cycle must re-detect and notify the same change.
	p, st, f, d := setup(t)
	w := testWatch(t, diff.Rules{})
	ctx := context.Background()
	f.push("v1", "v2", "v2")

	p.Run(ctx, w)
	if _, err := st.DB.Exec(`CREATE TRIGGER no_update BEFORE UPDATE ON fingerprints
		BEGIN SELECT RAISE(ABORT, 'disk full'); END`); err != nil {
		t.Fatal(err)
	}

	out := p.Run(ctx, w)
	var we *store.WriteError
	if out.Kind != KindStateFailed || !errors.As(out.Err, &we) {
		t.Fatalf("outcome = %s, %v", out.Kind, out.Err)
	}
	if len(d.sent()) != 0 {
		t.Fatal("dispatched despite failed state write")
	}
	if fp, _ := st.Get(ctx, "w1"); fp.Content != "v1" {
		t.Fatalf("fingerprint = %q, want v1", fp.Content)
	}

	st.DB.Exec(`DROP TRIGGER no_update`)
	if out := p.Run(ctx, w); out.Kind != KindChanged {
		t.Fatalf("after recovery = %s (%v)", out.Kind, out.Err)
	}
	if len(d.sent()) != 1 {
		t.Fatal("recovered cycle did not notify")
	}
}

func TestRun_FailureAlertOncePerStreak(t *testing.T) {
	// WHAT: A failed event goes out on the first failure of a streak only;
	// a success ends the streak.
	// WHY: A site down for a day must not send one alert per interval.
	p, st, f, d := setup(t, WithFailureAlerts(true))
	w := testWatch(t, diff.Rules{})
	ctx := context.Background()
	down := &fetch.TerminalError{URL: w.URL, StatusCode: 404, Attempts: 1}
	f.push("v1", down, down, down, "v1", down)

	for range 6 {
		p.Run(ctx, w)
	}
	var failed int
	for _, ev := range d.sent() {
		if ev.Kind == notify.KindFailed {
			failed++
			if _, err := idgen.Parse(ev.ID); err != nil || !strings.HasPrefix(ev.ID, "evt_") {
				t.Errorf("failed event id = %q", ev.ID)
			}
		}
	}
	if failed != 2 {
		t.Fatalf("failed events = %d, want 2", failed)
	}
	status, _ := st.Status(ctx, "w1")
	if status.FailCount != 1 || status.LastStatus != "fetch_failed" {
		t.Fatalf("status = %+v", status)
	}
}

func TestRun_FailureAlertsOff(t *testing.T) {
	p, _, f, d := setup(t)
	w := testWatch(t, diff.Rules{})
	f.push(&fetch.TransientError{URL: w.URL, StatusCode: 503, Attempts: 4})

	out := p.Run(context.Background(), w)
	if out.Kind != KindFetchFailed || out.Attempts != 4 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(d.sent()) != 0 {
		t.Fatal("failure alert sent while disabled")
	}
}

func TestRun_ChannelFailureDoesNotFailCycle(t *testing.T) {
	// WHAT: Channel A failing and B succeeding still yields a changed cycle.
	// WHY: Notification outcome never decides cycle success.
	p, st, f, d := setup(t)
	d.fail = map[string]bool{"a": true}
	w := testWatch(t, diff.Rules{})
	ctx := context.Background()
	f.push("v1", "v2")

	p.Run(ctx, w)
	out := p.Run(ctx, w)
	if out.Kind != KindChanged || out.Err != nil {
		t.Fatalf("outcome = %s, %v", out.Kind, out.Err)
	}
	if out.Results[0].OK || !out.Results[1].OK {
		t.Fatalf("results = %+v", out.Results)
	}
	if fp, _ := st.Get(ctx, "w1"); fp.Content != "v2" {
		t.Fatal("state not updated")
	}
}

func TestRun_FetchLimit(t *testing.T) {
	// WHAT: No more than the limit of fetches run at once; the rest wait.
	// WHY: Many watches on one host must not burst past rate limits.
	p, _, f, _ := setup(t, WithFetchLimit(2))
	f.latency = 30 * time.Millisecond

	var wg sync.WaitGroup
	for i := range 6 {
		w := testWatch(t, diff.Rules{})
		w.ID = string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(context.Background(), w)
		}()
	}
	wg.Wait()
	if peak := f.peak.Load(); peak != 2 {
		t.Fatalf("peak concurrent fetches = %d, want 2", peak)
	}
}

func TestRun_CanceledWhileWaitingForSlot(t *testing.T) {
	p, st, _, _ := setup(t, WithFetchLimit(1))
	p.sem <- struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := p.Run(ctx, testWatch(t, diff.Rules{}))
	if out.Kind != KindFetchFailed || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("outcome = %s, %v", out.Kind, out.Err)
	}
	if s, _ := st.Status(context.Background(), "w1"); s != nil {
		t.Fatal("aborted cycle recorded a status")
	}
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	// WHAT: A fetch failing transiently N-1 times then succeeding completes
	// the cycle with exactly N attempts.
	// WHY: Flaky hosts are normal; only exhaustion is a failure.
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	st := store.New(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	f := fetch.New(fetch.Config{
		Retry:  retry.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Logger: quietLogger(),
	})
	p := New(st, f, nil, WithLogger(quietLogger()))
	w := testWatch(t, diff.Rules{})
	w.URL = srv.URL

	out := p.Run(context.Background(), w)
	if out.Kind != KindBaseline || out.Attempts != 3 || hits.Load() != 3 {
		t.Fatalf("outcome = %s attempts=%d hits=%d err=%v", out.Kind, out.Attempts, hits.Load(), out.Err)
	}
}

type countingRecorder struct {
	mu    sync.Mutex
	names map[string]int
}

func (r *countingRecorder) Record(name string, _ float64, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names == nil {
		r.names = map[string]int{}
	}
	r.names[name]++
}

func TestRun_Metrics(t *testing.T) {
	rec := &countingRecorder{}
	p, _, f, _ := setup(t, WithMetrics(rec))
	w := testWatch(t, diff.Rules{})
	f.push("v1", "v2")
	p.Run(context.Background(), w)
	p.Run(context.Background(), w)

	if rec.names["check_duration_ms"] != 2 || rec.names["change_detected"] != 1 || rec.names["fetch_attempts"] != 2 {
		t.Fatalf("metrics = %v", rec.names)
	}
}
