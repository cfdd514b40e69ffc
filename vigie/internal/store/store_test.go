package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/vigie/dbopen"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	return New(dbopen.OpenMemory(t, dbopen.WithSchema(Schema)))
}

func TestApplySchema(t *testing.T) {
	// WHAT: Schema creates all tables and is idempotent.
	// WHY: Open runs it on every start.
	s := openTestStore(t)
	if err := ApplySchema(s.DB); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	for _, table := range []string{"fingerprints", "watch_status", "changes"} {
		var name string
		err := s.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestGet_Absent(t *testing.T) {
	s := openTestStore(t)
	fp, err := s.Get(context.Background(), "nope")
	if err != nil || fp != nil {
		t.Fatalf("got %+v, %v; want nil, nil", fp, err)
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	// WHAT: Put then Get returns exactly what was written.
	// WHY: The next cycle diffs against this value.
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 123_000_000, time.UTC)

	want := NewFingerprint("w1", "Hello, World\n\tünïcode ✓", at)
	if err := s.Put(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != want.Content || got.Hash != want.Hash || !got.CapturedAt.Equal(at) {
		t.Fatalf("round trip:\n got %+v\nwant %+v", got, want)
	}

	// Replace.
	if err := s.Put(ctx, NewFingerprint("w1", "v2", at.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, "w1")
	if got.Content != "v2" || got.Hash != Hash("v2") {
		t.Fatalf("after replace: %+v", got)
	}
}

func TestPut_FailureKeepsPrevious(t *testing.T) {
	// WHAT: A failed write returns WriteError and leaves the old row.
	// WHY: The next cycle must re-evaluate from the same baseline.
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, NewFingerprint("w1", "old", time.Now())); err != nil {
		t.Fatal(err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err := s.Put(cctx, NewFingerprint("w1", "new", time.Now()))
	var we *WriteError
	if !errors.As(err, &we) {
		t.Fatalf("got %v, want WriteError", err)
	}
	got, _ := s.Get(ctx, "w1")
	if got.Content != "old" {
		t.Fatalf("content after failed put: %q", got.Content)
	}
}

func TestPut_ConcurrentWatches(t *testing.T) {
	// WHAT: Concurrent writers for different watches all land.
	// WHY: Cycles for different watches run in parallel.
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("w%d", i%5)
			if err := s.Put(ctx, NewFingerprint(id, fmt.Sprintf("v%d", i), time.Now())); err != nil {
				t.Errorf("put %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	ids, err := s.WatchIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 5 {
		t.Fatalf("watch ids: %v", ids)
	}
}

func TestRecordCheck_FailStreak(t *testing.T) {
	// WHAT: fail_count grows on failures and resets on success.
	// WHY: Failure alerts fire only when the streak starts (count == 1).
	s := openTestStore(t)
	ctx := context.Background()

	for i, want := range []int{1, 2, 3} {
		n, err := s.RecordCheck(ctx, Check{WatchID: "w", Status: "fetch_failed", Error: "boom", Failed: true})
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Fatalf("failure %d: fail_count %d, want %d", i+1, n, want)
		}
	}
	n, _ := s.RecordCheck(ctx, Check{WatchID: "w", Status: "unchanged"})
	if n != 0 {
		t.Fatalf("after success: fail_count %d", n)
	}
	n, _ = s.RecordCheck(ctx, Check{WatchID: "w", Status: "fetch_failed", Failed: true})
	if n != 1 {
		t.Fatalf("new streak: fail_count %d", n)
	}
}

func TestRecordCheck_LastChanged(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.RecordCheck(ctx, Check{WatchID: "w", At: t0, Status: "changed", Changed: true})
	s.RecordCheck(ctx, Check{WatchID: "w", At: t0.Add(time.Hour), Status: "unchanged"})

	st, err := s.Status(ctx, "w")
	if err != nil {
		t.Fatal(err)
	}
	if !st.LastChangedAt.Equal(t0) {
		t.Errorf("last_changed_at: %v, want %v", st.LastChangedAt, t0)
	}
	if !st.LastCheckedAt.Equal(t0.Add(time.Hour)) || st.LastStatus != "unchanged" {
		t.Errorf("status: %+v", st)
	}

	all, _ := s.ListStatus(ctx)
	if len(all) != 1 {
		t.Fatalf("list status: %d rows", len(all))
	}
	if missing, _ := s.Status(ctx, "other"); missing != nil {
		t.Fatalf("unknown watch: %+v", missing)
	}
}

func TestChanges_ListAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		c := &Change{ID: fmt.Sprintf("c%d", i), WatchID: "a", DetectedAt: t0.Add(time.Duration(i) * time.Minute), Added: i, Diff: "@@"}
		if err := s.InsertChange(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	s.InsertChange(ctx, &Change{ID: "b0", WatchID: "b", DetectedAt: t0, Diff: "@@"})

	got, err := s.ListChanges(ctx, "a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c2" || got[1].ID != "c1" {
		t.Fatalf("newest first, limited: %+v", got)
	}
	all, _ := s.ListChanges(ctx, "", 0)
	if len(all) != 4 {
		t.Fatalf("all watches: %d", len(all))
	}
	if c, err := s.GetChange(ctx, "c1"); err != nil || c == nil || c.Added != 1 || !c.DetectedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("GetChange: %+v, %v", c, err)
	}
	if c, err := s.GetChange(ctx, "nope"); err != nil || c != nil {
		t.Fatalf("GetChange unknown: %+v, %v", c, err)
	}

	s.Put(ctx, NewFingerprint("a", "x", t0))
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if fp, _ := s.Get(ctx, "a"); fp != nil {
		t.Fatal("fingerprint survived delete")
	}
	rest, _ := s.ListChanges(ctx, "", 0)
	if len(rest) != 1 || rest[0].WatchID != "b" {
		t.Fatalf("after delete: %+v", rest)
	}
}
