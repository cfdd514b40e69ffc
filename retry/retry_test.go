package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestDo_SucceedsOnNthAttempt(t *testing.T) {
	// WHAT: N-1 failures then success yields exactly N attempts.
	// WHY: Callers report attempt counts in logs and results.
	calls := 0
	n, err := Do(context.Background(), Policy{MaxAttempts: 5}, nil,
		func(_ context.Context, attempt int) error {
			calls++
			if attempt < 3 {
				return errors.New("boom")
			}
			return nil
		}, WithSleep(noSleep))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if n != 3 || calls != 3 {
		t.Fatalf("attempts: got %d (calls %d), want 3", n, calls)
	}
}

func TestDo_Exhausted(t *testing.T) {
	// WHAT: Every attempt fails; the bound is respected and the last error returned.
	// WHY: Retry loops must be bounded.
	errLast := errors.New("last")
	calls := 0
	n, err := Do(context.Background(), Policy{MaxAttempts: 3}, nil,
		func(_ context.Context, attempt int) error {
			calls++
			if attempt == 3 {
				return errLast
			}
			return errors.New("early")
		}, WithSleep(noSleep))
	if !errors.Is(err, errLast) {
		t.Fatalf("err: got %v, want %v", err, errLast)
	}
	if n != 3 || calls != 3 {
		t.Fatalf("attempts: got %d (calls %d), want 3", n, calls)
	}
}

func TestDo_NonRetryableStopsEarly(t *testing.T) {
	// WHAT: A non-retryable error ends the loop after one attempt.
	// WHY: Terminal failures (4xx, bad URL) must not be retried.
	errTerminal := errors.New("terminal")
	n, err := Do(context.Background(), Policy{MaxAttempts: 5},
		func(err error) bool { return !errors.Is(err, errTerminal) },
		func(context.Context, int) error { return errTerminal },
		WithSleep(noSleep))
	if !errors.Is(err, errTerminal) {
		t.Fatalf("err: %v", err)
	}
	if n != 1 {
		t.Fatalf("attempts: got %d, want 1", n)
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	// WHAT: Cancellation during backoff stops the loop.
	// WHY: Shutdown must not wait out long backoffs.
	ctx, cancel := context.WithCancel(context.Background())
	n, err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Hour}, nil,
		func(context.Context, int) error {
			cancel()
			return errors.New("fail")
		})
	if err == nil {
		t.Fatal("expected error")
	}
	if n != 1 {
		t.Fatalf("attempts: got %d, want 1", n)
	}
}

func TestPolicy_Backoff(t *testing.T) {
	// WHAT: Exponential growth, cap, and jitter bound.
	// WHY: The schedule must be predictable for tests and operators.
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Jitter: 0.5}

	if got := p.Backoff(1, nil); got != 100*time.Millisecond {
		t.Errorf("attempt 1: got %v", got)
	}
	if got := p.Backoff(3, nil); got != 400*time.Millisecond {
		t.Errorf("attempt 3: got %v", got)
	}
	if got := p.Backoff(10, nil); got != 500*time.Millisecond {
		t.Errorf("attempt 10 (capped): got %v", got)
	}
	half := func() float64 { return 0.5 }
	if got := p.Backoff(1, half); got != 125*time.Millisecond {
		t.Errorf("jittered: got %v, want 125ms", got)
	}
}

func TestDo_OnRetryHook(t *testing.T) {
	// WHAT: OnRetry fires once per wait, with the failed attempt number.
	// WHY: Fetcher and dispatcher log each retry through this hook.
	var seen []int
	Do(context.Background(), Policy{MaxAttempts: 3}, nil,
		func(context.Context, int) error { return errors.New("x") },
		WithSleep(noSleep),
		OnRetry(func(attempt int, _ time.Duration, _ error) { seen = append(seen, attempt) }))
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("hook attempts: got %v, want [1 2]", seen)
	}
}
