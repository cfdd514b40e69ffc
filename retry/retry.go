// Package retry runs an operation in a bounded loop with exponential backoff
// and jitter between attempts.
//
// Every attempt produces an explicit error value; the loop never relies on
// panics for control flow, so attempt counts and the backoff schedule are
// observable by the caller:
//
//	p := retry.Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2}
//	attempts, err := retry.Do(ctx, p, isTransient, func(ctx context.Context, attempt int) error {
//		return call(ctx)
//	})
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt. It doubles after
	// each further attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// Jitter is the fraction of the computed delay added at random,
	// in [0, 1]. 0.2 turns a 1s wait into something in [1s, 1.2s).
	Jitter float64
}

// Attempts returns the effective attempt bound.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait after the given failed attempt (1-based).
// rnd must return a value in [0, 1); nil means no jitter.
func (p Policy) Backoff(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	d := p.BaseDelay << uint(shift)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && rnd != nil {
		d += time.Duration(float64(d) * p.Jitter * rnd())
	}
	return d
}

// Func is one attempt. attempt is 1-based.
type Func func(ctx context.Context, attempt int) error

// Retryable reports whether a failed attempt should be followed by another.
// A nil Retryable retries every error.
type Retryable func(err error) bool

// Option tunes Do.
type Option func(*loop)

type loop struct {
	rnd     func() float64
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(attempt int, wait time.Duration, err error)
}

// WithRand overrides the jitter source (tests pass a constant).
func WithRand(fn func() float64) Option {
	return func(l *loop) { l.rnd = fn }
}

// WithSleep overrides the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *loop) { l.sleep = fn }
}

// OnRetry registers a hook called before each wait, typically for logging.
func OnRetry(fn func(attempt int, wait time.Duration, err error)) Option {
	return func(l *loop) { l.onRetry = fn }
}

// Do runs fn until it succeeds, returns a non-retryable error, the policy's
// attempt bound is reached, or ctx is done. It returns the number of
// attempts actually made and the last error (nil on success).
func Do(ctx context.Context, p Policy, retryable Retryable, fn Func, opts ...Option) (int, error) {
	l := loop{rnd: rand.Float64, sleep: Sleep}
	for _, o := range opts {
		o(&l)
	}

	max := p.Attempts()
	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return attempt, lastErr
		}
		if retryable != nil && !retryable(err) {
			return attempt, lastErr
		}
		if attempt == max {
			break
		}

		wait := p.Backoff(attempt, l.rnd)
		if l.onRetry != nil {
			l.onRetry(attempt, wait, err)
		}
		if err := l.sleep(ctx, wait); err != nil {
			return attempt, lastErr
		}
	}
	return max, lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
