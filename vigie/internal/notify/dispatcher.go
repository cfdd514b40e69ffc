package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hazyhaar/vigie/retry"
)

// Result is the outcome of delivering one event to one channel.
type Result struct {
	Channel  string        `json:"channel"`
	Platform string        `json:"platform,omitempty"`
	OK       bool          `json:"ok"`
	Attempts int           `json:"attempts"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

type entry struct {
	channel     Channel
	fingerprint string
}

// Dispatcher holds the configured channels and delivers events to them.
type Dispatcher struct {
	mu        sync.RWMutex
	channels  map[string]*entry
	factories map[string]Factory
	policy    retry.Policy
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRetry sets the per-channel retry policy.
func WithRetry(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithFactory registers (or replaces) a channel variant.
func WithFactory(platform string, f Factory) Option {
	return func(d *Dispatcher) { d.factories[platform] = f }
}

// NewDispatcher creates a Dispatcher with the built-in variants and no
// channels. Call Reload to configure channels.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		channels:  make(map[string]*entry),
		factories: DefaultFactories(),
		policy:    retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.2},
		logger:    slog.Default(),
		sleep:     retry.Sleep,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Validate builds every spec without installing it.
func (d *Dispatcher) Validate(specs []Spec) error {
	_, err := d.build(specs, nil)
	return err
}

// Reload reconciles the channel set with specs. Channels whose spec did not
// change are kept as is; new or changed ones are rebuilt; missing ones are
// dropped. On error nothing changes.
func (d *Dispatcher) Reload(specs []Spec) error {
	d.mu.RLock()
	current := d.channels
	d.mu.RUnlock()

	next, err := d.build(specs, current)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.channels = next
	d.mu.Unlock()
	d.logger.Info("notify: channels loaded", "count", len(next))
	return nil
}

func (d *Dispatcher) build(specs []Spec, current map[string]*entry) (map[string]*entry, error) {
	next := make(map[string]*entry, len(specs))
	for _, s := range specs {
		if _, dup := next[s.Name]; dup {
			return nil, fmt.Errorf("notify: duplicate channel %q", s.Name)
		}
		fp := s.Type + "|" + string(s.Settings)
		if e, ok := current[s.Name]; ok && e.fingerprint == fp {
			next[s.Name] = e
			continue
		}
		f, ok := d.factories[s.Type]
		if !ok {
			return nil, &ErrUnknownPlatform{Channel: s.Name, Platform: s.Type}
		}
		settings := s.Settings
		if len(settings) == 0 {
			settings = []byte("{}")
		}
		ch, err := f(s.Name, settings)
		if err != nil {
			return nil, fmt.Errorf("notify: channel %s: %w", s.Name, err)
		}
		next[s.Name] = &entry{channel: ch, fingerprint: fp}
	}
	return next, nil
}

// Channels returns the configured channel names, sorted.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for n := range d.channels {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Dispatch delivers ev to every named channel concurrently and returns one
// Result per name, in the order given. It never returns early: a slow or
// failing channel only affects its own Result.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event, names []string) []Result {
	results := make([]Result, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		d.mu.RLock()
		e, ok := d.channels[name]
		d.mu.RUnlock()
		if !ok {
			results[i] = Result{Channel: name, Err: &ErrChannelNotFound{Channel: name}}
			d.logger.Error("notify: unknown channel", "channel", name, "event", ev.Kind, "watch_id", ev.WatchID)
			continue
		}
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			results[i] = d.deliver(ctx, ch, ev)
		}(i, e.channel)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, ev *Event) Result {
	start := time.Now()
	res := Result{Channel: ch.Name(), Platform: ch.Platform()}
	log := d.logger.With("channel", ch.Name(), "platform", ch.Platform(), "event", ev.Kind, "watch_id", ev.WatchID)

	payload, err := ch.Render(ev)
	if err != nil {
		res.Err = fmt.Errorf("notify: render: %w", err)
		res.Duration = time.Since(start)
		log.Error("notify: render failed", "error", err)
		return res
	}

	res.Attempts, res.Err = retry.Do(ctx, d.policy, retryable,
		func(ctx context.Context, _ int) error { return ch.Send(ctx, payload) },
		retry.WithSleep(d.sleep),
		retry.OnRetry(func(attempt int, wait time.Duration, err error) {
			log.Warn("notify: retrying", "attempt", attempt, "wait", wait, "error", err)
		}),
	)
	res.OK = res.Err == nil
	res.Duration = time.Since(start)

	if res.OK {
		log.Info("notify: delivered", "attempts", res.Attempts, "duration_ms", res.Duration.Milliseconds())
	} else {
		var sf *ErrSendFailed
		permanent := errors.As(res.Err, &sf) && sf.Permanent
		log.Error("notify: delivery failed", "attempts", res.Attempts, "permanent", permanent, "error", res.Err)
	}
	return res
}
