// Package heartbeat keeps running jobs alive on the producer side by
// pinging their source periodically.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const DefaultInterval = 5 * time.Minute

var ErrStarted = errors.New("heartbeat tracker already started")

type Pinger interface {
	Ping(ctx context.Context, jobID string) error
}

// Tracker holds the set of running job ids. Every interval it takes a
// snapshot of the set and pings each id outside of the lock, so Add and
// Remove never wait for a slow remote.
type Tracker struct {
	pinger   Pinger
	interval time.Duration
	logger   *slog.Logger
	limiter  *rate.Limiter
	onTick   func(ids []string)

	mx   sync.Mutex
	jobs map[string]struct{}

	runMx  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Tracker)

// WithRateLimit paces pings within a single tick.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(t *Tracker) {
		t.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithOnTick registers a callback invoked with the snapshot of every tick
// before the pings are sent.
func WithOnTick(fn func(ids []string)) Option {
	return func(t *Tracker) {
		t.onTick = fn
	}
}

func New(pinger Pinger, interval time.Duration, logger *slog.Logger, opts ...Option) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		pinger:   pinger,
		interval: interval,
		logger:   logger,
		jobs:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Add(jobID string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.jobs[jobID] = struct{}{}
}

func (t *Tracker) Remove(jobID string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	delete(t.jobs, jobID)
}

// Snapshot returns the tracked ids in sorted order.
func (t *Tracker) Snapshot() []string {
	t.mx.Lock()
	ids := make([]string, 0, len(t.jobs))
	for id := range t.jobs {
		ids = append(ids, id)
	}
	t.mx.Unlock()
	slices.Sort(ids)
	return ids
}

// Start launches the ping loop. It runs until ctx is done or Stop is called.
func (t *Tracker) Start(ctx context.Context) error {
	t.runMx.Lock()
	defer t.runMx.Unlock()
	if t.done != nil {
		return ErrStarted
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.loop(ctx, t.done)
	return nil
}

// Stop ends the loop and waits for an in-flight ping to be aborted. No ping
// is issued once Stop returns. Calling Stop more than once is safe.
func (t *Tracker) Stop() {
	t.runMx.Lock()
	cancel, done := t.cancel, t.done
	t.runMx.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Tracker) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	t.logger.DebugContext(ctx, "heartbeat started", "interval", t.interval)

	for {
		select {
		case <-ctx.Done():
			t.logger.DebugContext(ctx, "heartbeat stopped")
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Tracker) tick(ctx context.Context) {
	ids := t.Snapshot()
	if t.onTick != nil {
		t.onTick(ids)
	}
	for _, id := range ids {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := t.pinger.Ping(ctx, id); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.WarnContext(ctx, "job ping failed", "job_id", id, "error", err)
			continue
		}
		t.logger.DebugContext(ctx, "job pinged", "job_id", id)
	}
}
