// Package worker runs claimed jobs with bounded concurrency and guarantees
// their cleanup.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/CZERTAINLY/jobrelay/internal/jobdir"
	"github.com/CZERTAINLY/jobrelay/internal/source"
)

const DefaultMaxConcurrentJobs = 4

// Tracker is the in-flight set the pool keeps current; *heartbeat.Tracker
// implements it.
type Tracker interface {
	Add(jobID string)
	Remove(jobID string)
}

// Result describes a finished job. Err is nil for a successful handler run;
// cleanup problems are reported in Cleanup and never in Err.
type Result struct {
	ID      string
	Type    string
	Err     error
	Cleanup source.CleanupOutcome
}

type Pool struct {
	registry   *Registry
	tracker    Tracker
	max        int
	logger     *slog.Logger
	onFinished func(Result)
	newBackOff func() backoff.BackOff

	wg sync.WaitGroup
}

type Option func(*Pool)

func WithMaxConcurrentJobs(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.max = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithOnFinished registers a callback called after a job has been fully
// cleaned up and removed from the tracker.
func WithOnFinished(fn func(Result)) Option {
	return func(p *Pool) {
		p.onFinished = fn
	}
}

// WithBackOff replaces the delay policy applied after failed or empty pulls.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(p *Pool) {
		p.newBackOff = fn
	}
}

func NewPool(registry *Registry, tracker Tracker, opts ...Option) *Pool {
	p := &Pool{
		registry:   registry,
		tracker:    tracker,
		max:        DefaultMaxConcurrentJobs,
		logger:     slog.Default(),
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run pulls jobs from src into localRoot and executes them until ctx is
// done. It never has more than MaxConcurrentJobs jobs running and does not
// pull while at capacity. On shutdown it waits for running jobs to finish;
// stopping the heartbeat is left to the caller.
func (p *Pool) Run(ctx context.Context, src source.Source, localRoot string) error {
	if err := resetLocalRoot(localRoot); err != nil {
		return err
	}

	sem := semaphore.NewWeighted(int64(p.max))
	retry := p.newBackOff()
	p.logger.InfoContext(ctx, "worker pool started", "max_concurrent_jobs", p.max, "local_root", localRoot)

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		pulled, err := src.Pull(ctx, localRoot)
		switch {
		case pulled != nil:
			retry.Reset()
			// a job copied before shutdown still runs
			p.wg.Go(func() {
				defer sem.Release(1)
				p.execute(context.WithoutCancel(ctx), src, pulled)
			})
		case ctx.Err() != nil:
			sem.Release(1)
		default:
			sem.Release(1)
			delay := retry.NextBackOff()
			if delay == backoff.Stop {
				retry.Reset()
				delay = retry.NextBackOff()
			}
			if err != nil {
				p.logger.ErrorContext(ctx, "pulling job failed", "error", err, "retry_in", delay)
			} else {
				p.logger.WarnContext(ctx, "pull returned no job", "retry_in", delay)
			}
			sleep(ctx, delay)
		}
	}

	p.logger.InfoContext(ctx, "worker pool stopping, waiting for running jobs")
	p.wg.Wait()
	p.logger.InfoContext(ctx, "worker pool stopped")
	return nil
}

func (p *Pool) execute(ctx context.Context, src source.Source, pulled *source.Pulled) {
	jobLog := pulled.Log
	res := Result{ID: pulled.ID}
	p.tracker.Add(pulled.ID)
	jobLog.InfoContext(ctx, "job started")

	res.Type, res.Err = p.dispatch(ctx, src, pulled)
	if res.Err != nil {
		jobLog.ErrorContext(ctx, "job failed", "type", res.Type, "error", res.Err)
	} else {
		jobLog.InfoContext(ctx, "job finished", "type", res.Type)
	}

	outcome, err := src.Cleanup(ctx, pulled.ID)
	res.Cleanup = outcome
	switch outcome {
	case source.CleanupDone:
		jobLog.DebugContext(ctx, "remote job data removed")
	case source.CleanupNotImplemented:
		jobLog.ErrorContext(ctx, "remote job cleanup is not implemented, remote data left in place")
	default:
		jobLog.ErrorContext(ctx, "remote job cleanup failed", "error", err)
	}

	if err := os.RemoveAll(pulled.Dir); err != nil {
		jobLog.ErrorContext(ctx, "removing local job data failed", "dir", pulled.Dir, "error", err)
	}
	p.tracker.Remove(pulled.ID)

	if p.onFinished != nil {
		p.onFinished(res)
	}
}

// dispatch loads the descriptor and runs the handler. A panicking handler
// fails the job only.
func (p *Pool) dispatch(ctx context.Context, src source.Source, pulled *source.Pulled) (typ string, err error) {
	desc, err := jobdir.LoadDescriptor(pulled.Dir)
	if err != nil {
		return "", err
	}
	typ = desc.Type()
	h, err := p.registry.Lookup(typ)
	if err != nil {
		return typ, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			pulled.Log.ExceptionContext(ctx, "job handler panicked", err, "type", typ)
		}
	}()
	submit, _ := src.(source.Submitter)
	return typ, h.Handle(ctx, Job{
		ID:         pulled.ID,
		Descriptor: desc,
		Dir:        pulled.Dir,
		Log:        pulled.Log,
		Submit:     submit,
	})
}

func resetLocalRoot(dir string) error {
	clean := filepath.Clean(dir)
	if dir == "" || clean == string(filepath.Separator) || clean == "." {
		return fmt.Errorf("refusing to use %q as local job root", dir)
	}
	if err := os.RemoveAll(clean); err != nil {
		return fmt.Errorf("wiping local job root: %w", err)
	}
	return os.MkdirAll(clean, 0o755)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
