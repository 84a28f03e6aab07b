package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/jobrelay/internal/model"
	"github.com/CZERTAINLY/jobrelay/internal/queue"
)

// Queue is the part of queue.Queue the maintainer works with.
type Queue interface {
	Recover(ctx context.Context) (queue.Recovery, error)
	Stale(olderThan time.Duration) ([]queue.StaleJob, error)
	Requeue(ctx context.Context, id string) error
}

// Report is the outcome of one maintenance sweep.
type Report struct {
	Recovery queue.Recovery
	Stale    []queue.StaleJob
	Requeued []string
}

// Maintainer keeps a producer queue healthy: it repairs the queue after a
// crash, removes orphaned job directories and reports active jobs whose
// worker stopped pinging. Stale jobs are requeued only when configured to,
// a slow worker may still be running them.
type Maintainer struct {
	q          Queue
	staleAfter time.Duration
	requeue    bool
	schedule   gocron.JobDefinition
	sweep      chan struct{}
	reports    chan Report
}

func NewMaintainer(ctx context.Context, q Queue, cfg model.Queue) (*Maintainer, error) {
	m := &Maintainer{
		q:          q,
		staleAfter: cfg.StaleAfterOrDefault(),
		requeue:    cfg.RequeueStale,
		sweep:      make(chan struct{}, 1),
	}
	if cfg.Maintenance != nil {
		schedule, err := jobDefinition(ctx, *cfg.Maintenance)
		if err != nil {
			return nil, fmt.Errorf("queue maintenance: %w", err)
		}
		m.schedule = schedule
	}
	return m, nil
}

// WithReports makes Do send every sweep report to ch. Sends never block,
// reports are dropped when ch is full.
func (m *Maintainer) WithReports(ch chan Report) *Maintainer {
	m.reports = ch
	return m
}

// Sweep asks Do for a maintenance sweep. It never blocks; a sweep already
// requested and not yet started absorbs this one.
func (m *Maintainer) Sweep() {
	select {
	case m.sweep <- struct{}{}:
	default:
	}
}

// Do sweeps once on entry, then on every scheduler tick or Sweep call until
// ctx is cancelled. Sweep failures are logged, never returned.
func (m *Maintainer) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting queue maintainer", "stale_after", m.staleAfter, "requeue_stale", m.requeue)

	if m.schedule != nil {
		scheduler, err := newScheduler(m.schedule, m.Sweep)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer func() {
			err := scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	m.Sweep()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.sweep:
			report, err := m.Once(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "queue maintenance failed", "error", err)
			}
			if m.reports != nil {
				select {
				case m.reports <- report:
				default:
				}
			}
		}
	}
}

// Once runs a single sweep: recovery first, then the stale job check.
func (m *Maintainer) Once(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	rec, err := m.q.Recover(ctx)
	report.Recovery = rec
	if err != nil {
		errs = append(errs, fmt.Errorf("recovering queue: %w", err))
	}
	if rec.Journal != "" || len(rec.Reconciled)+len(rec.Dangling)+len(rec.Orphans)+len(rec.Abandoned) > 0 {
		slog.InfoContext(ctx, "queue recovered",
			"journal", rec.Journal,
			"reconciled", rec.Reconciled,
			"dangling", rec.Dangling,
			"orphans", rec.Orphans,
			"abandoned", rec.Abandoned,
		)
	}

	stale, err := m.q.Stale(m.staleAfter)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing stale jobs: %w", err))
	}
	report.Stale = stale
	for _, job := range stale {
		slog.WarnContext(ctx, "job is stale",
			"job_id", job.ID,
			"last_seen", job.LastSeen,
			"silent_for", time.Since(job.LastSeen).Round(time.Second).String(),
		)
		if !m.requeue {
			continue
		}
		if err := m.q.Requeue(ctx, job.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Requeued = append(report.Requeued, job.ID)
	}
	return report, errors.Join(errs...)
}

func jobDefinition(ctx context.Context, cfg model.Schedule) (gocron.JobDefinition, error) {
	switch {
	case cfg.Cron != "" && cfg.Duration != "":
		return nil, errors.New("both cron and duration are set")
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing maintenance.cron: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
		return gocron.CronJob(cfg.Cron, false), nil
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing maintenance.duration: %w", err)
		}
		if d <= 0 {
			return nil, errors.New("maintenance.duration must be positive")
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		return gocron.DurationJob(d), nil
	default:
		return nil, errors.New("both cron and duration are empty")
	}
}

func newScheduler(job gocron.JobDefinition, task func()) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
