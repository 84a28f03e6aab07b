package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/CZERTAINLY/jobrelay/internal/archive"
	"github.com/CZERTAINLY/jobrelay/internal/heartbeat"
	"github.com/CZERTAINLY/jobrelay/internal/log"
	"github.com/CZERTAINLY/jobrelay/internal/model"
	"github.com/CZERTAINLY/jobrelay/internal/queue"
	"github.com/CZERTAINLY/jobrelay/internal/service"
	"github.com/CZERTAINLY/jobrelay/internal/source"
	"github.com/CZERTAINLY/jobrelay/internal/worker"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

const noopJobType = "noop"

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "work pulls jobs from the configured source and runs them until interrupted",
	RunE:  doWork,
}

func doWork(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("jobrelay",
		slog.String("cmd", "work"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	src, closeSource, err := newSource(ctx, config)
	if err != nil {
		return err
	}
	defer closeSource()

	registry := worker.NewRegistry()
	if err := registry.Register(noopJobType, worker.HandlerFunc(noop)); err != nil {
		return err
	}
	if len(config.Archive) > 0 {
		sinks, err := archive.FromConfig(config.Archive)
		if err != nil {
			return fmt.Errorf("initializing archive: %w", err)
		}
		defer func() {
			if err := sinks.Close(); err != nil {
				slog.ErrorContext(ctx, "closing archive sinks have failed", "error", err)
			}
		}()
		handler := archive.Handler(sinks, config.Worker.MaxConcurrentJobsOrDefault())
		if err := registry.Register(archive.JobType, handler); err != nil {
			return err
		}
	}

	var opts []heartbeat.Option
	if r := config.Worker.PingRate; r > 0 {
		opts = append(opts, heartbeat.WithRateLimit(rate.Limit(r), 1))
	}
	tracker := heartbeat.New(src, config.Worker.HeartbeatIntervalOrDefault(), slog.Default(), opts...)
	// keep pinging while running jobs drain after an interrupt
	if err := tracker.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	defer tracker.Stop()

	pool := worker.NewPool(registry, tracker,
		worker.WithMaxConcurrentJobs(config.Worker.MaxConcurrentJobsOrDefault()),
		worker.WithLogger(slog.Default()),
	)
	slog.InfoContext(ctx, "worker started", "job_types", registry.Types(), "max_concurrent_jobs", config.Worker.MaxConcurrentJobsOrDefault())
	err = pool.Run(ctx, src, config.Worker.TmpDirOrDefault())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.InfoContext(ctx, "worker stopped")
	return nil
}

func noop(ctx context.Context, job worker.Job) error {
	job.Log.InfoContext(ctx, "noop job", "type", job.Descriptor.Type())
	return nil
}

// worker side source: ssh when a remote is configured, the local queue
// otherwise
type workSource interface {
	source.Source
	source.Submitter
}

func newSource(ctx context.Context, cfg model.Config) (workSource, func(), error) {
	if cfg.Remote != nil {
		r := cfg.Remote
		src, err := source.NewSSH(source.SSHConfig{
			Host:    r.Host,
			Root:    r.Root,
			SSH:     r.SSH,
			SSHArgs: r.SSHArgs,
			SCP:     r.SCP,
			SCPArgs: r.SCPArgs,
			Command: r.Command,
			Env:     service.Env(r.Env),
			Timeout: r.Timeout.Or(0),
		}, slog.Default())
		if err != nil {
			return nil, nil, err
		}
		slog.DebugContext(ctx, "using ssh source", "host", r.Host, "root", r.Root)
		return src, func() {}, nil
	}

	q, err := openQueue(cfg.Queue)
	if err != nil {
		return nil, nil, err
	}
	slog.DebugContext(ctx, "using local source", "root", cfg.Queue.Root)
	return source.NewLocal(q, slog.Default()), func() {
		if err := q.Close(); err != nil {
			slog.ErrorContext(ctx, "closing queue have failed", "error", err)
		}
	}, nil
}

func openQueue(cfg model.Queue) (*queue.Queue, error) {
	var opts []queue.Option
	if g := cfg.OrphanGrace.Or(0); g > 0 {
		opts = append(opts, queue.WithOrphanGrace(g))
	}
	if g := cfg.IncomingGrace.Or(0); g > 0 {
		opts = append(opts, queue.WithIncomingGrace(g))
	}
	q, err := queue.Open(cfg.Root, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening queue %s: %w", cfg.Root, err)
	}
	return q, nil
}
