// Package source moves claimed jobs from the producer host to the worker
// host and reports their liveness back.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/jobrelay/internal/jobdir"
	"github.com/CZERTAINLY/jobrelay/internal/log"
)

var ErrLocalDirExists = errors.New("local job directory already exists")

// Pulled is a job claimed on the producer and copied to the worker host.
type Pulled struct {
	ID  string
	Dir string
	Log log.Job
}

// CleanupOutcome is the result of removing a finished job on the producer.
type CleanupOutcome int

const (
	CleanupDone CleanupOutcome = iota
	// CleanupNotImplemented means the transport cannot remove remote data;
	// the job stays active on the producer.
	CleanupNotImplemented
	CleanupFailed
)

func (o CleanupOutcome) String() string {
	switch o {
	case CleanupDone:
		return "done"
	case CleanupNotImplemented:
		return "not implemented"
	case CleanupFailed:
		return "failed"
	}
	return "unknown"
}

// Source is what the worker pool and the heartbeat tracker need from a
// transport. Pull returns (nil, nil) when the producer answered without a
// job; that is logged, not an error.
type Source interface {
	Pull(ctx context.Context, localRoot string) (*Pulled, error)
	Ping(ctx context.Context, jobID string) error
	Cleanup(ctx context.Context, jobID string) (CleanupOutcome, error)
}

// Submitter enqueues follow-on jobs on the producer. payloads maps the
// name inside the job directory to a local file.
type Submitter interface {
	Submit(ctx context.Context, desc jobdir.Descriptor, payloads map[string]string) (string, error)
}

type copyFunc func(ctx context.Context, dst string) error

// receive copies a claimed job directory into localRoot/<id>.
func receive(ctx context.Context, logger *slog.Logger, remoteDir, localRoot string, copyDir copyFunc) (*Pulled, error) {
	if remoteDir == "" {
		logger.WarnContext(ctx, "received empty job")
		return nil, nil
	}
	id := filepath.Base(remoteDir)
	if id == "." || id == string(filepath.Separator) {
		logger.WarnContext(ctx, "received job without an id", "path", remoteDir)
		return nil, nil
	}

	jobLog := log.ForJob(logger, id)
	jobLog.InfoContext(ctx, "received job from remote", "path", remoteDir)

	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating local root: %w", err)
	}
	dir := filepath.Join(localRoot, id)
	if _, err := os.Lstat(dir); err == nil {
		jobLog.ErrorContext(ctx, "job directory already exists; aborting", "dir", dir)
		return nil, fmt.Errorf("%w: %s", ErrLocalDirExists, dir)
	}

	jobLog.InfoContext(ctx, "fetching job files", "dir", dir)
	if err := copyDir(ctx, dir); err != nil {
		jobLog.ExceptionContext(ctx, "failed to fetch job files", err)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			jobLog.ErrorContext(ctx, "removing partial job files failed", "error", rmErr)
		}
		return nil, fmt.Errorf("fetching job %s: %w", id, err)
	}
	jobLog.InfoContext(ctx, "job pull finished")
	return &Pulled{ID: id, Dir: dir, Log: jobLog}, nil
}
