package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/CZERTAINLY/jobrelay/internal/jobdir"
	"github.com/CZERTAINLY/jobrelay/internal/queue"
)

// Local serves jobs from a queue opened in the same process, for a
// producer and worker sharing one host.
type Local struct {
	q      *queue.Queue
	logger *slog.Logger
}

func NewLocal(q *queue.Queue, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{q: q, logger: logger}
}

func (s *Local) Pull(ctx context.Context, localRoot string) (*Pulled, error) {
	remoteDir, err := s.q.Claim(ctx)
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return receive(ctx, s.logger, remoteDir, localRoot, func(_ context.Context, dst string) error {
		return os.CopyFS(dst, os.DirFS(remoteDir))
	})
}

func (s *Local) Ping(_ context.Context, jobID string) error {
	return s.q.Ping(jobID)
}

func (s *Local) Cleanup(ctx context.Context, jobID string) (CleanupOutcome, error) {
	if err := s.q.Complete(ctx, jobID); err != nil {
		return CleanupFailed, err
	}
	return CleanupDone, nil
}

func (s *Local) Submit(_ context.Context, desc jobdir.Descriptor, payloads map[string]string) (string, error) {
	return s.q.Enqueue(desc, payloads)
}
