package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/CZERTAINLY/jobrelay/internal/jobdir"
	"github.com/CZERTAINLY/jobrelay/internal/model"
	"github.com/CZERTAINLY/jobrelay/internal/parallel"
	"github.com/CZERTAINLY/jobrelay/internal/walk"
	"github.com/CZERTAINLY/jobrelay/internal/worker"
)

const (
	JobType         = "archive"
	DefaultCategory = "payload"
)

// request holds the optional descriptor fields of an archive job.
type request struct {
	Category string `json:"category"`
	Prefix   string `json:"prefix"`
}

// Handler archives every payload file of a job into sink, at most limit
// files at a time. Files land under <prefix>/<name>, prefix defaults to the
// job id.
func Handler(sink Sink, limit int) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, job worker.Job) error {
		var req request
		if err := job.Descriptor.Decode(&req); err != nil {
			return fmt.Errorf("decoding archive request: %w", err)
		}
		if req.Category == "" {
			req.Category = DefaultCategory
		}
		if req.Prefix == "" {
			req.Prefix = job.ID
		}

		root, err := os.OpenRoot(job.Dir)
		if err != nil {
			return err
		}
		defer func() {
			_ = root.Close()
		}()

		payloads := func(yield func(walk.Entry, error) bool) {
			for entry, err := range walk.Root(ctx, root) {
				if err == nil && entry.Name == jobdir.DescriptorName {
					continue
				}
				if !yield(entry, err) {
					return
				}
			}
		}

		archive := func(ctx context.Context, entry walk.Entry) (string, error) {
			name := path.Join(req.Prefix, entry.Name)
			return name, sink.Archive(ctx, name, entry.Path, req.Category)
		}

		var errs []error
		var count int
		for name, err := range parallel.Map(ctx, limit, payloads, archive) {
			if err != nil {
				errs = append(errs, err)
				continue
			}
			count++
			job.Log.Debug("payload archived", "name", name)
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
		job.Log.Info("job archived", "files", count, "category", req.Category)
		return nil
	})
}

// FromConfig opens the configured sinks. The result should be closed.
func FromConfig(cfgs []model.Archive) (Multi, error) {
	var sinks Multi
	for _, cfg := range cfgs {
		switch cfg.Type {
		case model.ArchiveFilesystem:
			s, err := NewFilesystem(cfg.Path, cfg.Exclude)
			if err != nil {
				_ = sinks.Close()
				return nil, fmt.Errorf("archive %s: %w", cfg.Path, err)
			}
			sinks = append(sinks, s)
		case model.ArchiveHTTP:
			if cfg.URL.IsZero() {
				_ = sinks.Close()
				return nil, errors.New("archive http: url is empty")
			}
			s, err := NewHTTP(cfg.URL.String(), cfg.Exclude)
			if err != nil {
				_ = sinks.Close()
				return nil, err
			}
			sinks = append(sinks, s)
		default:
			_ = sinks.Close()
			return nil, fmt.Errorf("unsupported archive type: %q", cfg.Type)
		}
	}
	return sinks, nil
}
