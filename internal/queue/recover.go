package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CZERTAINLY/jobrelay/internal/jobdir"
)

// Recovery summarizes what Recover repaired.
type Recovery struct {
	Journal    string   // id of an interrupted transition, if any
	Reconciled []string // ids seen both pending and active; pending pointer dropped
	Dangling   []string // pointers without data directory
	Orphans    []string // data directories without any pointer
	Abandoned  []string // incoming directories nobody wrote to for the incoming grace
}

// Recover reconciles the queue after a crash. It must run before claimers
// rely on the pending/active split, typically at producer start.
//
//   - an interrupted transition is rolled forward when its active pointer
//     exists and rolled back (job stays pending) otherwise
//   - a job with both pointers keeps the active one
//   - pointers whose target vanished are removed
//   - data directories without pointers, older than the orphan grace, are deleted
//   - incoming directories are left to their producer until no file in them
//     changed for the incoming grace
func (q *Queue) Recover(ctx context.Context) (Recovery, error) {
	unlock, err := q.lock.acquire()
	if err != nil {
		return Recovery{}, err
	}
	defer unlock()

	var rec Recovery
	var errs []error

	id, ok, err := q.readJournal()
	if err != nil {
		return rec, err
	}
	if ok {
		rec.Journal = id
		slog.WarnContext(ctx, "found interrupted claim", "job_id", id)
		if err := q.clearJournal(); err != nil {
			errs = append(errs, err)
		}
	}

	pending, err := q.Pending()
	if err != nil {
		return rec, fmt.Errorf("listing pending jobs: %w", err)
	}
	active, err := q.Active()
	if err != nil {
		return rec, fmt.Errorf("listing active jobs: %w", err)
	}

	activeSet := make(map[string]struct{}, len(active))
	for _, id := range active {
		activeSet[id] = struct{}{}
	}

	known := make(map[string]struct{}, len(pending)+len(active))
	for _, id := range pending {
		if _, both := activeSet[id]; both {
			slog.WarnContext(ctx, "job is pending and active: dropping pending pointer", "job_id", id)
			if err := os.Remove(q.layout.PendingPointer(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			rec.Reconciled = append(rec.Reconciled, id)
			continue
		}
		if q.dropDangling(ctx, q.layout.PendingPointer(id), &errs) {
			rec.Dangling = append(rec.Dangling, id)
			continue
		}
		known[id] = struct{}{}
	}
	for _, id := range active {
		if q.dropDangling(ctx, q.layout.ActivePointer(id), &errs) {
			rec.Dangling = append(rec.Dangling, id)
			continue
		}
		known[id] = struct{}{}
	}

	orphans, err := q.orphans(known)
	if err != nil {
		errs = append(errs, err)
	}
	for _, id := range orphans {
		slog.InfoContext(ctx, "removing orphaned job directory", "job_id", id)
		if err := os.RemoveAll(q.layout.DataDir(id)); err != nil {
			errs = append(errs, err)
			continue
		}
		rec.Orphans = append(rec.Orphans, id)
	}

	abandoned, err := q.abandoned()
	if err != nil {
		errs = append(errs, err)
	}
	for _, id := range abandoned {
		slog.WarnContext(ctx, "removing abandoned incoming job directory", "job_id", id)
		if err := os.RemoveAll(q.layout.IncomingDir(id)); err != nil {
			errs = append(errs, err)
			continue
		}
		rec.Abandoned = append(rec.Abandoned, id)
	}

	return rec, errors.Join(errs...)
}

func (q *Queue) dropDangling(ctx context.Context, pointer string, errs *[]error) bool {
	if _, err := os.Stat(pointer); !errors.Is(err, os.ErrNotExist) {
		return false
	}
	slog.WarnContext(ctx, "removing dangling pointer", "pointer", pointer)
	if err := os.Remove(pointer); err != nil && !errors.Is(err, os.ErrNotExist) {
		*errs = append(*errs, err)
	}
	return true
}

func (q *Queue) orphans(known map[string]struct{}) ([]string, error) {
	entries, err := os.ReadDir(q.layout.Data())
	if err != nil {
		return nil, fmt.Errorf("listing job data: %w", err)
	}
	cutoff := time.Now().Add(-q.orphanGrace)
	var ret []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, ok := known[e.Name()]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		ret = append(ret, e.Name())
	}
	return ret, nil
}

// abandoned lists incoming ids whose newest file is older than the
// incoming grace. A directory mtime alone misses writes into existing files.
func (q *Queue) abandoned() ([]string, error) {
	entries, err := os.ReadDir(q.layout.Data())
	if err != nil {
		return nil, fmt.Errorf("listing job data: %w", err)
	}
	cutoff := time.Now().Add(-q.incomingGrace)
	var ret []string
	for _, e := range entries {
		id, ok := strings.CutPrefix(e.Name(), jobdir.IncomingPrefix)
		if !ok || !e.IsDir() {
			continue
		}
		newest, err := newestChange(q.layout.IncomingDir(id))
		if err != nil || newest.After(cutoff) {
			continue
		}
		ret = append(ret, id)
	}
	return ret, nil
}

func newestChange(dir string) (time.Time, error) {
	var newest time.Time
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, err
}

// StaleJob is an active job whose liveness mark is older than a threshold.
type StaleJob struct {
	ID       string
	LastSeen time.Time
}

// Stale lists active jobs not pinged for longer than olderThan.
func (q *Queue) Stale(olderThan time.Duration) ([]StaleJob, error) {
	active, err := q.Active()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-olderThan)
	var ret []StaleJob
	for _, id := range active {
		info, err := os.Stat(q.layout.ActivePointer(id))
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			ret = append(ret, StaleJob{ID: id, LastSeen: info.ModTime()})
		}
	}
	return ret, nil
}

// Requeue moves an active job back to pending, making it claimable again.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if !validID(id) {
		return fmt.Errorf("%w: %q", ErrNotActive, id)
	}
	unlock, err := q.lock.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	active := q.layout.ActivePointer(id)
	target, err := filepath.EvalSymlinks(active)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	if err != nil {
		return err
	}
	err = os.Symlink(target, q.layout.PendingPointer(id))
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("requeueing job %s: %w", id, err)
	}
	if err := os.Remove(active); err != nil {
		return fmt.Errorf("requeueing job %s: %w", id, err)
	}
	slog.InfoContext(ctx, "job requeued", "job_id", id)
	q.changes.signal()
	return nil
}

// Complete removes a finished active job together with its data.
func (q *Queue) Complete(ctx context.Context, id string) error {
	if !validID(id) {
		return fmt.Errorf("%w: %q", ErrNotActive, id)
	}
	unlock, err := q.lock.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	err = os.Remove(q.layout.ActivePointer(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	if err := os.RemoveAll(q.layout.DataDir(id)); err != nil {
		return fmt.Errorf("removing data of job %s: %w", id, err)
	}
	slog.DebugContext(ctx, "job completed", "job_id", id)
	return nil
}
