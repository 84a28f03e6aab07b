// Package queue implements the producer side job queue: the claim
// coordinator that moves exactly one pending job to active per claim, job
// activation, liveness marks and crash recovery.
//
// The on-disk layout under the queue root is
//
//	data/<id>/       job directory (job.json + payload)
//	data/.incoming-<id>/  job directory still being filled, never claimable
//	pending/<id>     symlink to data/<id>, job waits for a claimer
//	active/<id>      symlink to data/<id>, job is claimed; its mtime is the liveness mark
//	lock             host wide flock guarding pending->active transitions
//	claim.journal    id of the transition in progress, present only inside the lock
//
// Invariants:
//   - a job has exactly one pointer, except inside a journaled transition
//   - the lock is held for scan-and-transition only, never while data is copied
//   - data/<id> appears together with its pending pointer, under the lock
//   - an empty pending set blocks claimers until activation or a filesystem
//     event on pending/ wakes them, no polling
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/CZERTAINLY/jobrelay/internal/jobdir"
)

const (
	lockName    = "lock"
	journalName = "claim.journal"

	// DefaultOrphanGrace is the minimal age of a pointer-less data/<id>.
	DefaultOrphanGrace = time.Minute
	// DefaultIncomingGrace is how long an incoming directory may go without
	// any write before it is considered abandoned.
	DefaultIncomingGrace = 24 * time.Hour
)

var (
	ErrNotActive = errors.New("job is not active")
	ErrClosed    = errors.New("queue closed")
)

type Queue struct {
	layout        jobdir.Layout
	lock          hostLock
	orphanGrace   time.Duration
	incomingGrace time.Duration

	changes *broadcast
	watcher *fsnotify.Watcher
	done    chan struct{}
	closeMx sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

type Option func(*Queue)

// WithOrphanGrace sets the minimal age of a pointer-less data directory
// before Recover deletes it.
func WithOrphanGrace(d time.Duration) Option {
	return func(q *Queue) {
		q.orphanGrace = d
	}
}

// WithIncomingGrace sets how long an incoming directory may stay unmodified
// before Recover deletes it as abandoned.
func WithIncomingGrace(d time.Duration) Option {
	return func(q *Queue) {
		q.incomingGrace = d
	}
}

// Open prepares the queue layout under root and starts watching pending/
// for activations done by other processes.
func Open(root string, opts ...Option) (*Queue, error) {
	layout, err := jobdir.NewLayout(root)
	if err != nil {
		return nil, err
	}
	if err := layout.Init(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating pending watcher: %w", err)
	}
	if err := watcher.Add(layout.Pending()); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", layout.Pending(), err)
	}

	q := &Queue{
		layout:        layout,
		lock:          hostLock{path: filepath.Join(layout.Root, lockName)},
		orphanGrace:   DefaultOrphanGrace,
		incomingGrace: DefaultIncomingGrace,
		changes:       newBroadcast(),
		watcher:       watcher,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	q.wg.Go(q.watch)
	return q, nil
}

func (q *Queue) Layout() jobdir.Layout {
	return q.layout
}

// Close stops the watcher and wakes all blocked claimers with ErrClosed.
func (q *Queue) Close() error {
	q.closeMx.Lock()
	if q.closed {
		q.closeMx.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.closeMx.Unlock()

	err := q.watcher.Close()
	q.wg.Wait()
	return err
}

func (q *Queue) watch() {
	for {
		select {
		case ev, ok := <-q.watcher.Events:
			if !ok {
				return
			}
			slog.Debug("pending set changed", "event", ev.String())
			q.changes.signal()
		case err, ok := <-q.watcher.Errors:
			if !ok {
				return
			}
			// overflow or similar: wake everybody so nothing is missed
			slog.Warn("pending watcher error", "error", err)
			q.changes.signal()
		}
	}
}

// Claim blocks until a pending job is moved to active and returns its
// absolute data directory. It returns an error wrapping ctx.Err() when ctx
// ends and ErrClosed once the queue is closed.
func (q *Queue) Claim(ctx context.Context) (string, error) {
	for {
		// subscribe before the scan, so an activation racing with it is not lost
		wake := q.changes.wait()

		dir, ok, err := q.tryClaim(ctx)
		if err != nil {
			return "", err
		}
		if ok {
			return dir, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for a pending job: %w", ctx.Err())
		case <-q.done:
			return "", ErrClosed
		case <-wake:
		}
	}
}

// TryClaim is the non-blocking variant of Claim; ok is false on an empty
// pending set.
func (q *Queue) TryClaim(ctx context.Context) (dir string, ok bool, err error) {
	return q.tryClaim(ctx)
}

func (q *Queue) tryClaim(ctx context.Context) (string, bool, error) {
	unlock, err := q.lock.acquire()
	if err != nil {
		return "", false, err
	}
	defer unlock()

	ids, err := q.pendingByAge()
	if err != nil {
		return "", false, err
	}

	for _, id := range ids {
		pointer := q.layout.PendingPointer(id)
		target, err := filepath.EvalSymlinks(pointer)
		if err != nil {
			slog.WarnContext(ctx, "dropping dangling pending pointer", "job_id", id, "error", err)
			_ = os.Remove(pointer)
			continue
		}

		if err := q.writeJournal(id); err != nil {
			return "", false, err
		}
		err = os.Symlink(target, q.layout.ActivePointer(id))
		if err != nil && !errors.Is(err, os.ErrExist) {
			return "", false, fmt.Errorf("activating job %s: %w", id, err)
		}
		if err := touch(target); err != nil {
			slog.WarnContext(ctx, "can't refresh liveness mark", "job_id", id, "error", err)
		}
		if err := os.Remove(pointer); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("removing pending pointer %s: %w", id, err)
		}
		if err := q.clearJournal(); err != nil {
			return "", false, err
		}
		slog.DebugContext(ctx, "job claimed", "job_id", id, "dir", target)
		return target, true, nil
	}
	return "", false, nil
}

// pendingByAge lists pending ids oldest pointer first; ties break by name.
func (q *Queue) pendingByAge() ([]string, error) {
	entries, err := os.ReadDir(q.layout.Pending())
	if err != nil {
		return nil, fmt.Errorf("listing pending jobs: %w", err)
	}

	type pending struct {
		id    string
		mtime time.Time
	}
	ret := make([]pending, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// vanished since ReadDir
			continue
		}
		ret = append(ret, pending{id: e.Name(), mtime: info.ModTime()})
	}
	slices.SortFunc(ret, func(a, b pending) int {
		if c := a.mtime.Compare(b.mtime); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})

	ids := make([]string, len(ret))
	for i, p := range ret {
		ids[i] = p.id
	}
	return ids, nil
}

// Enqueue creates, fills and activates a job in one step. payloads maps the
// name inside the job directory to a source file.
func (q *Queue) Enqueue(desc jobdir.Descriptor, payloads map[string]string) (string, error) {
	job, err := jobdir.Create(q.layout)
	if err != nil {
		return "", err
	}
	err = job.WriteDescriptor(desc)
	for name, src := range payloads {
		if err != nil {
			break
		}
		err = job.AddPayload(name, src)
	}
	if err == nil {
		err = q.Activate(job)
	}
	if err != nil {
		return "", errors.Join(err, job.Discard())
	}
	return job.ID(), nil
}

// Activate publishes a job created on this queue and wakes local claimers.
// A job that is already active is refused, it must never get a second
// pointer.
func (q *Queue) Activate(job *jobdir.Job) error {
	unlock, err := q.lock.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Lstat(q.layout.ActivePointer(job.ID())); err == nil {
		return fmt.Errorf("%w: %s is active", jobdir.ErrAlreadyActivated, job.ID())
	}
	if err := job.Activate(); err != nil {
		return err
	}
	q.changes.signal()
	return nil
}

// Adopt activates an already uploaded data/.incoming-<id> directory.
func (q *Queue) Adopt(id string) error {
	job, err := jobdir.Open(q.layout, id)
	if err != nil {
		return err
	}
	return q.Activate(job)
}

// Ping refreshes the liveness mark of an active job.
func (q *Queue) Ping(id string) error {
	if !validID(id) {
		return fmt.Errorf("%w: %q", ErrNotActive, id)
	}
	err := touch(q.layout.ActivePointer(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	return err
}

func (q *Queue) Pending() ([]string, error) {
	return listPointers(q.layout.Pending())
}

func (q *Queue) Active() ([]string, error) {
	return listPointers(q.layout.Active())
}

func listPointers(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	slices.Sort(ids)
	return ids, nil
}

func (q *Queue) writeJournal(id string) error {
	path := filepath.Join(q.layout.Root, journalName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing claim journal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing claim journal: %w", err)
	}
	return nil
}

func (q *Queue) readJournal() (string, bool, error) {
	b, err := os.ReadFile(filepath.Join(q.layout.Root, journalName))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading claim journal: %w", err)
	}
	return strings.TrimSpace(string(b)), true, nil
}

func (q *Queue) clearJournal() error {
	err := os.Remove(filepath.Join(q.layout.Root, journalName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing claim journal: %w", err)
	}
	return nil
}

func touch(path string) error {
	now := time.Now()
	return os.Chtimes(path, now, now)
}

func validID(id string) bool {
	return id != "" && filepath.IsLocal(id) && !strings.ContainsRune(id, filepath.Separator)
}

// broadcast wakes every waiter at once: signal closes the current channel
// and installs a fresh one.
type broadcast struct {
	mx sync.Mutex
	ch chan struct{}
}

func newBroadcast() *broadcast {
	return &broadcast{ch: make(chan struct{})}
}

func (b *broadcast) wait() <-chan struct{} {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.ch
}

func (b *broadcast) signal() {
	b.mx.Lock()
	defer b.mx.Unlock()
	close(b.ch)
	b.ch = make(chan struct{})
}
