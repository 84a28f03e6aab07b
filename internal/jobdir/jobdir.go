// Package jobdir models a job's working directory on the producer host: the
// immutable descriptor plus payload files under data/<id>, and the queue
// pointers that publish it.
package jobdir

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	DescriptorName = "job.json"
	// IncomingPrefix marks data/ entries still being filled by a producer.
	IncomingPrefix = ".incoming-"

	dataDir    = "data"
	pendingDir = "pending"
	activeDir  = "active"
)

var (
	ErrAlreadyActivated = errors.New("job already activated")
	ErrDescriptorExists = errors.New("job descriptor already written")
	ErrNoDescriptor     = errors.New("job descriptor not written")
	ErrInvalidName      = errors.New("invalid payload name")
)

// Layout names the directories of one queue root.
type Layout struct {
	Root string
}

func NewLayout(root string) (Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("resolving queue root: %w", err)
	}
	return Layout{Root: abs}, nil
}

func (l Layout) Data() string    { return filepath.Join(l.Root, dataDir) }
func (l Layout) Pending() string { return filepath.Join(l.Root, pendingDir) }
func (l Layout) Active() string  { return filepath.Join(l.Root, activeDir) }

func (l Layout) DataDir(id string) string        { return filepath.Join(l.Data(), id) }
func (l Layout) IncomingDir(id string) string    { return filepath.Join(l.Data(), IncomingPrefix+id) }
func (l Layout) PendingPointer(id string) string { return filepath.Join(l.Pending(), id) }
func (l Layout) ActivePointer(id string) string  { return filepath.Join(l.Active(), id) }

// Init creates data, pending and active directories.
func (l Layout) Init() error {
	for _, d := range []string{l.Data(), l.Pending(), l.Active()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}

// Job is a job under construction. It lives in data/.incoming-<id> and is
// owned by its creator until Activate moves it to data/<id>, after which the
// directory must be treated as read-only.
type Job struct {
	layout     Layout
	id         string
	dir        string
	descriptor bool
	activated  bool
}

// Create allocates a fresh identifier and an empty incoming job directory.
func Create(layout Layout) (*Job, error) {
	id := uuid.NewString()
	dir := layout.IncomingDir(id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating job directory: %w", err)
	}
	return &Job{layout: layout, id: id, dir: dir}, nil
}

// Open wraps an already populated data/.incoming-<id> directory, for example
// one uploaded by a remote producer.
func Open(layout Layout, id string) (*Job, error) {
	if err := uuid.Validate(id); err != nil {
		return nil, fmt.Errorf("job id %q: %w", id, err)
	}
	dir := layout.IncomingDir(id)
	if _, err := os.Stat(filepath.Join(dir, DescriptorName)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoDescriptor
		}
		return nil, err
	}
	return &Job{layout: layout, id: id, dir: dir, descriptor: true}, nil
}

func (j *Job) ID() string  { return j.id }
func (j *Job) Dir() string { return j.dir }

// WriteDescriptor serializes the descriptor once, stamping its type.
func (j *Job) WriteDescriptor(d Descriptor) error {
	if j.activated {
		return ErrAlreadyActivated
	}
	if j.descriptor {
		return ErrDescriptorExists
	}
	b, err := d.MarshalJSON()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(j.dir, DescriptorName), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating descriptor: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing descriptor: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing descriptor: %w", err)
	}
	j.descriptor = true
	return nil
}

// AddPayload copies the file at src into the job directory as name.
func (j *Job) AddPayload(name, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	return j.AddPayloadReader(name, in)
}

func (j *Job) AddPayloadBytes(name string, data []byte) error {
	w, err := j.createPayload(name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing payload %s: %w", name, err)
	}
	return w.Close()
}

func (j *Job) AddPayloadReader(name string, r io.Reader) error {
	w, err := j.createPayload(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing payload %s: %w", name, err)
	}
	return w.Close()
}

func (j *Job) createPayload(name string) (*os.File, error) {
	if j.activated {
		return nil, ErrAlreadyActivated
	}
	if !filepath.IsLocal(name) || name == DescriptorName {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	path := filepath.Join(j.dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
}

// Activate moves the job to data/<id> and publishes the pending pointer,
// making the job visible to claimers. A job whose directory or descriptor
// vanished is not published.
func (j *Job) Activate() error {
	if j.activated {
		return ErrAlreadyActivated
	}
	if !j.descriptor {
		return ErrNoDescriptor
	}
	if _, err := os.Stat(filepath.Join(j.dir, DescriptorName)); err != nil {
		return fmt.Errorf("activating job %s: %w", j.id, err)
	}

	incoming := j.dir
	dir := j.layout.DataDir(j.id)
	if _, err := os.Lstat(dir); err == nil {
		return fmt.Errorf("activating job %s: %w", j.id, os.ErrExist)
	}
	if err := os.Rename(incoming, dir); err != nil {
		return fmt.Errorf("activating job %s: %w", j.id, err)
	}
	if err := os.Symlink(dir, j.layout.PendingPointer(j.id)); err != nil {
		if rerr := os.Rename(dir, incoming); rerr != nil {
			err = errors.Join(err, rerr)
			incoming = dir
		}
		j.dir = incoming
		if errors.Is(err, os.ErrExist) {
			return ErrAlreadyActivated
		}
		return fmt.Errorf("activating job %s: %w", j.id, err)
	}
	j.dir = dir
	j.activated = true
	return nil
}

// Discard removes the directory of a job that was never activated.
func (j *Job) Discard() error {
	if j.activated {
		return ErrAlreadyActivated
	}
	return os.RemoveAll(j.dir)
}
