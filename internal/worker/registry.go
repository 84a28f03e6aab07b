package worker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/CZERTAINLY/jobrelay/internal/jobdir"
	"github.com/CZERTAINLY/jobrelay/internal/log"
	"github.com/CZERTAINLY/jobrelay/internal/source"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")
	ErrHandlerPanic   = errors.New("job handler panicked")
)

// Job is what a handler receives: the claimed job copied to the local
// directory Dir. Submit enqueues follow-on jobs on the producer the job
// came from; it is nil when the source cannot create jobs.
type Job struct {
	ID         string
	Descriptor jobdir.Descriptor
	Dir        string
	Log        log.Job
	Submit     source.Submitter
}

// Handler performs the domain work of one job type. The context is never
// cancelled by the pool; handlers run to completion on shutdown.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Registry maps job types to their handlers.
type Registry struct {
	mx       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for typ. Registering a type twice is an error.
func (r *Registry) Register(typ string, h Handler) error {
	if typ == "" {
		return errors.New("register: empty job type")
	}
	if h == nil {
		return fmt.Errorf("register %s: nil handler", typ)
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.handlers[typ]; ok {
		return fmt.Errorf("register %s: handler already registered", typ)
	}
	r.handlers[typ] = h
	return nil
}

// Lookup returns the handler for typ or ErrUnknownJobType.
func (r *Registry) Lookup(typ string) (Handler, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	h, ok := r.handlers[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, typ)
	}
	return h, nil
}

func (r *Registry) Types() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}
