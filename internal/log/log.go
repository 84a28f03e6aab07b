package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
)

type slogKeyT struct{}

var slogKey slogKeyT

type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	}
	a = append(a, attrs...)
	return context.WithValue(ctx, slogKey, a)
}

func New(verbose bool) *slog.Logger {
	return NewWriter(os.Stderr, verbose)
}

func NewWriter(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	ctxHandler := NewContextHandler(base)
	return slog.New(ctxHandler)
}

// Job is the per job logger handed to handlers. It exposes the four levels
// the log shipping side understands: info, warning, error and exception.
type Job struct {
	*slog.Logger
	id string
}

func ForJob(base *slog.Logger, jobID string) Job {
	if base == nil {
		base = slog.Default()
	}
	return Job{
		Logger: base.With("job_id", jobID),
		id:     jobID,
	}
}

func (j Job) ID() string {
	return j.id
}

func (j Job) Warning(msg string, args ...any) {
	j.Warn(msg, args...)
}

// Exception logs at error level with the error and the current goroutine
// stack attached.
func (j Job) Exception(msg string, err error, args ...any) {
	args = append(args, "error", err, "stack", string(debug.Stack()))
	j.Error(msg, args...)
}

// ExceptionContext is Exception with a context for ContextHandler attrs.
func (j Job) ExceptionContext(ctx context.Context, msg string, err error, args ...any) {
	args = append(args, "error", err, "stack", string(debug.Stack()))
	j.ErrorContext(ctx, msg, args...)
}
