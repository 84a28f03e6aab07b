package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// DefaultWaitDelay bounds how long a finished or killed command may keep
// its output open through children such as an ssh ControlMaster.
const DefaultWaitDelay = 2 * time.Second

var (
	ErrNotStarted = errors.New("command not started")
	ErrInProgress = errors.New("command in progress")
)

type StderrFunc func(ctx context.Context, line string)

// Runner is a thin wrapper around os/exec running one command at a time:
//   - starts the process with stdin from /dev/null
//   - captures stdout
//   - optionally streams stderr lines to a callback (extra goroutine)
//   - gives up on output still held open DefaultWaitDelay after the process ended
//   - delivers a single Result per run through ResultsChan
type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
	stderrDone chan struct{}
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
	// WaitDelay overrides DefaultWaitDelay.
	WaitDelay time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Failed reports the reason a finished command did not succeed, or nil.
func (r Result) Failed() error {
	switch {
	case r.Err != nil:
		return r.Err
	case r.State == nil:
		return errors.New("process state is nil")
	case r.State.ExitCode() != 0:
		return &ExitError{Code: r.State.ExitCode()}
	}
	return nil
}

type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return "exit status " + strconv.Itoa(e.Code)
}

// Start runs the underlying process; it ensures only a single instance is
// active and returns ErrInProgress otherwise. It does NOT wait for the
// command to finish, use ResultsChan instead.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	r.cancelFunc = nil
	if proto.Timeout > 0 {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	cmd.WaitDelay = DefaultWaitDelay
	if proto.WaitDelay > 0 {
		cmd.WaitDelay = proto.WaitDelay
	}
	if proto.Env != nil {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	// a pipe writer instead of StderrPipe: exec copies into it, so WaitDelay
	// also bounds stderr held open by a leftover child
	var stderr *io.PipeReader
	var stderrW *io.PipeWriter
	if stderrFunc != nil {
		stderr, stderrW = io.Pipe()
		cmd.Stderr = stderrW
	}
	var buf bytes.Buffer
	r.result.Stdout = &buf
	cmd.Stdout = &buf

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		if stderrW != nil {
			_ = stderrW.Close()
		}
		r.cancel()
		return err
	}
	r.cmd = cmd

	r.stderrDone = nil
	if stderr != nil {
		r.stderrDone = make(chan struct{})
		go r.processStderr(ctx, stderr, stderrFunc, r.stderrDone)
	}
	go r.wait(cmd, stderrW, r.stderrDone)
	return nil
}

func (r *Runner) cancel() {
	if r.cancelFunc != nil {
		r.cancelFunc()
		r.cancelFunc = nil
	}
}

func (r *Runner) processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, stderrW *io.PipeWriter, stderrDone <-chan struct{}) {
	err := cmd.Wait()
	stopped := time.Now().UTC()
	if stderrW != nil {
		_ = stderrW.Close()
		<-stderrDone
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	r.cancel()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// ResultsChan returns the channel obtaining the result of the running
// program. The channel is closed once the program ends. When nothing runs,
// the last result is delivered immediately.
func (r *Runner) ResultsChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// LastResult returns the last command result, or a result with
// ErrNotStarted if nothing has been executed yet.
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// Close kills a running process, if any.
func (r *Runner) Close() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil && r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
}

// Exec runs proto to completion: one round trip, one Result.
func Exec(ctx context.Context, proto Command, stderrFunc StderrFunc) Result {
	r := NewRunner()
	if err := r.Start(ctx, proto, stderrFunc); err != nil {
		return r.LastResult()
	}
	return <-r.ResultsChan()
}
