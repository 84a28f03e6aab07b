package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/CZERTAINLY/jobrelay/internal/jobdir"
	"github.com/CZERTAINLY/jobrelay/internal/service"

	"golang.org/x/sync/errgroup"
)

var ErrRemote = errors.New("remote command failed")

// SSHConfig describes how to reach the producer host. Root is the remote
// queue root, Command the jobrelay binary on the remote side.
type SSHConfig struct {
	Host    string
	Root    string
	SSH     string
	SSHArgs []string
	SCP     string
	SCPArgs []string
	Command string
	// Env is added to the environment of the local ssh and scp processes.
	Env []string
	// Timeout bounds ping and adopt round trips; claim blocks until a job
	// is available and is bounded by the caller's context only.
	Timeout time.Duration
}

// SSH pulls jobs from a remote queue by running the jobrelay helper
// commands over ssh and copying the job directory back with scp.
type SSH struct {
	cfg    SSHConfig
	logger *slog.Logger
}

func NewSSH(cfg SSHConfig, logger *slog.Logger) (*SSH, error) {
	if cfg.Host == "" {
		return nil, errors.New("ssh source: host is required")
	}
	if cfg.Root == "" {
		cfg.Root = "."
	}
	if cfg.SSH == "" {
		cfg.SSH = "ssh"
	}
	if cfg.SCP == "" {
		cfg.SCP = "scp"
	}
	if cfg.Command == "" {
		cfg.Command = "jobrelay"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSH{cfg: cfg, logger: logger.With("host", cfg.Host)}, nil
}

// Pull runs the remote claim on a pseudo terminal: when the local ssh is
// killed, sshd hangs the terminal up and the blocked claimer exits instead
// of claiming a job nobody receives. The terminal merges remote stderr into
// stdout, the claimed directory is the last line.
func (s *SSH) Pull(ctx context.Context, localRoot string) (*Pulled, error) {
	s.logger.DebugContext(ctx, "pulling job")
	res := s.remote(ctx, 0, s.logger, true, "claim")
	if err := res.Failed(); err != nil {
		return nil, fmt.Errorf("%w: claim: %w", ErrRemote, err)
	}
	remoteDir := lastLine(res.Stdout.String())
	return receive(ctx, s.logger, remoteDir, localRoot, func(ctx context.Context, dst string) error {
		args := append(append([]string{}, s.cfg.SCPArgs...), "-qr", s.cfg.Host+":"+remoteDir, dst)
		return s.copy(ctx, s.logger.With("job_id", filepath.Base(dst)), args)
	})
}

func (s *SSH) Ping(ctx context.Context, jobID string) error {
	res := s.remote(ctx, s.cfg.Timeout, s.logger.With("job_id", jobID), false, "ping", jobID)
	if err := res.Failed(); err != nil {
		return fmt.Errorf("%w: ping %s: %w", ErrRemote, jobID, err)
	}
	return nil
}

// Cleanup does not touch the producer: remote job directories stay active
// until an operator or the maintenance task handles them.
func (s *SSH) Cleanup(context.Context, string) (CleanupOutcome, error) {
	return CleanupNotImplemented, nil
}

// Submit stages a job directory locally, uploads it into the remote
// data/.incoming-<id> directory and activates it there.
func (s *SSH) Submit(ctx context.Context, desc jobdir.Descriptor, payloads map[string]string) (string, error) {
	staging, err := os.MkdirTemp("", "jobrelay-submit-")
	if err != nil {
		return "", err
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			s.logger.WarnContext(ctx, "removing staging directory", "dir", staging, "error", err)
		}
	}()

	layout, err := jobdir.NewLayout(staging)
	if err != nil {
		return "", err
	}
	if err := layout.Init(); err != nil {
		return "", err
	}
	job, err := jobdir.Create(layout)
	if err != nil {
		return "", err
	}
	if err := job.WriteDescriptor(desc); err != nil {
		return "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for name, src := range payloads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return job.AddPayload(name, src)
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("staging payloads: %w", err)
	}

	logger := s.logger.With("job_id", job.ID())
	target := path.Join(s.cfg.Root, "data", jobdir.IncomingPrefix+job.ID())
	args := append(append([]string{}, s.cfg.SCPArgs...), "-qr", job.Dir(), s.cfg.Host+":"+target)
	if err := s.copy(ctx, logger, args); err != nil {
		return "", fmt.Errorf("uploading job %s: %w", job.ID(), err)
	}
	res := s.remote(ctx, s.cfg.Timeout, logger, false, "adopt", job.ID())
	if err := res.Failed(); err != nil {
		return "", fmt.Errorf("%w: adopt %s: %w", ErrRemote, job.ID(), err)
	}
	logger.InfoContext(ctx, "job submitted", "type", desc.Type())
	return job.ID(), nil
}

// remote runs one jobrelay helper command inside the remote queue root,
// with tty forcing a remote pseudo terminal.
func (s *SSH) remote(ctx context.Context, timeout time.Duration, logger *slog.Logger, tty bool, args ...string) service.Result {
	line := "cd " + shellQuote(s.cfg.Root) + " && " + s.cfg.Command
	for _, a := range args {
		line += " " + shellQuote(a)
	}
	sshArgs := append([]string{}, s.cfg.SSHArgs...)
	if tty {
		sshArgs = append(sshArgs, "-tt")
	}
	sshArgs = append(sshArgs, s.cfg.Host, line)
	return service.Exec(ctx, service.Command{
		Path:    s.cfg.SSH,
		Args:    sshArgs,
		Env:     s.cfg.Env,
		Timeout: timeout,
	}, stderrTo(logger))
}

func (s *SSH) copy(ctx context.Context, logger *slog.Logger, args []string) error {
	res := service.Exec(ctx, service.Command{
		Path: s.cfg.SCP,
		Args: args,
		Env:  s.cfg.Env,
	}, stderrTo(logger))
	if err := res.Failed(); err != nil {
		return fmt.Errorf("%w: scp: %w", ErrRemote, err)
	}
	return nil
}

func lastLine(out string) string {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func stderrTo(logger *slog.Logger) service.StderrFunc {
	return func(ctx context.Context, line string) {
		logger.WarnContext(ctx, "remote stderr", "line", line)
	}
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
