package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/CZERTAINLY/jobrelay/internal/log"
	"github.com/CZERTAINLY/jobrelay/internal/queue"
	"github.com/CZERTAINLY/jobrelay/internal/service"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Helper commands run on the producer host, usually over ssh from a worker.
// They read no configuration file: settings come from flags, JOBRELAY_*
// environment variables and a .env file in the working directory.
var helperConfig service.HelperConfig

func addHelperCommands(root *cobra.Command) {
	for _, cmd := range []*cobra.Command{claimCmd, pingCmd, adoptCmd} {
		cmd.Flags().String("root", ".", "queue root directory")
		cmd.Flags().Duration("orphan-grace", queue.DefaultOrphanGrace, "minimal age of a pointer-less job directory before it is removed")
		cmd.PersistentPreRunE = initHelper
		root.AddCommand(cmd)
	}
	claimCmd.Flags().Duration("timeout", 0, "give up waiting for a pending job after this long and print nothing (0 waits forever)")
}

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "claim moves the oldest pending job to active and prints its directory",
	Args:  cobra.NoArgs,
	RunE:  doClaim,
}

var pingCmd = &cobra.Command{
	Use:   "ping <job-id>",
	Short: "ping refreshes the liveness mark of an active job",
	Args:  cobra.ExactArgs(1),
	RunE:  doPing,
}

var adoptCmd = &cobra.Command{
	Use:   "adopt <job-id>",
	Short: "adopt activates a job directory uploaded into data/.incoming-<job-id>",
	Args:  cobra.ExactArgs(1),
	RunE:  doAdopt,
}

func initHelper(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	v := viper.GetViper()
	v.SetEnvPrefix("JOBRELAY")
	v.AutomaticEnv()
	for key, flag := range map[string]string{
		"root":         "root",
		"orphan_grace": "orphan-grace",
		"timeout":      "timeout",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	var err error
	helperConfig, err = service.ParseConfig("")
	if err != nil {
		return fmt.Errorf("parsing helper configuration: %w", err)
	}

	// stderr is forwarded to the worker log, stay quiet unless asked
	slog.SetDefault(log.NewWriter(os.Stderr, flagVerbose))
	slog.Debug("jobrelay helper", "cmd", cmd.Name(), "config", helperConfig)
	return nil
}

func helperQueue() (*queue.Queue, error) {
	var opts []queue.Option
	if helperConfig.OrphanGrace > 0 {
		opts = append(opts, queue.WithOrphanGrace(helperConfig.OrphanGrace))
	}
	q, err := queue.Open(helperConfig.Root, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening queue %s: %w", helperConfig.Root, err)
	}
	return q, nil
}

func doClaim(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	if helperConfig.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, helperConfig.Timeout)
		defer cancel()
	}

	q, err := helperQueue()
	if err != nil {
		return err
	}
	defer func() {
		_ = q.Close()
	}()

	dir, err := q.Claim(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		slog.DebugContext(ctx, "no pending job")
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(cmd.OutOrStdout(), dir); err != nil {
		// the worker hung up, give the job back instead of leaving it active
		id := filepath.Base(dir)
		if rerr := q.Requeue(context.WithoutCancel(ctx), id); rerr != nil {
			return errors.Join(err, rerr)
		}
		return fmt.Errorf("reporting claimed job %s: %w", id, err)
	}
	return nil
}

func doPing(cmd *cobra.Command, args []string) error {
	q, err := helperQueue()
	if err != nil {
		return err
	}
	defer func() {
		_ = q.Close()
	}()
	return q.Ping(args[0])
}

func doAdopt(cmd *cobra.Command, args []string) error {
	q, err := helperQueue()
	if err != nil {
		return err
	}
	defer func() {
		_ = q.Close()
	}()
	if err := q.Adopt(args[0]); err != nil {
		return err
	}
	slog.DebugContext(cmd.Context(), "job adopted", "job_id", args[0])
	return nil
}
