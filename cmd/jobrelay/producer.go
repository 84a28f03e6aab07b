package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/CZERTAINLY/jobrelay/internal/jobdir"
	"github.com/CZERTAINLY/jobrelay/internal/log"
	"github.com/CZERTAINLY/jobrelay/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	flagJobType  string
	flagFields   []string
	flagPayloads []string
	flagOnce     bool
)

func init() {
	enqueueCmd.Flags().StringVar(&flagJobType, "type", "", "job type")
	enqueueCmd.Flags().StringArrayVar(&flagFields, "field", nil, "descriptor field as key=value, value is parsed as JSON when possible")
	enqueueCmd.Flags().StringArrayVar(&flagPayloads, "payload", nil, "payload file as name=path")
	_ = enqueueCmd.MarkFlagRequired("type")

	maintainCmd.Flags().BoolVar(&flagOnce, "once", false, "run a single sweep and print its report")
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "enqueue creates a job and makes it pending, on the remote producer when one is configured",
	Args:  cobra.NoArgs,
	RunE:  doEnqueue,
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "maintain recovers the queue and watches for stale jobs on the configured schedule",
	Args:  cobra.NoArgs,
	RunE:  doMaintain,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "status prints pending, active and stale jobs of the local queue",
	Args:  cobra.NoArgs,
	RunE:  doStatus,
}

func doEnqueue(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fields, err := parseFields(flagFields)
	if err != nil {
		return err
	}
	desc, err := jobdir.NewDescriptor(flagJobType, fields)
	if err != nil {
		return err
	}
	payloads, err := parsePairs("payload", flagPayloads)
	if err != nil {
		return err
	}

	src, closeSource, err := newSource(ctx, config)
	if err != nil {
		return err
	}
	defer closeSource()

	id, err := src.Submit(ctx, desc, payloads)
	if err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	slog.InfoContext(ctx, "job enqueued", "job_id", id, "type", flagJobType)
	_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
	return err
}

func doMaintain(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("jobrelay",
		slog.String("cmd", "maintain"),
		slog.Int("pid", os.Getpid()),
	))

	q, err := openQueue(config.Queue)
	if err != nil {
		return err
	}
	defer func() {
		_ = q.Close()
	}()

	m, err := service.NewMaintainer(ctx, q, config.Queue)
	if err != nil {
		return err
	}
	if !flagOnce {
		return m.Do(ctx)
	}
	report, err := m.Once(ctx)
	if encErr := printYAML(cmd, reportView(report)); encErr != nil {
		return encErr
	}
	return err
}

func doStatus(cmd *cobra.Command, _ []string) error {
	q, err := openQueue(config.Queue)
	if err != nil {
		return err
	}
	defer func() {
		_ = q.Close()
	}()

	pending, err := q.Pending()
	if err != nil {
		return err
	}
	active, err := q.Active()
	if err != nil {
		return err
	}
	stale, err := q.Stale(config.Queue.StaleAfterOrDefault())
	if err != nil {
		return err
	}

	type staleJob struct {
		ID       string    `yaml:"id"`
		LastSeen time.Time `yaml:"last_seen"`
	}
	status := struct {
		Root    string     `yaml:"root"`
		Pending []string   `yaml:"pending"`
		Active  []string   `yaml:"active"`
		Stale   []staleJob `yaml:"stale,omitempty"`
	}{
		Root:    q.Layout().Root,
		Pending: pending,
		Active:  active,
	}
	for _, s := range stale {
		status.Stale = append(status.Stale, staleJob{ID: s.ID, LastSeen: s.LastSeen})
	}
	return printYAML(cmd, status)
}

func reportView(r service.Report) any {
	stale := make([]string, len(r.Stale))
	for i, s := range r.Stale {
		stale[i] = s.ID
	}
	return struct {
		Journal    string   `yaml:"journal,omitempty"`
		Reconciled []string `yaml:"reconciled,omitempty"`
		Dangling   []string `yaml:"dangling,omitempty"`
		Orphans    []string `yaml:"orphans,omitempty"`
		Abandoned  []string `yaml:"abandoned,omitempty"`
		Stale      []string `yaml:"stale,omitempty"`
		Requeued   []string `yaml:"requeued,omitempty"`
	}{
		Journal:    r.Recovery.Journal,
		Reconciled: r.Recovery.Reconciled,
		Dangling:   r.Recovery.Dangling,
		Orphans:    r.Recovery.Orphans,
		Abandoned:  r.Recovery.Abandoned,
		Stale:      stale,
		Requeued:   r.Requeued,
	}
}

func printYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	defer func() {
		_ = enc.Close()
	}()
	return enc.Encode(v)
}

func parsePairs(what string, pairs []string) (map[string]string, error) {
	ret := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%s %q: expected key=value", what, p)
		}
		ret[k] = v
	}
	return ret, nil
}

func parseFields(pairs []string) (map[string]any, error) {
	raw, err := parsePairs("field", pairs)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			decoded = v
		}
		fields[k] = decoded
	}
	return fields, nil
}
