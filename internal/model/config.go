package model

import (
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ArchiveFilesystem = "filesystem"
	ArchiveHTTP       = "http"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultStaleAfter        = 10 * time.Minute
	DefaultHeartbeatInterval = 5 * time.Minute
	DefaultMaxConcurrentJobs = 4
	DefaultTmpDir            = "tmp"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx      *cue.Context
	definitions cue.Value
	schema      cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}
	definitions = compiled

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int       `json:"version" yaml:"version"` // fixed 0 for now
	Queue   Queue     `json:"queue" yaml:"queue"`
	Worker  Worker    `json:"worker" yaml:"worker"`
	Remote  *Remote   `json:"remote,omitempty" yaml:"remote,omitempty"`
	Archive []Archive `json:"archive,omitempty" yaml:"archive,omitempty"`
	Service Service   `json:"service" yaml:"service"`
}

// Queue is the producer side: the directory holding data/, pending/ and
// active/, and the maintenance of stale and orphaned jobs.
type Queue struct {
	Root         string   `json:"root" yaml:"root"`
	StaleAfter   Duration `json:"stale_after,omitzero" yaml:"stale_after,omitempty"`
	RequeueStale bool     `json:"requeue_stale,omitempty" yaml:"requeue_stale,omitempty"`
	OrphanGrace  Duration `json:"orphan_grace,omitzero" yaml:"orphan_grace,omitempty"`
	// IncomingGrace bounds how long a job under construction may go without
	// any write before maintenance deletes it.
	IncomingGrace Duration  `json:"incoming_grace,omitzero" yaml:"incoming_grace,omitempty"`
	Maintenance   *Schedule `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`
}

// Schedule holds either a cron expression or an ISO8601 duration.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Worker struct {
	MaxConcurrentJobs int      `json:"max_concurrent_jobs,omitempty" yaml:"max_concurrent_jobs,omitempty"`
	TmpDir            string   `json:"tmp_dir,omitempty" yaml:"tmp_dir,omitempty"`
	HeartbeatInterval Duration `json:"heartbeat_interval,omitzero" yaml:"heartbeat_interval,omitempty"`
	PingRate          float64  `json:"ping_rate,omitempty" yaml:"ping_rate,omitempty"`
}

// Remote is the producer host a worker pulls from over ssh.
type Remote struct {
	Host    string            `json:"host" yaml:"host"`
	Root    string            `json:"root" yaml:"root"`
	SSH     string            `json:"ssh,omitempty" yaml:"ssh,omitempty"`
	SSHArgs []string          `json:"ssh_args,omitempty" yaml:"ssh_args,omitempty"`
	SCP     string            `json:"scp,omitempty" yaml:"scp,omitempty"`
	SCPArgs []string          `json:"scp_args,omitempty" yaml:"scp_args,omitempty"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Timeout Duration          `json:"timeout,omitzero" yaml:"timeout,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Archive is one sink; Path is used by filesystem sinks, URL by http ones.
type Archive struct {
	Type    string   `json:"type" yaml:"type"`
	Path    string   `json:"path,omitempty" yaml:"path,omitempty"`
	URL     URL      `json:"url,omitzero" yaml:"url,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

type Service struct {
	Verbose bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
}

// StaleAfterOrDefault and friends return the configured value or the
// built-in default when unset.
func (q Queue) StaleAfterOrDefault() time.Duration {
	return q.StaleAfter.Or(DefaultStaleAfter)
}

func (w Worker) MaxConcurrentJobsOrDefault() int {
	if w.MaxConcurrentJobs <= 0 {
		return DefaultMaxConcurrentJobs
	}
	return w.MaxConcurrentJobs
}

func (w Worker) TmpDirOrDefault() string {
	if w.TmpDir == "" {
		return DefaultTmpDir
	}
	return w.TmpDir
}

func (w Worker) HeartbeatIntervalOrDefault() time.Duration {
	return w.HeartbeatInterval.Or(DefaultHeartbeatInterval)
}

// DefaultConfig is written on the first run when no configuration exists.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Queue: Queue{
			Root:        ".",
			StaleAfter:  Duration(DefaultStaleAfter),
			Maintenance: &Schedule{Duration: "PT10M"},
		},
		Worker: Worker{
			MaxConcurrentJobs: DefaultMaxConcurrentJobs,
			TmpDir:            DefaultTmpDir,
			HeartbeatInterval: Duration(DefaultHeartbeatInterval),
		},
		Service: Service{
			Log: LogStderr,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	if out.Queue.Root == "" {
		out.Queue.Root = "."
	}
	return &out, nil
}
