package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	EngineTypeDocker = "docker"
	EngineTypePodman = "podman"

	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
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

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version  int      `json:"version" yaml:"version"` // fixed 0 for now
	Engine   Engine   `json:"engine" yaml:"engine"`
	Function Function `json:"function" yaml:"function"`
	Service  Service  `json:"service" yaml:"service"`
}

// Engine is the container engine running function images.
type Engine struct {
	Type   string `json:"type" yaml:"type"`                         // "docker" | "podman"
	Binary string `json:"binary,omitempty" yaml:"binary,omitempty"` // defaults to Type
}

// Function served by the service.
type Function struct {
	Name             string `json:"name" yaml:"name"`
	Image            string `json:"image" yaml:"image"`
	Build            string `json:"build,omitempty" yaml:"build,omitempty"` // build context of Image
	ReadyTimeout     string `json:"ready_timeout" yaml:"ready_timeout"`
	ExecutionTimeout string `json:"execution_timeout" yaml:"execution_timeout"`
	Payload          string `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Timeouts returns parsed ready and execution timeouts.
func (f Function) Timeouts() (ready, execution time.Duration, err error) {
	ready, err = ParseDuration(f.ReadyTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing function.ready_timeout: %w", err)
	}
	execution, err = ParseDuration(f.ExecutionTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing function.execution_timeout: %w", err)
	}
	return ready, execution, nil
}

type Service struct {
	Mode     string         `json:"mode" yaml:"mode"` // "manual" | "timer"
	Schedule *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Verbose  bool           `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log      string         `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Dir      string         `json:"dir,omitempty" yaml:"dir,omitempty"` // output directory

	Repository *Repository `json:"repository,omitempty" yaml:"repository,omitempty"` // remote publication
}

// Repository receives every invocation result over HTTP.
type Repository struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
}

// TimerSchedule sets either a cron expression or a fixed interval.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// DefaultConfig is stored when no configuration file exists.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Engine: Engine{
			Type: EngineTypeDocker,
		},
		Function: Function{
			Name:             "echo",
			Image:            "echo",
			ReadyTimeout:     "5s",
			ExecutionTimeout: "30s",
			Payload:          "hello",
		},
		Service: Service{
			Mode: ServiceModeManual,
			Log:  LogStderr,
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

	return &out, nil
}
