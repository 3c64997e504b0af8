package model

import (
	"context"
	"fmt"
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
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
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Plugins *Group  `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	Local   *Group  `json:"local,omitempty" yaml:"local,omitempty"`
	Service Service `json:"service" yaml:"service"`
}

// Group configures one family of executables: ordinary plugins or local checks.
type Group struct {
	Enabled    *bool           `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Folders    []string        `json:"folders,omitempty" yaml:"folders,omitempty"`
	Execution  []ExecutionRule `json:"execution,omitempty" yaml:"execution,omitempty"`
	MaxWait    *int            `json:"max_wait,omitempty" yaml:"max_wait,omitempty"`       // seconds, caps synchronous runs
	AsyncStart *bool           `json:"async_start,omitempty" yaml:"async_start,omitempty"` // false => restart sweep starts async plugins
	Controller *bool           `json:"controller,omitempty" yaml:"controller,omitempty"`   // delegate process start to `warden _exec`
	Detached   []string        `json:"detached,omitempty" yaml:"detached,omitempty"`       // updater-class file names
	Extensions []string        `json:"extensions,omitempty" yaml:"extensions,omitempty"`   // nil => every regular file
}

// ExecutionRule is one entry of plugins.execution. Unset fields take the
// defaults of plugin.Rule.
type ExecutionRule struct {
	Pattern          string  `json:"pattern" yaml:"pattern"`
	Async            *bool   `json:"async,omitempty" yaml:"async,omitempty"`
	Run              *bool   `json:"run,omitempty" yaml:"run,omitempty"`
	Timeout          *int    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	CacheAge         *int    `json:"cache_age,omitempty" yaml:"cache_age,omitempty"`
	Retry            *int    `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	User             *string `json:"user,omitempty" yaml:"user,omitempty"`
	Group            *string `json:"group,omitempty" yaml:"group,omitempty"`
	RepairInvalidUTF *bool   `json:"repair_invalid_utf,omitempty" yaml:"repair_invalid_utf,omitempty"`
}

type Service struct {
	Mode       string         `json:"mode" yaml:"mode"`
	Verbose    *bool          `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log        *string        `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Dir        *string        `json:"dir,omitempty" yaml:"dir,omitempty"` // output directory
	State      *string        `json:"state,omitempty" yaml:"state,omitempty"`
	Schedule   *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Repository *Repository    `json:"repository,omitempty" yaml:"repository,omitempty"`
	Metrics    *Metrics       `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"` // ISO 8601, e.g. PT1M
}

// Repository is a remote collector receiving the aggregated answer.
type Repository struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	URL     string `json:"url" yaml:"url"`
}

type Metrics struct {
	Address string `json:"address" yaml:"address"`
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
	if out.Version != 0 {
		return nil, fmt.Errorf("config version %d: %w", out.Version, ErrUnsupportedVersion)
	}

	return &out, nil
}

// DefaultConfig is stored on first start when no configuration exists.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Plugins: &Group{
			Enabled: ptr(true),
			Folders: []string{"/usr/lib/warden/plugins", "/etc/warden/plugins"},
			Execution: []ExecutionRule{
				{Pattern: "*", Run: ptr(true), Timeout: ptr(60)},
			},
			MaxWait:    ptr(60),
			AsyncStart: ptr(true),
		},
		Local: &Group{
			Enabled: ptr(true),
			Folders: []string{"/usr/lib/warden/local"},
			Execution: []ExecutionRule{
				{Pattern: "*", Run: ptr(true), Timeout: ptr(60)},
			},
		},
		Service: Service{
			Mode: ServiceModeManual,
			Log:  ptr(LogStderr),
		},
	}
}

// Get returns the value pt points to or the zero value of T.
func Get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}

// GetOr returns the value pt points to or dflt.
func GetOr[T any](pt *T, dflt T) T {
	if pt == nil {
		return dflt
	}
	return *pt
}

func ptr[T any](v T) *T {
	return &v
}
