package model

import (
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// DefaultConnectTimeout bounds the wait for a freshly launched test
// host to connect back.
const DefaultConnectTimeout = 90 * time.Second

//go:embed settings.cue
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

	schema = compiled.LookupPath(cue.ParsePath("#Settings"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Settings struct {
	Version      int                 `json:"version"` // fixed 0 for now
	Parallel     *ParallelSettings   `json:"parallel,omitempty"`
	Host         *HostSettings       `json:"host,omitempty"`
	AdapterPaths []string            `json:"adapterPaths,omitempty"`
	Collectors   []CollectorSettings `json:"collectors,omitempty"`
}

// Parallel orchestration settings, criteria take precedence.
type ParallelSettings struct {
	Enabled    *bool `json:"enabled,omitempty"`
	MaxWorkers *int  `json:"maxWorkers,omitempty"` // <=0 is rejected by schema
}

// Test host process settings.
type HostSettings struct {
	Path             *string  `json:"path,omitempty"` // host binary, empty => provider default
	Args             []string `json:"args,omitempty"`
	Shared           *bool    `json:"shared,omitempty"` // one host may serve many batches
	ConnectTimeoutMs *int     `json:"connectTimeoutMs,omitempty"`
}

// Data collector configuration list element.
type CollectorSettings struct {
	Name      string  `json:"name"`
	Enabled   *bool   `json:"enabled,omitempty"`
	OutputDir *string `json:"outputDir,omitempty"`
}

// LoadSettings validates YAML from r against the CUE schema and
// decodes it into Settings.
func LoadSettings(r io.Reader) (*Settings, error) {
	yamlFile, err := yaml.Extract("settings.yaml", r)
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

	var out Settings
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// ConnectTimeout returns the configured host connect timeout or the default.
func (s *Settings) ConnectTimeout() time.Duration {
	if s == nil || s.Host == nil || s.Host.ConnectTimeoutMs == nil {
		return DefaultConnectTimeout
	}
	return time.Duration(*s.Host.ConnectTimeoutMs) * time.Millisecond
}

// SharedHosts reports whether one host process may serve several
// batches of work. Defaults to false, matching single-use hosts.
func (s *Settings) SharedHosts() bool {
	if s == nil || s.Host == nil || s.Host.Shared == nil {
		return false
	}
	return *s.Host.Shared
}

// MaxWorkers returns the configured parallelism bound, 0 when unset.
func (s *Settings) MaxWorkers() int {
	if s == nil || s.Parallel == nil || s.Parallel.MaxWorkers == nil {
		return 0
	}
	return *s.Parallel.MaxWorkers
}

// ParallelEnabled defaults to true, the engine clamps to unit count anyway.
func (s *Settings) ParallelEnabled() bool {
	if s == nil || s.Parallel == nil || s.Parallel.Enabled == nil {
		return true
	}
	return *s.Parallel.Enabled
}
