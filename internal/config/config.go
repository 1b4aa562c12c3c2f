// Package config loads and validates the pipeline run configuration.
// YAML and JSON are both accepted; unknown fields and trailing
// documents are rejected so typos fail loudly instead of silently
// falling back to defaults.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Run is the full configuration surface of a pipeline run. Pointer
// fields distinguish an explicit zero from an unset value; defaults
// are applied by ApplyDefaults before Validate.
type Run struct {
	// MergeCandidateCount bounds how many candidates retrieval asks for.
	MergeCandidateCount *int `json:"merge_candidate_count,omitempty" yaml:"merge_candidate_count,omitempty"`
	// InnerLoopBound caps iterations of one inner refinement search.
	InnerLoopBound *int `json:"inner_loop_bound,omitempty" yaml:"inner_loop_bound,omitempty"`
	// OuterLoopBound caps probe/refine cycles per refinement run.
	OuterLoopBound *int `json:"outer_loop_bound,omitempty" yaml:"outer_loop_bound,omitempty"`
	// StrategySearchBound caps propose/implement ensemble iterations.
	StrategySearchBound *int `json:"strategy_search_bound,omitempty" yaml:"strategy_search_bound,omitempty"`
	// Parallelism is the number of concurrent refinement runs.
	Parallelism *int `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
	// MaxDebugRetries bounds debug round trips per evaluation.
	MaxDebugRetries *int `json:"max_debug_retries,omitempty" yaml:"max_debug_retries,omitempty"`
	// WorkerTimeoutSeconds is the per-call deadline for workers and
	// sandbox executions.
	WorkerTimeoutSeconds *int `json:"worker_timeout_seconds,omitempty" yaml:"worker_timeout_seconds,omitempty"`
	// StepCeiling is the hard global bound on graph node executions.
	StepCeiling *int `json:"step_ceiling,omitempty" yaml:"step_ceiling,omitempty"`
	// RunsDir is where the file run store keeps checkpoints.
	RunsDir string `json:"runs_dir,omitempty" yaml:"runs_dir,omitempty"`
}

// Defaults mirror the reference knobs the pipeline was tuned with.
const (
	DefaultMergeCandidateCount  = 4
	DefaultInnerLoopBound       = 4
	DefaultOuterLoopBound       = 4
	DefaultStrategySearchBound  = 5
	DefaultParallelism          = 2
	DefaultMaxDebugRetries      = 3
	DefaultWorkerTimeoutSeconds = 300
	DefaultStepCeiling          = 50
)

// Load reads a config file, dispatching on extension. ".yaml"/".yml"
// and ".json" are supported.
func Load(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parse(data, decodeYAMLStrict)
	case ".json":
		return parse(data, decodeJSONStrict)
	default:
		return nil, fmt.Errorf("config %s: unsupported extension (want .yaml, .yml, or .json)", path)
	}
}

func parse(data []byte, decode func([]byte, *Run) error) (*Run, error) {
	var cfg Run
	if err := decode(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(data []byte, cfg *Run) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config json: %w", err)
	}
	if dec.More() {
		return errors.New("decode config json: trailing content after document")
	}
	return nil
}

func decodeYAMLStrict(data []byte, cfg *Run) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config yaml: %w", err)
	}
	// A second document means the file is malformed.
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return errors.New("decode config yaml: trailing document after config")
	}
	return nil
}

// ApplyDefaults fills unset fields. Explicit zeros survive.
func (c *Run) ApplyDefaults() {
	setIfNil := func(p **int, v int) {
		if *p == nil {
			n := v
			*p = &n
		}
	}
	setIfNil(&c.MergeCandidateCount, DefaultMergeCandidateCount)
	setIfNil(&c.InnerLoopBound, DefaultInnerLoopBound)
	setIfNil(&c.OuterLoopBound, DefaultOuterLoopBound)
	setIfNil(&c.StrategySearchBound, DefaultStrategySearchBound)
	setIfNil(&c.Parallelism, DefaultParallelism)
	setIfNil(&c.MaxDebugRetries, DefaultMaxDebugRetries)
	setIfNil(&c.WorkerTimeoutSeconds, DefaultWorkerTimeoutSeconds)
	setIfNil(&c.StepCeiling, DefaultStepCeiling)
	if c.RunsDir == "" {
		c.RunsDir = "runs"
	}
}

// Validate assumes ApplyDefaults has run. Loop bounds accept zero
// (zero-iteration behavior is defined); structural knobs must be
// positive.
func (c *Run) Validate() error {
	nonNegative := []struct {
		name string
		v    *int
	}{
		{"inner_loop_bound", c.InnerLoopBound},
		{"outer_loop_bound", c.OuterLoopBound},
		{"strategy_search_bound", c.StrategySearchBound},
		{"max_debug_retries", c.MaxDebugRetries},
	}
	for _, f := range nonNegative {
		if *f.v < 0 {
			return fmt.Errorf("config: %s must be >= 0, got %d", f.name, *f.v)
		}
	}
	positive := []struct {
		name string
		v    *int
	}{
		{"merge_candidate_count", c.MergeCandidateCount},
		{"parallelism", c.Parallelism},
		{"worker_timeout_seconds", c.WorkerTimeoutSeconds},
		{"step_ceiling", c.StepCeiling},
	}
	for _, f := range positive {
		if *f.v < 1 {
			return fmt.Errorf("config: %s must be >= 1, got %d", f.name, *f.v)
		}
	}
	return nil
}

// Default returns a fully defaulted configuration.
func Default() *Run {
	var cfg Run
	cfg.ApplyDefaults()
	return &cfg
}
