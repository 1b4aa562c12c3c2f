// Package initial builds the first working solution: retrieve
// candidate approaches, evaluate them, merge the best greedily, then
// run advisory correctness checks. Every node short-circuits on the
// state's sticky error.
package initial

import (
	"context"
	"fmt"
	"time"

	"refinery/internal/config"
	"refinery/internal/graph"
	"refinery/internal/state"
	"refinery/internal/worker"
)

// PipelineState is the shared state of the initial-solution graph.
type PipelineState struct {
	Problem    string
	Candidates []state.Candidate
	Artifact   string
	Score      *float64
	Included   []string
	Lineage    []string
	Warnings   []string
	Err        string
	Done       bool
}

func (s *PipelineState) Failed() bool           { return s.Err != "" }
func (s *PipelineState) FailureMessage() string { return s.Err }

func (s *PipelineState) fail(format string, args ...any) {
	if s.Err == "" {
		s.Err = fmt.Sprintf(format, args...)
	}
}

func (s *PipelineState) warn(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// Runner wires the graph to its collaborators.
type Runner struct {
	Workers  worker.Roster
	Sandbox  worker.Sandbox
	Config   *config.Run
	Progress func(map[string]any)
}

func (r *Runner) timeout() time.Duration {
	return time.Duration(*r.Config.WorkerTimeoutSeconds) * time.Second
}

// Run executes retrieve, evaluate, merge, leakage check, usage check.
// A graph-level error (ceiling, ctx) is returned as err; domain
// failures land in the state's sticky error.
func (r *Runner) Run(ctx context.Context, problem string) (*PipelineState, error) {
	def := graph.Definition[*PipelineState]{
		Entry: "retrieve",
		Nodes: map[string]graph.NodeFn[*PipelineState]{
			"retrieve":      r.retrieve,
			"evaluate":      r.evaluate,
			"merge":         r.merge,
			"check_leakage": r.check(worker.RoleCheckLeakage),
			"check_usage":   r.check(worker.RoleCheckUsage),
		},
		Edges: []graph.Edge[*PipelineState]{
			{From: "retrieve", To: "evaluate"},
			{From: "evaluate", To: "merge"},
			{From: "merge", To: "check_leakage"},
			{From: "check_leakage", To: "check_usage"},
		},
	}
	return graph.Run(ctx, def, &PipelineState{Problem: problem}, graph.Options{
		StepCeiling: *r.Config.StepCeiling,
		Progress:    r.Progress,
	})
}

func (r *Runner) retrieve(ctx context.Context, s *PipelineState) (*PipelineState, error) {
	res := worker.Call(ctx, r.Workers.Retrieve, worker.Request{
		Role:    worker.RoleRetrieve,
		Problem: s.Problem,
	}, r.timeout())
	if !res.OK {
		s.fail("retrieval failed: %s", res.FailureReason)
		return s, nil
	}
	cands := res.Candidates
	if max := *r.Config.MergeCandidateCount; len(cands) > max {
		cands = cands[:max]
	}
	if len(cands) == 0 {
		s.fail("retrieval produced no candidates")
		return s, nil
	}
	for i := range cands {
		if cands[i].ID == "" {
			cands[i].ID = fmt.Sprintf("cand-%d", i+1)
		}
	}
	s.Candidates = cands
	return s, nil
}

// evaluate realizes and scores each candidate. Evaluation failures
// leave the candidate unscored; it drops out at merge time.
func (r *Runner) evaluate(ctx context.Context, s *PipelineState) (*PipelineState, error) {
	scored := 0
	for i := range s.Candidates {
		c := &s.Candidates[i]
		res := worker.Call(ctx, r.Workers.Evaluate, worker.Request{
			Role:     worker.RoleEvaluate,
			Problem:  s.Problem,
			Artifact: c.Artifact,
		}, r.timeout())
		if !res.OK {
			s.warn("candidate %s: evaluation failed: %s", c.ID, res.FailureReason)
			continue
		}
		if res.Artifact != "" {
			c.Artifact = res.Artifact
		}
		ex, err := worker.Run(ctx, r.Sandbox, c.Artifact, r.timeout())
		if err != nil {
			return s, err
		}
		if ex.Score == nil {
			s.warn("candidate %s: no score reported (exit %d)", c.ID, ex.ExitCode)
			continue
		}
		c.Score = ex.Score
		scored++
	}
	if scored == 0 {
		s.fail("no candidate produced a validation score")
	}
	return s, nil
}

func (r *Runner) merge(ctx context.Context, s *PipelineState) (*PipelineState, error) {
	result, err := GreedyMerge(ctx, s.Candidates, r.combine(s.Problem))
	if err != nil {
		if ctx.Err() != nil {
			return s, err
		}
		s.fail("merge failed: %v", err)
		return s, nil
	}
	s.Artifact = result.Artifact
	s.Score = &result.Score
	s.Included = result.Included
	s.Lineage = result.Lineage
	return s, nil
}

func (r *Runner) combine(problem string) CombineFunc {
	return func(ctx context.Context, current, next state.Candidate) (state.Candidate, error) {
		res := worker.Call(ctx, r.Workers.Combine, worker.Request{
			Role:     worker.RoleCombine,
			Problem:  problem,
			Artifact: current.Artifact,
			Partner:  next.Artifact,
		}, r.timeout())
		if !res.OK {
			return state.Candidate{}, fmt.Errorf("combine %s+%s: %s", current.ID, next.ID, res.FailureReason)
		}
		ex, err := worker.Run(ctx, r.Sandbox, res.Artifact, r.timeout())
		if err != nil {
			return state.Candidate{}, err
		}
		return state.Candidate{Artifact: res.Artifact, Score: ex.Score}, nil
	}
}

// check builds an advisory checker node. A checker may hand back a
// corrected artifact; its failure is a warning, never fatal.
func (r *Runner) check(role worker.Role) graph.NodeFn[*PipelineState] {
	return func(ctx context.Context, s *PipelineState) (*PipelineState, error) {
		var w worker.Worker
		switch role {
		case worker.RoleCheckLeakage:
			w = r.Workers.CheckLeakage
		default:
			w = r.Workers.CheckUsage
		}
		res := worker.Call(ctx, w, worker.Request{
			Role:     role,
			Problem:  s.Problem,
			Artifact: s.Artifact,
		}, r.timeout())
		if !res.OK {
			s.warn("%s check failed: %s", role, res.FailureReason)
		} else if res.Artifact != "" && res.Artifact != s.Artifact {
			s.Artifact = res.Artifact
		}
		if role == worker.RoleCheckUsage {
			s.Done = true
		}
		return s, nil
	}
}
