// Package outerloop drives one refinement run: probe the current
// solution for weak spots, summarize, pick a target block, refine it
// with the inner search, and loop until the outer bound. The best
// score never decreases because an inner result is only adopted when
// it strictly improves.
package outerloop

import (
	"context"
	"fmt"
	"time"

	"refinery/internal/config"
	"refinery/internal/graph"
	"refinery/internal/innerloop"
	"refinery/internal/worker"
)

const fallbackPlan = "revise the selected block for better validation performance"

// RefineState is the shared state of the refinement graph.
type RefineState struct {
	Problem  string
	Artifact string
	Score    float64

	ProbeReport string
	Summaries   []string
	Target      string
	// Modified lists blocks already refined; target selection must
	// avoid them.
	Modified  []string
	Iteration int
	Err       string
	Done      bool
}

func (s *RefineState) Failed() bool           { return s.Err != "" }
func (s *RefineState) FailureMessage() string { return s.Err }

func (s *RefineState) fail(format string, args ...any) {
	if s.Err == "" {
		s.Err = fmt.Sprintf(format, args...)
	}
}

// Runner wires the refinement graph to its collaborators.
type Runner struct {
	Workers  worker.Roster
	Sandbox  worker.Sandbox
	Config   *config.Run
	Progress func(map[string]any)
}

func (r *Runner) timeout() time.Duration {
	return time.Duration(*r.Config.WorkerTimeoutSeconds) * time.Second
}

// Run refines artifact (scored score) for up to OuterLoopBound cycles.
func (r *Runner) Run(ctx context.Context, problem, artifact string, score float64) (*RefineState, error) {
	bound := *r.Config.OuterLoopBound
	def := graph.Definition[*RefineState]{
		Entry: "probe",
		Nodes: map[string]graph.NodeFn[*RefineState]{
			"probe":         r.probe,
			"summarize":     r.summarize,
			"select_target": r.selectTarget,
			"refine_inner":  r.refineInner,
		},
		Edges: []graph.Edge[*RefineState]{
			{From: "probe", To: "summarize"},
			{From: "summarize", To: "select_target"},
			{From: "select_target", To: "refine_inner"},
			{From: "refine_inner", To: "probe", When: func(s *RefineState) bool {
				return s.Iteration < bound && !s.Done
			}},
		},
	}
	initial := &RefineState{Problem: problem, Artifact: artifact, Score: score}
	if bound == 0 {
		// Zero cycles: the seed passes through untouched.
		initial.Done = true
		return initial, nil
	}
	return graph.Run(ctx, def, initial, graph.Options{
		StepCeiling: *r.Config.StepCeiling,
		Progress:    r.Progress,
	})
}

func (r *Runner) probe(ctx context.Context, s *RefineState) (*RefineState, error) {
	res := worker.Call(ctx, r.Workers.Probe, worker.Request{
		Role:     worker.RoleProbe,
		Problem:  s.Problem,
		Artifact: s.Artifact,
	}, r.timeout())
	if !res.OK {
		s.fail("probe failed: %s", res.FailureReason)
		return s, nil
	}
	s.ProbeReport = res.Artifact
	return s, nil
}

func (r *Runner) summarize(ctx context.Context, s *RefineState) (*RefineState, error) {
	res := worker.Call(ctx, r.Workers.Summarize, worker.Request{
		Role:     worker.RoleSummarize,
		Problem:  s.Problem,
		Artifact: s.ProbeReport,
	}, r.timeout())
	if !res.OK {
		s.fail("summarize failed: %s", res.FailureReason)
		return s, nil
	}
	s.Summaries = append(s.Summaries, res.Artifact)
	return s, nil
}

// selectTarget picks the next block to refine, steering clear of
// blocks refined in earlier cycles.
func (r *Runner) selectTarget(ctx context.Context, s *RefineState) (*RefineState, error) {
	res := worker.Call(ctx, r.Workers.Select, worker.Request{
		Role:     worker.RoleSelect,
		Problem:  s.Problem,
		Artifact: s.Artifact,
		Avoid:    s.Modified,
	}, r.timeout())
	if !res.OK || res.Artifact == "" {
		s.fail("target selection failed: %s", res.FailureReason)
		return s, nil
	}
	s.Target = res.Artifact
	return s, nil
}

func (r *Runner) refineInner(ctx context.Context, s *RefineState) (*RefineState, error) {
	search := &innerloop.Search{
		Refine:   r.Workers.Refine,
		Plan:     r.Workers.Plan,
		Debug:    r.Workers.Debug,
		Sandbox:  r.Sandbox,
		Config:   r.Config,
		Progress: r.Progress,
	}
	out, err := search.Run(ctx, innerloop.Input{
		Problem:      s.Problem,
		Base:         s.Artifact,
		Target:       s.Target,
		InitialPlan:  r.initialPlan(ctx, s),
		InitialScore: &s.Score,
		Bound:        *r.Config.InnerLoopBound,
	})
	if err != nil {
		return s, err
	}
	if out.Improved {
		s.Artifact = out.Best.Artifact
		s.Score = out.BestScore
		s.Modified = append(s.Modified, s.Target)
	}
	s.Iteration++
	if r.Progress != nil {
		r.Progress(map[string]any{
			"event":     "outer_iteration",
			"iteration": s.Iteration,
			"improved":  out.Improved,
			"score":     s.Score,
		})
	}
	return s, nil
}

func (r *Runner) initialPlan(ctx context.Context, s *RefineState) string {
	res := worker.Call(ctx, r.Workers.Plan, worker.Request{
		Role:     worker.RolePlan,
		Problem:  s.Problem,
		Artifact: s.Artifact,
		Block:    s.Target,
	}, r.timeout())
	if !res.OK || res.Artifact == "" {
		return fallbackPlan
	}
	return res.Artifact
}
