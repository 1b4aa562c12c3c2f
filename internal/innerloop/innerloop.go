// Package innerloop runs the bounded plan/realize/evaluate search that
// refines one code block of a solution. Each iteration realizes the
// current plan into a replacement block, substitutes it into the base
// artifact, scores the result, then asks for a new plan informed by
// the attempt history.
package innerloop

import (
	"context"
	"math"
	"time"

	"refinery/internal/config"
	"refinery/internal/state"
	"refinery/internal/textpatch"
	"refinery/internal/worker"
)

// Input parameterizes one search.
type Input struct {
	Problem string
	// Base is the full artifact being refined.
	Base string
	// Target is the block within Base the search replaces.
	Target string
	// InitialPlan seeds the first iteration.
	InitialPlan string
	// InitialScore is the base artifact's score, when known. Improved
	// compares against it, or against -Inf when unset.
	InitialScore *float64
	// Bound caps iterations. Zero means no attempts and no worker
	// calls.
	Bound int
}

// Outcome reports every attempt plus the winner. Best is nil when no
// attempt was recorded; BestScore then falls back to InitialScore or
// -Inf.
type Outcome struct {
	Attempts  []state.Attempt
	Best      *state.Attempt
	BestScore float64
	Improved  bool
}

// Search binds the loop to its collaborators.
type Search struct {
	Refine   worker.Worker
	Plan     worker.Worker
	Debug    worker.Worker
	Sandbox  worker.Sandbox
	Config   *config.Run
	Progress func(map[string]any)
}

func (s *Search) timeout() time.Duration {
	return time.Duration(*s.Config.WorkerTimeoutSeconds) * time.Second
}

// Run executes at most in.Bound iterations and selects the best
// attempt by stable argmax: the earliest of equal scores wins.
func (s *Search) Run(ctx context.Context, in Input) (Outcome, error) {
	attempts := make([]state.Attempt, 0, in.Bound)
	plan := in.InitialPlan

	for i := 0; i < in.Bound; i++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		s.emit(map[string]any{"event": "inner_iteration", "iteration": i, "plan": plan})

		block, ok := s.realize(ctx, in, plan)
		if ok {
			patched := textpatch.Substitute(in.Base, in.Target, block, 0)
			artifact, score, err := s.evaluate(ctx, in.Problem, patched.Artifact)
			if err != nil {
				return Outcome{}, err
			}
			attempts = append(attempts, state.Attempt{
				Plan:      plan,
				Patch:     block,
				Artifact:  artifact,
				Score:     score,
				Iteration: i,
			})
		}

		if i < in.Bound-1 {
			plan = s.nextPlan(ctx, in, plan, attempts)
		}
	}

	return selectOutcome(attempts, in.InitialScore), nil
}

// realize turns the plan into a replacement block. A failed refine
// worker skips the iteration without recording an attempt.
func (s *Search) realize(ctx context.Context, in Input, plan string) (string, bool) {
	res := worker.Call(ctx, s.Refine, worker.Request{
		Role:     worker.RoleRefine,
		Problem:  in.Problem,
		Artifact: in.Base,
		Block:    in.Target,
		Plan:     plan,
	}, s.timeout())
	if !res.OK || res.Artifact == "" {
		s.emit(map[string]any{"event": "refine_skipped", "reason": res.FailureReason})
		return "", false
	}
	return res.Artifact, true
}

// evaluate scores an artifact in the sandbox. When the run fails with
// diagnostics, the debug worker gets up to MaxDebugRetries corrective
// round trips; exhaustion scores the attempt -Inf.
func (s *Search) evaluate(ctx context.Context, problem, artifact string) (string, float64, error) {
	ex, err := worker.Run(ctx, s.Sandbox, artifact, s.timeout())
	if err != nil {
		return "", 0, err
	}
	if ex.Score != nil {
		return artifact, *ex.Score, nil
	}

	diag := ex.Stderr
	for retry := 0; retry < *s.Config.MaxDebugRetries && diag != ""; retry++ {
		res := worker.Call(ctx, s.Debug, worker.Request{
			Role:        worker.RoleDebug,
			Problem:     problem,
			Artifact:    artifact,
			Diagnostics: diag,
		}, s.timeout())
		if !res.OK || res.Artifact == "" {
			break
		}
		artifact = res.Artifact
		ex, err = worker.Run(ctx, s.Sandbox, artifact, s.timeout())
		if err != nil {
			return "", 0, err
		}
		if ex.Score != nil {
			return artifact, *ex.Score, nil
		}
		diag = ex.Stderr
	}
	return artifact, math.Inf(-1), nil
}

func (s *Search) nextPlan(ctx context.Context, in Input, current string, history []state.Attempt) string {
	res := worker.Call(ctx, s.Plan, worker.Request{
		Role:     worker.RolePlan,
		Problem:  in.Problem,
		Artifact: in.Base,
		Block:    in.Target,
		History:  history,
	}, s.timeout())
	if !res.OK || res.Artifact == "" {
		// Keep the current plan rather than losing the iteration.
		return current
	}
	return res.Artifact
}

func selectOutcome(attempts []state.Attempt, initial *float64) Outcome {
	out := Outcome{Attempts: attempts}
	idx := state.BestAttempt(attempts)
	if idx < 0 {
		if initial != nil {
			out.BestScore = *initial
		} else {
			out.BestScore = math.Inf(-1)
		}
		return out
	}
	baseline := math.Inf(-1)
	if initial != nil {
		baseline = *initial
	}
	best := attempts[idx]
	out.Best = &best
	out.BestScore = best.Score
	out.Improved = best.Score > baseline
	return out
}

func (s *Search) emit(ev map[string]any) {
	if s.Progress != nil {
		s.Progress(ev)
	}
}
