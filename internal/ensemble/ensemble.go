// Package ensemble searches for a combination strategy over the
// surviving solutions: propose a strategy conditioned on what was
// already tried, implement and score it, keep the best across all
// iterations.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"refinery/internal/config"
	"refinery/internal/graph"
	"refinery/internal/state"
	"refinery/internal/worker"
)

// ErrNoCandidates is returned when the search is given nothing to
// combine.
var ErrNoCandidates = errors.New("ensemble: no candidates")

// Result is the winning combination.
type Result struct {
	Strategy  string
	Artifact  string
	Score     float64
	Iteration int
}

// SearchState is the shared state of the propose/implement graph.
type SearchState struct {
	Problem    string
	Candidates []state.Candidate
	Strategy   string
	Attempts   []state.Attempt
	Best       *Result
	Iteration  int
	Err        string
	Done       bool
}

func (s *SearchState) Failed() bool           { return s.Err != "" }
func (s *SearchState) FailureMessage() string { return s.Err }

func (s *SearchState) fail(format string, args ...any) {
	if s.Err == "" {
		s.Err = fmt.Sprintf(format, args...)
	}
}

// Runner wires the search to its collaborators.
type Runner struct {
	Propose  worker.Worker
	Combine  worker.Worker
	Sandbox  worker.Sandbox
	Config   *config.Run
	Progress func(map[string]any)
}

func (r *Runner) timeout() time.Duration {
	return time.Duration(*r.Config.WorkerTimeoutSeconds) * time.Second
}

// Run searches for the best combination of candidates. A single
// candidate passes through untouched with zero worker calls; zero
// candidates is an error.
func (r *Runner) Run(ctx context.Context, problem string, candidates []state.Candidate) (*Result, error) {
	switch len(candidates) {
	case 0:
		return nil, ErrNoCandidates
	case 1:
		c := candidates[0]
		score := math.Inf(-1)
		if c.Score != nil {
			score = *c.Score
		}
		return &Result{
			Strategy:  "single candidate, no combination attempted",
			Artifact:  c.Artifact,
			Score:     score,
			Iteration: 1,
		}, nil
	}

	bound := *r.Config.StrategySearchBound
	def := graph.Definition[*SearchState]{
		Entry: "propose",
		Nodes: map[string]graph.NodeFn[*SearchState]{
			"propose":   r.propose,
			"implement": r.implement,
		},
		Edges: []graph.Edge[*SearchState]{
			{From: "propose", To: "implement"},
			{From: "implement", To: "propose", When: func(s *SearchState) bool {
				return s.Iteration < bound && !s.Done
			}},
		},
	}
	initial := &SearchState{Problem: problem, Candidates: candidates}
	if bound == 0 {
		return bestOf(initial), nil
	}
	final, err := graph.Run(ctx, def, initial, graph.Options{
		StepCeiling: *r.Config.StepCeiling,
		Progress:    r.Progress,
	})
	if err != nil {
		return nil, err
	}
	if final.Failed() {
		return nil, errors.New(final.FailureMessage())
	}
	return bestOf(final), nil
}

// propose asks for a combination strategy, conditioned on every prior
// attempt and the per-candidate scores.
func (r *Runner) propose(ctx context.Context, s *SearchState) (*SearchState, error) {
	scores := make(map[string]float64, len(s.Candidates))
	for _, c := range s.Candidates {
		if c.Score != nil {
			scores[c.ID] = *c.Score
		}
	}
	res := worker.Call(ctx, r.Propose, worker.Request{
		Role:       worker.RolePropose,
		Problem:    s.Problem,
		Candidates: s.Candidates,
		History:    s.Attempts,
		Scores:     scores,
	}, r.timeout())
	if !res.OK || res.Artifact == "" {
		s.fail("strategy proposal failed: %s", res.FailureReason)
		return s, nil
	}
	s.Strategy = res.Artifact
	return s, nil
}

// implement realizes the strategy and scores it. Failures score the
// attempt -Inf instead of halting the search; the running best only
// moves on a strictly greater score.
func (r *Runner) implement(ctx context.Context, s *SearchState) (*SearchState, error) {
	score := math.Inf(-1)
	artifact := ""

	res := worker.Call(ctx, r.Combine, worker.Request{
		Role:       worker.RoleCombine,
		Problem:    s.Problem,
		Plan:       s.Strategy,
		Candidates: s.Candidates,
	}, r.timeout())
	if res.OK && res.Artifact != "" {
		artifact = res.Artifact
		ex, err := worker.Run(ctx, r.Sandbox, artifact, r.timeout())
		if err != nil {
			return s, err
		}
		if ex.Score != nil {
			score = *ex.Score
		}
	}

	s.Attempts = append(s.Attempts, state.Attempt{
		Plan:      s.Strategy,
		Artifact:  artifact,
		Score:     score,
		Iteration: s.Iteration,
	})
	if s.Best == nil || score > s.Best.Score {
		s.Best = &Result{
			Strategy:  s.Strategy,
			Artifact:  artifact,
			Score:     score,
			Iteration: s.Iteration + 1,
		}
	}
	s.Iteration++
	if r.Progress != nil {
		r.Progress(map[string]any{
			"event":     "ensemble_iteration",
			"iteration": s.Iteration,
			"score":     score,
		})
	}
	return s, nil
}

func bestOf(s *SearchState) *Result {
	if s.Best != nil {
		return s.Best
	}
	return &Result{Strategy: "no strategies attempted", Score: math.Inf(-1)}
}
