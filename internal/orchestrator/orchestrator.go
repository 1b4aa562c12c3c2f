// Package orchestrator runs the full pipeline: build an initial
// solution, refine it in parallel, then search for an ensemble over
// the survivors. A checkpoint is written after every phase so an
// interrupted run resumes where it stopped.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"refinery/internal/config"
	"refinery/internal/ensemble"
	"refinery/internal/initial"
	"refinery/internal/outerloop"
	"refinery/internal/progress"
	"refinery/internal/runstore"
	"refinery/internal/state"
	"refinery/internal/worker"
)

// Finalizer post-processes the winning artifact (submission
// generation and the like). Optional; a failure is a warning, never a
// pipeline error.
type Finalizer interface {
	Finalize(ctx context.Context, artifact string) (string, error)
}

// Result is the pipeline outcome. Exactly one of FinalArtifact and
// Err is non-empty; FinalScore is set alongside FinalArtifact.
type Result struct {
	RunID         string
	FinalArtifact string
	FinalScore    *float64
	Err           string
	Warnings      []string
}

// Orchestrator binds the pipeline to its collaborators. Store and
// Progress may be nil; they default to in-memory and discard.
type Orchestrator struct {
	Workers   worker.Roster
	Sandbox   worker.Sandbox
	Config    *config.Run
	Store     runstore.Store
	Progress  progress.Sink
	Finalizer Finalizer
}

// NewRunID mints a ULID run identifier.
func NewRunID() string { return ulid.Make().String() }

func (o *Orchestrator) validate() error {
	if err := o.Workers.Validate(); err != nil {
		return err
	}
	if o.Sandbox == nil {
		return fmt.Errorf("orchestrator: sandbox is not bound")
	}
	if o.Config == nil {
		return fmt.Errorf("orchestrator: config is required")
	}
	if o.Store == nil {
		o.Store = runstore.NewMemStore()
	}
	if o.Progress == nil {
		o.Progress = progress.Discard
	}
	return nil
}

// Run executes a fresh pipeline. An empty runID mints one.
func (o *Orchestrator) Run(ctx context.Context, runID, problem string) (*Result, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	if runID == "" {
		runID = NewRunID()
	}
	if err := o.Store.Create(runID); err != nil {
		return nil, err
	}
	return o.run(ctx, runID, problem, nil)
}

// Resume continues a checkpointed run, skipping completed phases.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*Result, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	cp, err := o.Store.LoadCheckpoint(runID)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, runID, cp.Problem, cp)
}

func (o *Orchestrator) run(ctx context.Context, runID, problem string, cp *state.Checkpoint) (*Result, error) {
	res := &Result{RunID: runID}
	sink := o.runSink(runID)

	p1, failed, err := o.phase1(ctx, runID, problem, cp, res, sink)
	if err != nil {
		return nil, err
	}
	if failed {
		return res, nil
	}

	survivors, failed, err := o.phase2(ctx, runID, problem, cp, p1, res, sink)
	if err != nil {
		return nil, err
	}
	if failed {
		return res, nil
	}

	if err := o.phase3(ctx, runID, problem, cp, p1, survivors, res, sink); err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) phase1(ctx context.Context, runID, problem string, cp *state.Checkpoint, res *Result, sink func(map[string]any)) (*state.PhaseArtifact, bool, error) {
	if cp != nil && cp.Phase >= 1 {
		sink(map[string]any{"event": "phase_skipped", "phase": 1})
		return cp.Phase1, false, nil
	}
	sink(map[string]any{"event": "phase_started", "phase": 1})

	runner := &initial.Runner{Workers: o.Workers, Sandbox: o.Sandbox, Config: o.Config, Progress: sink}
	st, err := runner.Run(ctx, problem)
	if err != nil {
		return nil, false, err
	}
	res.Warnings = append(res.Warnings, st.Warnings...)
	if st.Failed() {
		return nil, true, o.finishFailed(runID, res, fmt.Sprintf("phase 1: %s", st.FailureMessage()))
	}

	p1 := &state.PhaseArtifact{
		Artifact:    st.Artifact,
		Score:       st.Score,
		Fingerprint: state.Fingerprint(st.Artifact),
	}
	if err := o.checkpoint(runID, problem, 1, p1, nil, nil); err != nil {
		return nil, false, err
	}
	sink(map[string]any{"event": "phase_completed", "phase": 1, "score": deref(p1.Score), "fingerprint": p1.Fingerprint})
	return p1, false, nil
}

// phase2 fans out Parallelism independent refinement runs seeded from
// the phase 1 artifact. A failed branch is discarded; every branch
// failing fails the pipeline.
func (o *Orchestrator) phase2(ctx context.Context, runID, problem string, cp *state.Checkpoint, p1 *state.PhaseArtifact, res *Result, sink func(map[string]any)) ([]state.PhaseArtifact, bool, error) {
	if cp != nil && cp.Phase >= 2 {
		sink(map[string]any{"event": "phase_skipped", "phase": 2})
		return cp.Phase2, false, nil
	}
	sink(map[string]any{"event": "phase_started", "phase": 2})

	k := *o.Config.Parallelism
	type branch struct {
		st  *outerloop.RefineState
		err error
	}
	branches := make([]branch, k)

	var g errgroup.Group
	for i := 0; i < k; i++ {
		g.Go(func() error {
			bsink := func(ev map[string]any) {
				ev["branch"] = i
				sink(ev)
			}
			runner := &outerloop.Runner{Workers: o.Workers, Sandbox: o.Sandbox, Config: o.Config, Progress: bsink}
			st, err := runner.Run(ctx, problem, p1.Artifact, deref(p1.Score))
			branches[i] = branch{st: st, err: err}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	var survivors []state.PhaseArtifact
	for i, b := range branches {
		switch {
		case b.err != nil:
			res.Warnings = append(res.Warnings, fmt.Sprintf("phase 2 branch %d: %v", i, b.err))
		case b.st.Failed():
			res.Warnings = append(res.Warnings, fmt.Sprintf("phase 2 branch %d: %s", i, b.st.FailureMessage()))
		default:
			survivors = append(survivors, state.PhaseArtifact{
				Artifact:    b.st.Artifact,
				Score:       state.ScorePtr(b.st.Score),
				Fingerprint: state.Fingerprint(b.st.Artifact),
			})
		}
	}
	if len(survivors) == 0 {
		return nil, true, o.finishFailed(runID, res, "phase 2: all refinement runs failed")
	}
	if err := o.checkpoint(runID, problem, 2, p1, survivors, nil); err != nil {
		return nil, false, err
	}
	sink(map[string]any{"event": "phase_completed", "phase": 2, "survivors": len(survivors)})
	return survivors, false, nil
}

// phase3 searches for an ensemble; failure or non-improvement falls
// back to the best individual survivor.
func (o *Orchestrator) phase3(ctx context.Context, runID, problem string, cp *state.Checkpoint, p1 *state.PhaseArtifact, survivors []state.PhaseArtifact, res *Result, sink func(map[string]any)) error {
	var p3 *state.PhaseArtifact
	if cp != nil && cp.Phase >= 3 {
		sink(map[string]any{"event": "phase_skipped", "phase": 3})
		p3 = cp.Phase3
	} else {
		sink(map[string]any{"event": "phase_started", "phase": 3})
		p3 = o.runEnsemble(ctx, problem, survivors, res, sink)
		if p3 == nil {
			// Only ctx cancellation leaves no artifact at all.
			return ctx.Err()
		}
		if err := o.checkpoint(runID, problem, 3, p1, survivors, p3); err != nil {
			return err
		}
		sink(map[string]any{"event": "phase_completed", "phase": 3, "score": deref(p3.Score), "fingerprint": p3.Fingerprint})
	}

	artifact := p3.Artifact
	if o.Finalizer != nil {
		out, err := o.Finalizer.Finalize(ctx, artifact)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("finalizer: %v", err))
		} else if out != "" {
			artifact = out
		}
	}

	res.FinalArtifact = artifact
	res.FinalScore = p3.Score
	return o.Store.SaveFinal(runID, &runstore.Final{
		RunID:       runID,
		Artifact:    res.FinalArtifact,
		Score:       res.FinalScore,
		Fingerprint: state.Fingerprint(res.FinalArtifact),
		FinishedAt:  time.Now().UTC(),
	})
}

// runEnsemble returns the phase 3 artifact, falling back to the best
// survivor when the strategy search fails or does not improve on it.
func (o *Orchestrator) runEnsemble(ctx context.Context, problem string, survivors []state.PhaseArtifact, res *Result, sink func(map[string]any)) *state.PhaseArtifact {
	best := bestSurvivor(survivors)

	cands := make([]state.Candidate, len(survivors))
	for i, s := range survivors {
		cands[i] = state.Candidate{
			ID:       fmt.Sprintf("branch-%d", i),
			Artifact: s.Artifact,
			Score:    s.Score,
		}
	}
	runner := &ensemble.Runner{
		Propose:  o.Workers.Propose,
		Combine:  o.Workers.Combine,
		Sandbox:  o.Sandbox,
		Config:   o.Config,
		Progress: sink,
	}
	ens, err := runner.Run(ctx, problem, cands)
	if ctx.Err() != nil {
		return nil
	}
	switch {
	case err != nil:
		res.Warnings = append(res.Warnings, fmt.Sprintf("phase 3: %v; keeping best individual", err))
		return best
	case ens.Artifact == "" || math.IsInf(ens.Score, -1):
		res.Warnings = append(res.Warnings, "phase 3: no scored ensemble; keeping best individual")
		return best
	case best.Score != nil && ens.Score < *best.Score:
		res.Warnings = append(res.Warnings, fmt.Sprintf("phase 3: ensemble %.4f below best individual %.4f; keeping individual", ens.Score, *best.Score))
		return best
	default:
		return &state.PhaseArtifact{
			Artifact:    ens.Artifact,
			Score:       state.ScorePtr(ens.Score),
			Fingerprint: state.Fingerprint(ens.Artifact),
		}
	}
}

func bestSurvivor(survivors []state.PhaseArtifact) *state.PhaseArtifact {
	best := &survivors[0]
	for i := 1; i < len(survivors); i++ {
		s := &survivors[i]
		if s.Score != nil && (best.Score == nil || *s.Score > *best.Score) {
			best = s
		}
	}
	out := *best
	return &out
}

func (o *Orchestrator) checkpoint(runID, problem string, phase int, p1 *state.PhaseArtifact, p2 []state.PhaseArtifact, p3 *state.PhaseArtifact) error {
	return o.Store.SaveCheckpoint(runID, &state.Checkpoint{
		RunID:   runID,
		Phase:   phase,
		Problem: problem,
		Phase1:  p1,
		Phase2:  p2,
		Phase3:  p3,
		SavedAt: time.Now().UTC(),
	})
}

// finishFailed records the failed outcome in both the result and the
// store, preserving the exactly-one-of invariant.
func (o *Orchestrator) finishFailed(runID string, res *Result, msg string) error {
	res.Err = msg
	return o.Store.SaveFinal(runID, &runstore.Final{
		RunID:      runID,
		Err:        msg,
		FinishedAt: time.Now().UTC(),
	})
}

func (o *Orchestrator) runSink(runID string) func(map[string]any) {
	return func(ev map[string]any) {
		ev["run_id"] = runID
		o.Progress.Emit(ev)
	}
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
