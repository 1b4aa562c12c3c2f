package outerloop

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"refinery/internal/config"
	"refinery/internal/state"
	"refinery/internal/worker"
)

func okWorker(fn func(req worker.Request) worker.Result) worker.Worker {
	return worker.Func(func(ctx context.Context, req worker.Request) (worker.Result, error) {
		return fn(req), nil
	})
}

func constWorker(artifact string) worker.Worker {
	return okWorker(func(worker.Request) worker.Result {
		return worker.Result{WorkerResult: state.WorkerResult{OK: true, Artifact: artifact}}
	})
}

func failWorker(reason string) worker.Worker {
	return okWorker(func(worker.Request) worker.Result {
		return worker.Result{WorkerResult: state.Failure("%s", reason)}
	})
}

// selectAvoiding picks the first of blocks not present in the avoid
// set, mirroring how a real selector must steer around refined blocks.
func selectAvoiding(t *testing.T, blocks []string, seen *[][]string) worker.Worker {
	return okWorker(func(req worker.Request) worker.Result {
		avoid := append([]string(nil), req.Avoid...)
		*seen = append(*seen, avoid)
		for _, b := range blocks {
			skip := false
			for _, a := range avoid {
				if a == b {
					skip = true
					break
				}
			}
			if !skip {
				return worker.Result{WorkerResult: state.WorkerResult{OK: true, Artifact: b}}
			}
		}
		t.Fatalf("no selectable block left, avoid = %v", avoid)
		return worker.Result{}
	})
}

// refineByTarget realizes a canned replacement for each target block.
func refineByTarget(repl map[string]string) worker.Worker {
	return okWorker(func(req worker.Request) worker.Result {
		r, ok := repl[req.Block]
		if !ok {
			return worker.Result{WorkerResult: state.Failure("no replacement for %q", req.Block)}
		}
		return worker.Result{WorkerResult: state.WorkerResult{OK: true, Artifact: r}}
	})
}

// scoreByArtifact scores known artifacts and fails execution for
// anything else.
func scoreByArtifact(scores map[string]float64) worker.Sandbox {
	return worker.SandboxFunc(func(ctx context.Context, artifact string) (worker.Exec, error) {
		sc, ok := scores[artifact]
		if !ok {
			return worker.Exec{Stderr: "unexpected artifact", ExitCode: 1}, nil
		}
		return worker.Exec{Score: state.ScorePtr(sc)}, nil
	})
}

func testConfig(outer, inner int) *config.Run {
	cfg := config.Default()
	cfg.OuterLoopBound = &outer
	cfg.InnerLoopBound = &inner
	zero := 0
	cfg.MaxDebugRetries = &zero
	return cfg
}

func TestRunRefinesEachBlockOnce(t *testing.T) {
	var avoidSeen [][]string
	r := &Runner{
		Workers: worker.Roster{
			Probe:     constWorker("probe report"),
			Summarize: constWorker("summary"),
			Select:    selectAvoiding(t, []string{"alpha line", "beta line"}, &avoidSeen),
			Refine: refineByTarget(map[string]string{
				"alpha line": "alpha improved",
				"beta line":  "beta improved",
			}),
			Plan:  constWorker("tighten the block"),
			Debug: failWorker("unused"),
		},
		Sandbox: scoreByArtifact(map[string]float64{
			"alpha improved\nbeta line":     0.7,
			"alpha improved\nbeta improved": 0.9,
		}),
		Config: testConfig(2, 1),
	}

	st, err := r.Run(context.Background(), "p", "alpha line\nbeta line", 0.5)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Failed() {
		t.Fatalf("run failed: %s", st.FailureMessage())
	}
	if st.Artifact != "alpha improved\nbeta improved" {
		t.Fatalf("Artifact = %q", st.Artifact)
	}
	if st.Score != 0.9 {
		t.Fatalf("Score = %v, want 0.9", st.Score)
	}
	if st.Iteration != 2 {
		t.Fatalf("Iteration = %d, want 2", st.Iteration)
	}
	wantModified := []string{"alpha line", "beta line"}
	if diff := cmp.Diff(wantModified, st.Modified); diff != "" {
		t.Fatalf("Modified mismatch (-want +got):\n%s", diff)
	}
	wantAvoid := [][]string{nil, {"alpha line"}}
	if diff := cmp.Diff(wantAvoid, avoidSeen); diff != "" {
		t.Fatalf("avoid sets mismatch (-want +got):\n%s", diff)
	}
}

func TestRunKeepsBestOnNonImprovement(t *testing.T) {
	var avoidSeen [][]string
	r := &Runner{
		Workers: worker.Roster{
			Probe:     constWorker("probe report"),
			Summarize: constWorker("summary"),
			Select:    selectAvoiding(t, []string{"alpha line", "beta line"}, &avoidSeen),
			Refine: refineByTarget(map[string]string{
				"alpha line": "alpha improved",
				"beta line":  "beta regressed",
			}),
			Plan:  constWorker("tighten the block"),
			Debug: failWorker("unused"),
		},
		Sandbox: scoreByArtifact(map[string]float64{
			"alpha improved\nbeta line":      0.7,
			"alpha improved\nbeta regressed": 0.4,
		}),
		Config: testConfig(2, 1),
	}

	st, err := r.Run(context.Background(), "p", "alpha line\nbeta line", 0.5)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Score != 0.7 {
		t.Fatalf("Score = %v, want the earlier 0.7 retained", st.Score)
	}
	if st.Artifact != "alpha improved\nbeta line" {
		t.Fatalf("Artifact = %q, want the improving cycle retained", st.Artifact)
	}
	if diff := cmp.Diff([]string{"alpha line"}, st.Modified); diff != "" {
		t.Fatalf("Modified mismatch (-want +got):\n%s", diff)
	}
	if st.Iteration != 2 {
		t.Fatalf("Iteration = %d, want both cycles counted", st.Iteration)
	}
}

func TestRunZeroBoundPassesThrough(t *testing.T) {
	boom := okWorker(func(worker.Request) worker.Result {
		t.Fatalf("worker called with zero outer bound")
		return worker.Result{}
	})
	r := &Runner{
		Workers: worker.Roster{
			Probe: boom, Summarize: boom, Select: boom,
			Refine: boom, Plan: boom, Debug: boom,
		},
		Sandbox: worker.SandboxFunc(func(ctx context.Context, artifact string) (worker.Exec, error) {
			t.Fatalf("sandbox called with zero outer bound")
			return worker.Exec{}, nil
		}),
		Config: testConfig(0, 1),
	}

	st, err := r.Run(context.Background(), "p", "seed", 0.5)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Artifact != "seed" || st.Score != 0.5 || !st.Done {
		t.Fatalf("state = %+v, want the seed passed through", st)
	}
}

func TestRunProbeFailureHaltsCycle(t *testing.T) {
	r := &Runner{
		Workers: worker.Roster{
			Probe: failWorker("probe broke down"),
			Summarize: okWorker(func(worker.Request) worker.Result {
				t.Fatalf("summarize ran after probe failure")
				return worker.Result{}
			}),
		},
		Config: testConfig(2, 1),
	}

	st, err := r.Run(context.Background(), "p", "seed", 0.5)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !st.Failed() {
		t.Fatalf("state not failed after probe failure")
	}
	if !strings.Contains(st.FailureMessage(), "probe broke down") {
		t.Fatalf("failure message = %q", st.FailureMessage())
	}
	if st.Artifact != "seed" || st.Score != 0.5 {
		t.Fatalf("artifact/score disturbed: %q %v", st.Artifact, st.Score)
	}
}

func TestRunInitialPlanFallsBack(t *testing.T) {
	var plansSeen []string
	r := &Runner{
		Workers: worker.Roster{
			Probe:     constWorker("probe report"),
			Summarize: constWorker("summary"),
			Select:    constWorker("seed"),
			Refine: okWorker(func(req worker.Request) worker.Result {
				plansSeen = append(plansSeen, req.Plan)
				return worker.Result{WorkerResult: state.WorkerResult{OK: true, Artifact: "patched"}}
			}),
			Plan:  failWorker("planner offline"),
			Debug: failWorker("unused"),
		},
		Sandbox: scoreByArtifact(map[string]float64{"patched": 0.6}),
		Config:  testConfig(1, 1),
	}

	st, err := r.Run(context.Background(), "p", "seed", 0.5)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Failed() {
		t.Fatalf("run failed: %s", st.FailureMessage())
	}
	if len(plansSeen) != 1 || plansSeen[0] != fallbackPlan {
		t.Fatalf("plans = %v, want the fallback plan", plansSeen)
	}
	if st.Score != 0.6 {
		t.Fatalf("Score = %v, want the improved 0.6", st.Score)
	}
}
