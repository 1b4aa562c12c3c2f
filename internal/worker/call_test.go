package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"refinery/internal/state"
)

func TestCallNormalizesFailures(t *testing.T) {
	cases := []struct {
		name       string
		w          Worker
		wantOK     bool
		wantReason string
	}{
		{
			name: "provider error",
			w: Func(func(ctx context.Context, req Request) (Result, error) {
				return Result{}, errors.New("transport down")
			}),
			wantOK:     false,
			wantReason: "transport down",
		},
		{
			name: "invalid envelope",
			w: Func(func(ctx context.Context, req Request) (Result, error) {
				// ok=false without a reason violates the contract.
				return Result{WorkerResult: state.WorkerResult{OK: false}}, nil
			}),
			wantOK:     false,
			wantReason: "failure_reason",
		},
		{
			name: "valid success",
			w: Func(func(ctx context.Context, req Request) (Result, error) {
				return Result{WorkerResult: state.WorkerResult{OK: true, Artifact: "out"}}, nil
			}),
			wantOK: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Call(context.Background(), tc.w, Request{Role: RoleRefine}, time.Second)
			if res.OK != tc.wantOK {
				t.Fatalf("OK = %v, want %v (reason %q)", res.OK, tc.wantOK, res.FailureReason)
			}
			if tc.wantReason != "" && !strings.Contains(res.FailureReason, tc.wantReason) {
				t.Fatalf("FailureReason = %q, want it to contain %q", res.FailureReason, tc.wantReason)
			}
		})
	}
}

func TestCallTimeoutBecomesFailedResult(t *testing.T) {
	slow := Func(func(ctx context.Context, req Request) (Result, error) {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return Result{WorkerResult: state.WorkerResult{OK: true}}, nil
		}
	})
	start := time.Now()
	res := Call(context.Background(), slow, Request{Role: RoleProbe}, 20*time.Millisecond)
	if time.Since(start) > time.Second {
		t.Fatalf("Call did not respect the deadline")
	}
	if res.OK {
		t.Fatalf("timed-out call reported OK")
	}
	if !strings.Contains(res.FailureReason, "timed out") {
		t.Fatalf("FailureReason = %q, want timeout mention", res.FailureReason)
	}
}

func TestCallCancellationIsNotATimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := Func(func(ctx context.Context, req Request) (Result, error) {
		return Result{}, ctx.Err()
	})
	res := Call(ctx, w, Request{Role: RoleProbe}, time.Second)
	if res.OK {
		t.Fatalf("canceled call reported OK")
	}
	if strings.Contains(res.FailureReason, "timed out") {
		t.Fatalf("FailureReason = %q, cancellation misreported as timeout", res.FailureReason)
	}
	if !strings.Contains(res.FailureReason, "canceled") {
		t.Fatalf("FailureReason = %q, want cancellation mention", res.FailureReason)
	}
}

func TestRunSandboxTimeoutIsNonFatal(t *testing.T) {
	slow := SandboxFunc(func(ctx context.Context, artifact string) (Exec, error) {
		select {
		case <-ctx.Done():
			return Exec{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return Exec{Stdout: "done"}, nil
		}
	})
	ex, err := Run(context.Background(), slow, "artifact", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.Score != nil {
		t.Fatalf("timed-out execution produced a score")
	}
	if ex.ExitCode != -1 {
		t.Fatalf("ExitCode = %d, want -1", ex.ExitCode)
	}
}

func TestRunExtractsScoreFromStdout(t *testing.T) {
	sb := SandboxFunc(func(ctx context.Context, artifact string) (Exec, error) {
		return Exec{Stdout: "epoch 1\nFinal Validation Performance: 0.8123\n"}, nil
	})
	ex, err := Run(context.Background(), sb, "artifact", time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.Score == nil || *ex.Score != 0.8123 {
		t.Fatalf("Score = %v, want 0.8123", ex.Score)
	}
}

func TestExtractScore(t *testing.T) {
	cases := []struct {
		name   string
		stdout string
		want   *float64
	}{
		{"absent", "no score here", nil},
		{"simple", "Final Validation Performance: 0.75", state.ScorePtr(0.75)},
		{"scientific", "Final Validation Performance: 1.5e-3", state.ScorePtr(0.0015)},
		{"negative", "Final Validation Performance: -0.25", state.ScorePtr(-0.25)},
		{
			"last occurrence wins",
			"Final Validation Performance: 0.1\nretrying\nFinal Validation Performance: 0.9\n",
			state.ScorePtr(0.9),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractScore(tc.stdout)
			if (got == nil) != (tc.want == nil) {
				t.Fatalf("ExtractScore = %v, want %v", got, tc.want)
			}
			if got != nil && *got != *tc.want {
				t.Fatalf("ExtractScore = %v, want %v", *got, *tc.want)
			}
		})
	}
}

func TestRosterValidate(t *testing.T) {
	p := NewSimulatedProvider("test-run")
	full := p.Roster()
	if err := full.Validate(); err != nil {
		t.Fatalf("full roster: %v", err)
	}
	missing := full
	missing.Debug = nil
	if err := missing.Validate(); err == nil {
		t.Fatalf("roster with unbound slot validated")
	}
}

func TestSimulatedProviderDeterministic(t *testing.T) {
	a := NewSimulatedProvider("same-seed")
	b := NewSimulatedProvider("same-seed")
	for i := 0; i < 5; i++ {
		if sa, sb := a.nextScore(), b.nextScore(); sa != sb {
			t.Fatalf("score %d diverged: %v vs %v", i, sa, sb)
		}
	}
}

func TestSimulatedProviderSandboxIsConcurrencySafe(t *testing.T) {
	// One provider's sandbox is shared by every parallel branch of a
	// run; hammer it from several goroutines and check the score walk
	// stays well formed. The race detector flags unguarded access.
	p := NewSimulatedProvider("parallel-run")
	sb := p.Sandbox()

	var wg sync.WaitGroup
	scores := make([][]float64, 8)
	for g := range scores {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ex, err := sb.Execute(context.Background(), "artifact")
				if err != nil || ex.Score == nil {
					t.Errorf("Execute: err=%v score=%v", err, ex.Score)
					return
				}
				scores[g] = append(scores[g], *ex.Score)
			}
		}(g)
	}
	wg.Wait()

	for g, got := range scores {
		for i, s := range got {
			if s < 0.5 || s > 0.99 {
				t.Fatalf("goroutine %d score %d = %v, outside [0.5, 0.99]", g, i, s)
			}
			if i > 0 && s < got[i-1] {
				t.Fatalf("goroutine %d score regressed: %v after %v", g, s, got[i-1])
			}
		}
	}
}
