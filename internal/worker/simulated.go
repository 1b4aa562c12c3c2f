package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"refinery/internal/state"
)

// SimulatedProvider backs every roster role with deterministic canned
// behavior so runs work end to end without external workers. Scores
// drift upward as the run progresses, seeded from the run ID so the
// same run replays identically.
type SimulatedProvider struct {
	mu   sync.Mutex // the sandbox is shared across parallel branches
	rng  *rand.Rand
	base float64
}

// NewSimulatedProvider seeds a provider from the run ID.
func NewSimulatedProvider(runID string) *SimulatedProvider {
	sum := blake3.Sum256([]byte(runID))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	return &SimulatedProvider{rng: rand.New(rand.NewSource(seed)), base: 0.5}
}

// Roster binds the provider to every role.
func (p *SimulatedProvider) Roster() Roster {
	w := Func(p.invoke)
	return Roster{
		Retrieve: w, Evaluate: w, Combine: w,
		CheckLeakage: w, CheckUsage: w,
		Probe: w, Summarize: w, Select: w,
		Refine: w, Plan: w, Debug: w, Propose: w,
	}
}

// Sandbox returns the companion sandbox: scores any artifact slightly
// above the provider's running baseline.
func (p *SimulatedProvider) Sandbox() Sandbox {
	return SandboxFunc(func(ctx context.Context, artifact string) (Exec, error) {
		score := p.nextScore()
		return Exec{
			Stdout: fmt.Sprintf("Final Validation Performance: %.4f\n", score),
			Score:  &score,
		}, nil
	})
}

func (p *SimulatedProvider) nextScore() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base += p.rng.Float64() * 0.05
	if p.base > 0.99 {
		p.base = 0.99
	}
	return p.base
}

func (p *SimulatedProvider) invoke(ctx context.Context, req Request) (Result, error) {
	ok := func(artifact string) Result {
		return Result{WorkerResult: state.WorkerResult{OK: true, Artifact: artifact}}
	}
	switch req.Role {
	case RoleRetrieve:
		cands := make([]state.Candidate, 3)
		for i := range cands {
			id := fmt.Sprintf("sim-%d", i+1)
			cands[i] = state.Candidate{
				ID:       id,
				Name:     "simulated model " + id,
				Artifact: fmt.Sprintf("# candidate %s\nsolve(%q)\n", id, req.Problem),
			}
		}
		res := ok("")
		res.Candidates = cands
		return res, nil
	case RoleCombine:
		return ok(req.Artifact + "\n# combined with partner\n" + req.Partner), nil
	case RoleRefine:
		return ok("# refined per plan: " + firstLine(req.Plan)), nil
	case RolePlan, RolePropose:
		return ok(fmt.Sprintf("strategy %d: reweight and retrain", len(req.History)+1)), nil
	case RoleSummarize:
		return ok("summary: " + firstLine(req.Artifact)), nil
	case RoleSelect:
		return ok(fmt.Sprintf("block-%d", len(req.Avoid)+1)), nil
	case RoleProbe:
		return ok("probe report for " + firstLine(req.Artifact)), nil
	case RoleDebug:
		return ok(req.Artifact + "\n# patched after: " + firstLine(req.Diagnostics)), nil
	default:
		// Evaluate and the checks hand the artifact back unchanged.
		return ok(req.Artifact), nil
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
