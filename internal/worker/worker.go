// Package worker defines the capability boundary between the pipeline
// and its external collaborators: generation workers and the scoring
// sandbox. Callers hold typed interfaces; concrete providers are bound
// once at construction.
package worker

import (
	"context"
	"fmt"

	"refinery/internal/state"
)

// Role names which capability a request exercises. Carried in requests
// so a single provider can back several roles.
type Role string

const (
	RoleRetrieve     Role = "retrieve"
	RoleEvaluate     Role = "evaluate"
	RoleCombine      Role = "combine"
	RoleCheckLeakage Role = "check_leakage"
	RoleCheckUsage   Role = "check_usage"
	RoleProbe        Role = "probe"
	RoleSummarize    Role = "summarize"
	RoleSelect       Role = "select"
	RoleRefine       Role = "refine"
	RolePlan         Role = "plan"
	RoleDebug        Role = "debug"
	RolePropose      Role = "propose"
)

// Request carries the inputs for one worker invocation. Fields beyond
// Role and Problem are role-specific; unused ones stay zero.
type Request struct {
	Role    Role
	Problem string

	// Artifact is the primary solution text under consideration.
	Artifact string
	// Partner is the second artifact for combine requests.
	Partner string
	// Plan is the refinement plan a refine request should realize.
	Plan string
	// Block is the target code block for refine/select requests.
	Block string
	// Avoid lists blocks a select request must not pick again.
	Avoid []string
	// History carries prior attempts for plan/propose requests.
	History []state.Attempt
	// Candidates carries the solutions an ensemble request works over.
	Candidates []state.Candidate
	// Scores maps candidate IDs to scores for propose requests.
	Scores map[string]float64
	// Diagnostics carries sandbox stderr for debug requests.
	Diagnostics string
}

// Result is a worker's reply. Candidates is populated only by
// retrieve workers; everything else answers through the envelope's
// Artifact field.
type Result struct {
	state.WorkerResult
	Candidates []state.Candidate
}

// Worker is the single capability interface all providers implement.
// A returned error means the provider itself broke (transport, codec);
// domain-level failure is reported in-band via Result.OK=false.
type Worker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to the Worker interface.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Invoke(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Exec is one sandbox execution of an artifact.
type Exec struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Score is the validation score the artifact reported, nil when
	// the run produced none.
	Score *float64
}

// Sandbox executes an artifact and reports its validation score.
type Sandbox interface {
	Execute(ctx context.Context, artifact string) (Exec, error)
}

// SandboxFunc adapts a function to the Sandbox interface.
type SandboxFunc func(ctx context.Context, artifact string) (Exec, error)

func (f SandboxFunc) Execute(ctx context.Context, artifact string) (Exec, error) {
	return f(ctx, artifact)
}

// Roster binds every pipeline role to a provider. All slots must be
// filled; phases assume their workers exist.
type Roster struct {
	Retrieve     Worker
	Evaluate     Worker
	Combine      Worker
	CheckLeakage Worker
	CheckUsage   Worker
	Probe        Worker
	Summarize    Worker
	Select       Worker
	Refine       Worker
	Plan         Worker
	Debug        Worker
	Propose      Worker
}

func (r Roster) Validate() error {
	slots := []struct {
		name string
		w    Worker
	}{
		{"retrieve", r.Retrieve}, {"evaluate", r.Evaluate}, {"combine", r.Combine},
		{"check_leakage", r.CheckLeakage}, {"check_usage", r.CheckUsage},
		{"probe", r.Probe}, {"summarize", r.Summarize}, {"select", r.Select},
		{"refine", r.Refine}, {"plan", r.Plan}, {"debug", r.Debug}, {"propose", r.Propose},
	}
	for _, s := range slots {
		if s.w == nil {
			return fmt.Errorf("roster: %s worker is not bound", s.name)
		}
	}
	return nil
}
