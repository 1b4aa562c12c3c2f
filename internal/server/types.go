package server

import "time"

// SubmitRunRequest is the POST /runs request body.
type SubmitRunRequest struct {
	// Problem is the task description, inline. Exactly one of Problem
	// or ProblemPath must be set.
	Problem string `json:"problem,omitempty"`

	// ProblemPath is a filesystem path to the task description.
	ProblemPath string `json:"problem_path,omitempty"`

	// RunID is optional. If empty, a ULID is generated.
	RunID string `json:"run_id,omitempty"`
}

// RunStatus is returned by GET /runs/{id}.
type RunStatus struct {
	RunID         string     `json:"run_id"`
	State         string     `json:"state"`
	Phase         int        `json:"phase,omitempty"`
	Score         *float64   `json:"score,omitempty"`
	Fingerprint   string     `json:"fingerprint,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	LastEvent     string     `json:"last_event,omitempty"`
	LastEventAt   *time.Time `json:"last_event_at,omitempty"`
	Warnings      []string   `json:"warnings,omitempty"`
}

// Run states reported by the status endpoint.
const (
	StateRunning      = "running"
	StateCompleted    = "completed"
	StateFailed       = "failed"
	StateCheckpointed = "checkpointed"
)

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
