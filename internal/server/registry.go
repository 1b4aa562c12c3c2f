package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"refinery/internal/orchestrator"
	"refinery/internal/state"
)

// RunHandle tracks a single live or finished pipeline run.
type RunHandle struct {
	RunID       string
	Broadcaster *Broadcaster
	Cancel      context.CancelFunc
	StartedAt   time.Time

	mu     sync.Mutex
	result *orchestrator.Result
	err    error
	done   bool
}

// SetResult records the terminal outcome of the run.
func (h *RunHandle) SetResult(res *orchestrator.Result, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result = res
	h.err = err
	h.done = true
}

// Status reports the run for the HTTP API.
func (h *RunHandle) Status() RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := RunStatus{RunID: h.RunID, State: StateRunning}
	if h.done {
		switch {
		case h.err != nil:
			st.State = StateFailed
			st.FailureReason = h.err.Error()
		case h.result != nil && h.result.Err != "":
			st.State = StateFailed
			st.FailureReason = h.result.Err
			st.Warnings = h.result.Warnings
		case h.result != nil:
			st.State = StateCompleted
			st.Score = h.result.FinalScore
			st.Fingerprint = state.Fingerprint(h.result.FinalArtifact)
			st.Warnings = h.result.Warnings
		}
		return st
	}

	if h.Broadcaster != nil {
		history := h.Broadcaster.History()
		for i := len(history) - 1; i >= 0; i-- {
			if ev, ok := history[i]["event"].(string); ok && ev != "" {
				st.LastEvent = ev
				break
			}
		}
		for i := len(history) - 1; i >= 0; i-- {
			if p, ok := history[i]["phase"].(int); ok {
				st.Phase = p
				break
			}
		}
		if at := h.Broadcaster.LastAt(); !at.IsZero() {
			st.LastEventAt = &at
		}
	}
	return st
}

// Registry tracks every run managed by this server instance.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*RunHandle
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*RunHandle)}
}

// Register adds a run. The id must be new.
func (r *Registry) Register(runID string, h *RunHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[runID]; exists {
		return fmt.Errorf("run %s already exists", runID)
	}
	r.runs[runID] = h
	return nil
}

// Get returns a run by id.
func (r *Registry) Get(runID string) (*RunHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.runs[runID]
	return h, ok
}

// List returns all run ids known to this instance.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll cancels every live run.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.runs {
		if h.Cancel != nil {
			h.Cancel()
		}
	}
}
