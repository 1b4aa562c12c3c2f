package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"refinery/internal/orchestrator"
	"refinery/internal/runstore"
)

// validRunID matches ULIDs, UUIDs, and other safe identifiers.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"runs":   len(s.registry.List()),
	})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.Problem == "" && req.ProblemPath == "" {
		writeError(w, http.StatusBadRequest, "problem or problem_path is required")
		return
	}
	if req.Problem != "" && req.ProblemPath != "" {
		writeError(w, http.StatusBadRequest, "provide problem or problem_path, not both")
		return
	}

	problem := req.Problem
	if req.ProblemPath != "" {
		b, err := os.ReadFile(req.ProblemPath)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cannot read problem file: %v", err))
			return
		}
		problem = string(b)
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = orchestrator.NewRunID()
	}
	if !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}

	if s.config.NewWorkers == nil {
		writeError(w, http.StatusInternalServerError, "server has no worker provider configured")
		return
	}

	broadcaster := NewBroadcaster()
	ctx, cancel := context.WithCancel(s.baseCtx)

	h := &RunHandle{
		RunID:       runID,
		Broadcaster: broadcaster,
		Cancel:      cancel,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.registry.Register(runID, h); err != nil {
		cancel()
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	workers, sandbox := s.config.NewWorkers(runID)
	go func() {
		defer broadcaster.Close()
		orch := &orchestrator.Orchestrator{
			Workers:  workers,
			Sandbox:  sandbox,
			Config:   s.config.Run,
			Store:    s.config.Store,
			Progress: broadcaster,
		}
		res, err := orch.Run(ctx, runID, problem)
		h.SetResult(res, err)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"run_id": runID,
		"status": "accepted",
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	stored, err := s.config.Store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	seen := make(map[string]struct{}, len(stored))
	for _, id := range stored {
		seen[id] = struct{}{}
	}
	for _, id := range s.registry.List() {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]any{"runs": ids})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	if h, ok := s.registry.Get(runID); ok {
		writeJSON(w, http.StatusOK, h.Status())
		return
	}

	st, ok := s.storedStatus(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// storedStatus answers status for runs this instance did not start.
// The final record is authoritative; a bare checkpoint means the run
// stopped mid-pipeline and can be resumed.
func (s *Server) storedStatus(runID string) (RunStatus, bool) {
	if fin, err := s.config.Store.LoadFinal(runID); err == nil {
		st := RunStatus{RunID: runID}
		if fin.Err != "" {
			st.State = StateFailed
			st.FailureReason = fin.Err
		} else {
			st.State = StateCompleted
			st.Score = fin.Score
			st.Fingerprint = fin.Fingerprint
		}
		return st, true
	} else if !errors.Is(err, runstore.ErrNotFound) {
		return RunStatus{}, false
	}

	cp, err := s.config.Store.LoadCheckpoint(runID)
	if err != nil {
		return RunStatus{}, false
	}
	return RunStatus{RunID: runID, State: StateCheckpointed, Phase: cp.Phase}, true
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	h, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}

	WriteSSE(w, r, h.Broadcaster)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	h, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}

	h.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
