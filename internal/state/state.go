// Package state holds the data types shared across the refinement
// pipeline: worker result envelopes, solution candidates, refinement
// attempts, and the phase checkpoint document.
package state

import (
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// WorkerResult is the uniform envelope every worker invocation returns.
// OK reports whether the worker produced a usable artifact. A result
// with OK=false must name a failure reason; a result with OK=true must
// not carry one.
type WorkerResult struct {
	Artifact      string   `json:"artifact,omitempty"`
	Score         *float64 `json:"score,omitempty"`
	OK            bool     `json:"ok"`
	FailureReason string   `json:"failure_reason,omitempty"`
}

// Validate enforces the envelope invariants. Scores, when present,
// must be finite; -Inf sentinels live only in Attempt records.
func (r WorkerResult) Validate() error {
	if r.OK && r.FailureReason != "" {
		return fmt.Errorf("worker result: ok=true with failure_reason %q", r.FailureReason)
	}
	if !r.OK && r.FailureReason == "" {
		return fmt.Errorf("worker result: ok=false requires failure_reason")
	}
	if r.Score != nil && (math.IsNaN(*r.Score) || math.IsInf(*r.Score, 0)) {
		return fmt.Errorf("worker result: score must be finite, got %v", *r.Score)
	}
	return nil
}

// Failure builds a failed result with the given reason.
func Failure(format string, args ...any) WorkerResult {
	return WorkerResult{OK: false, FailureReason: fmt.Sprintf(format, args...)}
}

// ScorePtr returns a pointer to v. Convenience for literals.
func ScorePtr(v float64) *float64 { return &v }

// Candidate is one proposed solution. Score is nil until the candidate
// has been evaluated; unscored candidates sort after all scored ones.
// Lineage is the flat list of candidate IDs folded into this artifact.
type Candidate struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Artifact string   `json:"artifact"`
	Score    *float64 `json:"score,omitempty"`
	Lineage  []string `json:"lineage,omitempty"`
}

// SortCandidates orders candidates by score descending, stable, with
// unscored candidates last. The input slice is sorted in place.
func SortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		si, sj := cands[i].Score, cands[j].Score
		if si == nil {
			return false
		}
		if sj == nil {
			return true
		}
		return *si > *sj
	})
}

// Attempt records one refinement or ensemble iteration. Score is -Inf
// when the attempt's artifact could not be evaluated.
type Attempt struct {
	Plan      string  `json:"plan,omitempty"`
	Patch     string  `json:"patch,omitempty"`
	Artifact  string  `json:"artifact"`
	Score     float64 `json:"score"`
	Iteration int     `json:"iteration"`
}

// BestAttempt returns the index of the highest-scoring attempt; ties
// keep the earliest. Returns -1 for an empty slice.
func BestAttempt(attempts []Attempt) int {
	best := -1
	for i, a := range attempts {
		if best < 0 || a.Score > attempts[best].Score {
			best = i
		}
	}
	return best
}

// Fingerprint returns the blake3 hex digest of an artifact. Used in
// checkpoints and progress events so consumers can correlate artifacts
// without carrying their full text.
func Fingerprint(artifact string) string {
	sum := blake3.Sum256([]byte(artifact))
	return hex.EncodeToString(sum[:])
}

// PhaseArtifact is one phase's output as persisted in a checkpoint.
type PhaseArtifact struct {
	Artifact    string   `json:"artifact"`
	Score       *float64 `json:"score,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

// Checkpoint is the resumable pipeline snapshot written after each
// phase. Phase is the highest phase that has completed (1..3).
type Checkpoint struct {
	RunID   string          `json:"run_id"`
	Phase   int             `json:"phase"`
	Problem string          `json:"problem,omitempty"`
	Phase1  *PhaseArtifact  `json:"phase1,omitempty"`
	Phase2  []PhaseArtifact `json:"phase2,omitempty"`
	Phase3  *PhaseArtifact  `json:"phase3,omitempty"`
	SavedAt time.Time       `json:"saved_at"`
}

// Validate rejects checkpoints that could not have been produced by a
// completed phase sequence.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("checkpoint: run_id is required")
	}
	if c.Phase < 1 || c.Phase > 3 {
		return fmt.Errorf("checkpoint: phase %d out of range [1,3]", c.Phase)
	}
	if c.Phase1 == nil {
		return fmt.Errorf("checkpoint: phase %d recorded without phase1 output", c.Phase)
	}
	if c.Phase >= 2 && len(c.Phase2) == 0 {
		return fmt.Errorf("checkpoint: phase %d recorded without phase2 outputs", c.Phase)
	}
	if c.Phase >= 3 && c.Phase3 == nil {
		return fmt.Errorf("checkpoint: phase 3 recorded without phase3 output")
	}
	return nil
}
