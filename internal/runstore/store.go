// Package runstore persists pipeline runs: checkpoints during a run
// and the final outcome after it. The Store interface is injected into
// the orchestrator so embeddings choose their own persistence; the
// file store is the durable default, the memory store backs tests.
package runstore

import (
	"errors"
	"time"

	"refinery/internal/state"
)

// ErrNotFound is returned when a run or document does not exist.
var ErrNotFound = errors.New("run not found")

// Final is the terminal record of a run. Exactly one of Artifact and
// Err is non-empty.
type Final struct {
	RunID       string    `json:"run_id"`
	Artifact    string    `json:"artifact,omitempty"`
	Score       *float64  `json:"score,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Err         string    `json:"error,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Store is the persistence boundary for pipeline runs.
type Store interface {
	// Create registers a run ID. Creating an existing run is an error.
	Create(id string) error
	// SaveCheckpoint overwrites the run's checkpoint.
	SaveCheckpoint(id string, cp *state.Checkpoint) error
	// LoadCheckpoint returns ErrNotFound when the run has none.
	LoadCheckpoint(id string) (*state.Checkpoint, error)
	// SaveFinal records the terminal outcome.
	SaveFinal(id string, fin *Final) error
	// LoadFinal returns ErrNotFound when the run has not finished.
	LoadFinal(id string) (*Final, error)
	// List returns all run IDs, sorted.
	List() ([]string, error)
	// Delete removes a run and everything stored under it.
	Delete(id string) error
}
