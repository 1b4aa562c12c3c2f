package runstore

import (
	"fmt"
	"sort"
	"sync"

	"refinery/internal/state"
)

// MemStore is an in-memory Store for tests and embedding.
type MemStore struct {
	mu     sync.Mutex
	runs   map[string]struct{}
	checks map[string]*state.Checkpoint
	finals map[string]*Final
}

func NewMemStore() *MemStore {
	return &MemStore{
		runs:   make(map[string]struct{}),
		checks: make(map[string]*state.Checkpoint),
		finals: make(map[string]*Final),
	}
}

func (s *MemStore) Create(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		return fmt.Errorf("run %s already exists", id)
	}
	s.runs[id] = struct{}{}
	return nil
}

func (s *MemStore) SaveCheckpoint(id string, cp *state.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return fmt.Errorf("save checkpoint %s: %w", id, ErrNotFound)
	}
	c := *cp
	s.checks[id] = &c
	return nil
}

func (s *MemStore) LoadCheckpoint(id string) (*state.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checks[id]
	if !ok {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, ErrNotFound)
	}
	c := *cp
	return &c, nil
}

func (s *MemStore) SaveFinal(id string, fin *Final) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return fmt.Errorf("save final %s: %w", id, ErrNotFound)
	}
	f := *fin
	s.finals[id] = &f
	return nil
}

func (s *MemStore) LoadFinal(id string) (*Final, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fin, ok := s.finals[id]
	if !ok {
		return nil, fmt.Errorf("load final %s: %w", id, ErrNotFound)
	}
	f := *fin
	return &f, nil
}

func (s *MemStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(s.runs, id)
	delete(s.checks, id)
	delete(s.finals, id)
	return nil
}
