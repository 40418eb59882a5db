package persistence

import (
	"context"
	"sync"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]map[string]*Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]map[string]*Snapshot)}
}

func (s *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	if err := checkSnapshot(snap); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stages, ok := s.snapshots[snap.PipelineID]
	if !ok {
		stages = make(map[string]*Snapshot)
		s.snapshots[snap.PipelineID] = stages
	}
	stages[snap.Stage] = cloneSnapshot(snap)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, pipelineID, stage string) (*Snapshot, error) {
	if err := checkKey(pipelineID, stage); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[pipelineID][stage]
	if !ok {
		return nil, nil
	}
	return cloneSnapshot(snap), nil
}

func (s *MemoryStore) Delete(_ context.Context, pipelineID string) error {
	if pipelineID == "" {
		return ErrInvalidPipelineID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, pipelineID)
	return nil
}
