package output

import (
	"context"
	"sync"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// Memory keeps written batches in process, grouped by run id. Destinations
// created with the same name share a store, which lets tests and the demo
// server inspect what a pipeline produced.
//
//	destination:
//	  type: memory
//	  config: {name: orders}
type Memory struct {
	store *MemoryStore
}

// MemoryStore holds the batches written to a named memory destination.
type MemoryStore struct {
	mu    sync.RWMutex
	order []string
	runs  map[string]pipeline.Batch
}

var (
	memoryMu     sync.Mutex
	memoryStores = make(map[string]*MemoryStore)
)

// Store returns the named store, creating it on first use.
func Store(name string) *MemoryStore {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	s, ok := memoryStores[name]
	if !ok {
		s = &MemoryStore{runs: make(map[string]pipeline.Batch)}
		memoryStores[name] = s
	}
	return s
}

// ResetStores drops every named store.
func ResetStores() {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	memoryStores = make(map[string]*MemoryStore)
}

// NewMemory creates a memory destination. The default store is "default".
func NewMemory(config map[string]interface{}) (*Memory, error) {
	name := options(config).str("name")
	if name == "" {
		name = "default"
	}
	return &Memory{store: Store(name)}, nil
}

// Write appends a copy of the batch under the run id.
func (m *Memory) Write(ctx context.Context, batch pipeline.Batch) (pipeline.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.LoadResult{}, err
	}
	runID := RunIDFromContext(ctx)

	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if _, ok := m.store.runs[runID]; !ok {
		m.store.order = append(m.store.order, runID)
	}
	m.store.runs[runID] = append(m.store.runs[runID], pipeline.CloneBatch(batch)...)
	return pipeline.LoadResult{RecordsWritten: len(batch), Location: "memory"}, nil
}

// Revert removes the records written by runID.
func (m *Memory) Revert(ctx context.Context, runID string) (int, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	records, ok := m.store.runs[runID]
	if !ok {
		return 0, nil
	}
	delete(m.store.runs, runID)
	for i, id := range m.store.order {
		if id == runID {
			m.store.order = append(m.store.order[:i], m.store.order[i+1:]...)
			break
		}
	}
	return len(records), nil
}

// Close is a no-op; the store outlives the destination.
func (m *Memory) Close() error { return nil }

// Records returns a copy of everything written, in write order.
func (s *MemoryStore) Records() pipeline.Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := pipeline.Batch{}
	for _, id := range s.order {
		out = append(out, pipeline.CloneBatch(s.runs[id])...)
	}
	return out
}

// Run returns a copy of the records written by runID.
func (s *MemoryStore) Run(runID string) pipeline.Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pipeline.CloneBatch(s.runs[runID])
}

var (
	_ Destination = (*Memory)(nil)
	_ Reverter    = (*Memory)(nil)
)
