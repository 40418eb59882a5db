package runstore

import (
	"context"
	"sync"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// MemoryStore keeps runs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*pipeline.PipelineRun
	broadcaster
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*pipeline.PipelineRun)}
}

func (s *MemoryStore) Create(_ context.Context, run *pipeline.PipelineRun) error {
	if err := checkRun(run); err != nil {
		return err
	}
	stored := run.Clone()

	s.mu.Lock()
	if _, ok := s.runs[run.ID]; ok {
		s.mu.Unlock()
		return ErrExists
	}
	s.runs[run.ID] = stored
	s.mu.Unlock()

	s.publish(stored)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, run *pipeline.PipelineRun) error {
	if err := checkRun(run); err != nil {
		return err
	}
	stored := run.Clone()

	s.mu.Lock()
	current, ok := s.runs[run.ID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if err := CheckTransition(current.Status, run.Status); err != nil {
		s.mu.Unlock()
		return err
	}
	s.runs[run.ID] = stored
	s.mu.Unlock()

	s.publish(stored)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*pipeline.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*pipeline.PipelineRun, error) {
	s.mu.RLock()
	out := make([]*pipeline.PipelineRun, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.match(run) {
			out = append(out, run.Clone())
		}
	}
	s.mu.RUnlock()

	sortRuns(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(buffer int) (<-chan *pipeline.PipelineRun, func()) {
	return s.subscribe(buffer)
}

func (s *MemoryStore) Close() error {
	s.closeAll()
	return nil
}
