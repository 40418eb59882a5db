// Package runstore is the run registry: the shared store of PipelineRun
// records read by dashboards, notifiers and the HTTP API.
//
// Writes are atomic per run id and every transition is checked against the
// run lifecycle. Readers always receive deep copies, so they never observe
// a partially updated run.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// Common errors
var (
	ErrNotFound          = errors.New("run not found")
	ErrExists            = errors.New("run already exists")
	ErrInvalidTransition = errors.New("invalid run status transition")
	ErrInvalidRun        = errors.New("run must have an id and a pipeline id")
)

// Filter narrows List. Zero values match everything.
type Filter struct {
	PipelineID string
	Status     pipeline.RunStatus
	// Limit caps the result size when positive.
	Limit int
}

func (f Filter) match(run *pipeline.PipelineRun) bool {
	if f.PipelineID != "" && run.PipelineID != f.PipelineID {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	return true
}

// Store persists runs keyed by id.
type Store interface {
	// Create inserts a new run.
	Create(ctx context.Context, run *pipeline.PipelineRun) error

	// Update replaces a stored run. The status change from the stored run
	// must be allowed by the lifecycle; a non-terminal run may also be
	// updated without changing status.
	Update(ctx context.Context, run *pipeline.PipelineRun) error

	// Get returns a copy of the run, or ErrNotFound.
	Get(ctx context.Context, id string) (*pipeline.PipelineRun, error)

	// List returns matching runs, most recently started first.
	List(ctx context.Context, filter Filter) ([]*pipeline.PipelineRun, error)

	// Subscribe streams a copy of every created or updated run until cancel
	// is called. Slow subscribers miss events rather than block writers.
	Subscribe(buffer int) (events <-chan *pipeline.PipelineRun, cancel func())

	Close() error
}

// CheckTransition reports whether a run stored with status from may be
// replaced by one with status to.
func CheckTransition(from, to pipeline.RunStatus) error {
	if from == to && !from.IsTerminal() {
		return nil
	}
	if from.CanTransition(to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func checkRun(run *pipeline.PipelineRun) error {
	if run == nil || run.ID == "" || run.PipelineID == "" {
		return ErrInvalidRun
	}
	if _, err := pipeline.ParseRunStatus(string(run.Status)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}
	return nil
}

// sortRuns orders runs by start time descending, then id.
func sortRuns(runs []*pipeline.PipelineRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
}

// broadcaster fans run events out to subscribers.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan *pipeline.PipelineRun
}

func (b *broadcaster) subscribe(buffer int) (<-chan *pipeline.PipelineRun, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *pipeline.PipelineRun, buffer)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]chan *pipeline.PipelineRun)
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

func (b *broadcaster) publish(run *pipeline.PipelineRun) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- run.Clone():
		default:
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
