package resilience

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// DefaultFallbacks is the failure class to strategy table used when a
// pipeline does not override it.
func DefaultFallbacks() map[pipeline.FailureClass]pipeline.FallbackStrategy {
	return map[pipeline.FailureClass]pipeline.FallbackStrategy{
		pipeline.FailureDatabaseUnavailable: pipeline.FallbackCachedSnapshot,
		pipeline.FailureAPITimeout:          pipeline.FallbackPartialResult,
		pipeline.FailureServiceUnavailable:  pipeline.FallbackReadOnlyDegraded,
		pipeline.FailureCircuitOpen:         pipeline.FallbackCachedSnapshot,
		pipeline.FailureUnknown:             pipeline.FallbackFail,
	}
}

// FallbackTable maps every failure class to a strategy. It can only be
// built through NewFallbackTable, which rejects incomplete tables.
type FallbackTable struct {
	strategies map[pipeline.FailureClass]pipeline.FallbackStrategy
}

// NewFallbackTable builds a table from the defaults overlaid with overrides.
// It fails if any failure class ends up without a strategy or an override
// names an unknown class or strategy.
func NewFallbackTable(overrides map[pipeline.FailureClass]pipeline.FallbackStrategy) (*FallbackTable, error) {
	strategies := DefaultFallbacks()
	for class, strategy := range overrides {
		if _, err := pipeline.ParseFailureClass(string(class)); err != nil {
			return nil, err
		}
		if _, err := pipeline.ParseFallbackStrategy(string(strategy)); err != nil {
			return nil, err
		}
		strategies[class] = strategy
	}
	return newExhaustiveTable(strategies)
}

func newExhaustiveTable(strategies map[pipeline.FailureClass]pipeline.FallbackStrategy) (*FallbackTable, error) {
	var missing []string
	for _, class := range pipeline.FailureClasses {
		if _, ok := strategies[class]; !ok {
			missing = append(missing, string(class))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("fallback table has no strategy for: %s", strings.Join(missing, ", "))
	}
	return &FallbackTable{strategies: strategies}, nil
}

// Strategy returns the strategy for class.
func (t *FallbackTable) Strategy(class pipeline.FailureClass) pipeline.FallbackStrategy {
	if s, ok := t.strategies[class]; ok {
		return s
	}
	return t.strategies[pipeline.FailureUnknown]
}

// Strategies returns the distinct strategies used by the table.
func (t *FallbackTable) Strategies() []pipeline.FallbackStrategy {
	seen := make(map[pipeline.FallbackStrategy]bool)
	var out []pipeline.FallbackStrategy
	for _, class := range pipeline.FailureClasses {
		s := t.strategies[class]
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// FallbackRequest describes the failed invocation a fallback replaces.
type FallbackRequest struct {
	Stage    string
	Class    pipeline.FailureClass
	Strategy pipeline.FallbackStrategy
	Cause    error
}

// FallbackFunc produces a degraded value for a failed invocation.
type FallbackFunc func(ctx context.Context, req FallbackRequest) (interface{}, error)

// Handlers binds strategies to functions for one wrapped stage.
type Handlers map[pipeline.FallbackStrategy]FallbackFunc

// checkHandlers verifies every non-fail strategy in the table has a handler.
func checkHandlers(t *FallbackTable, h Handlers) error {
	var missing []string
	for _, s := range t.Strategies() {
		if s == pipeline.FallbackFail {
			continue
		}
		if h[s] == nil {
			missing = append(missing, string(s))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no fallback handler for strategy: %s", strings.Join(missing, ", "))
	}
	return nil
}
