package runtime

import (
	"context"
	"log/slog"
	"sort"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/internal/modules/input"
	"github.com/canectors/dataflow/internal/modules/output"
	"github.com/canectors/dataflow/internal/registry"
	"github.com/canectors/dataflow/internal/resilience"
	"github.com/canectors/dataflow/internal/transform"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// plan is a validated configuration with its adapters and stages built.
// A plan belongs to a single run.
type plan struct {
	cfg       *pipeline.PipelineConfig
	retry     errhandling.RetryConfig
	fallbacks *resilience.FallbackTable
	source    input.Source
	stages    []transform.Stage
	// transformations is cfg.Transformations in ascending order.
	transformations []pipeline.Transformation
	dest            output.Destination

	// spec is filled in once the run exists; join stages read it.
	spec pipeline.BatchSpec
}

// prepare validates cfg and builds everything a run needs. cfg is copied;
// the plan never shares memory with the caller.
func (e *Engine) prepare(cfg *pipeline.PipelineConfig) (*plan, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	fallbacks, err := resilience.NewFallbackTable(cfg.Fallbacks)
	if err != nil {
		return nil, errhandling.NewConfigurationError("fallbacks", "%v", err)
	}
	p := &plan{
		cfg:       cfg,
		retry:     errhandling.RetryConfigFromPolicy(cfg.Retry),
		fallbacks: fallbacks,
	}

	p.transformations = append([]pipeline.Transformation(nil), cfg.Transformations...)
	sort.SliceStable(p.transformations, func(i, j int) bool {
		return p.transformations[i].Order < p.transformations[j].Order
	})

	if p.source, err = registry.NewSource(cfg.Source); err != nil {
		return nil, err
	}

	env := transform.Env{
		Function:   registry.GetFunction,
		ReadSource: p.readSecondary,
	}
	for _, t := range p.transformations {
		stage, err := transform.New(t, env)
		if err != nil {
			p.close()
			return nil, err
		}
		p.stages = append(p.stages, stage)
	}

	if cfg.Destination.Type != "" {
		if p.dest, err = registry.NewDestination(cfg.Destination); err != nil {
			p.close()
			return nil, err
		}
	}
	return p, nil
}

// readSecondary reads a join's secondary source with the run's batch spec.
func (p *plan) readSecondary(ctx context.Context, src pipeline.DataSource) (pipeline.Batch, error) {
	s, err := registry.NewSource(src)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(p.cfg.ID, "join source", s)
	spec := p.spec
	spec.Limit = 0
	return s.Read(ctx, spec)
}

func (p *plan) close() {
	if p.source != nil {
		closeQuietly(p.cfg.ID, StageSource, p.source)
		p.source = nil
	}
	if p.dest != nil {
		closeQuietly(p.cfg.ID, StageDestination, p.dest)
		p.dest = nil
	}
}

type closer interface {
	Close() error
}

func closeQuietly(pipelineID, what string, c closer) {
	if err := c.Close(); err != nil {
		logger.Warn("failed to close adapter",
			slog.String("pipeline_id", pipelineID),
			slog.String("stage", what),
			slog.String("error", err.Error()),
		)
	}
}
