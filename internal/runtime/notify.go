package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// notify delivers run to every notifier on its own goroutine. Each notifier
// gets its own copy.
func (e *Engine) notify(run *pipeline.PipelineRun) {
	for _, n := range e.notifiers {
		e.notifyWG.Add(1)
		go func(n Notifier) {
			defer e.notifyWG.Done()
			if err := e.deliver(n, run.Clone()); err != nil {
				e.metrics.NotificationFailed()
				logger.Warn("run notification failed",
					slog.String("pipeline_id", run.PipelineID),
					slog.String("run_id", run.ID),
					slog.String("status", string(run.Status)),
					slog.String("error", err.Error()),
				)
			}
		}(n)
	}
}

func (e *Engine) deliver(n Notifier, run *pipeline.PipelineRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panicked: %v", r)
		}
	}()

	ctx := context.Background()
	if e.notifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.notifyTimeout)
		defer cancel()
	}
	return n(ctx, *run, run.LastReport())
}
