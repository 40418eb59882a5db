package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/canectors/dataflow/internal/api"
	"github.com/canectors/dataflow/internal/config"
	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/internal/metrics"
	"github.com/canectors/dataflow/internal/runtime"
	"github.com/canectors/dataflow/internal/scheduler"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled pipelines",
		Long: `Load every pipeline document of the pipelines directory, schedule the
ones with a CRON schedule and serve the HTTP API until interrupted.

Documents that fail validation are reported and skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			recorder := metrics.New()
			engine, cleanup, err := a.openEngine(recorder)
			if err != nil {
				return &exitError{code: ExitRuntimeError, err: err}
			}
			defer cleanup()

			sched := scheduler.New(engine)
			if err := a.registerPipelines(engine, sched); err != nil {
				return &exitError{code: ExitRuntimeError, err: err}
			}
			if err := sched.Start(ctx); err != nil {
				return &exitError{code: ExitRuntimeError, err: err}
			}

			srv := api.New(engine, recorder)
			serveErr := srv.ListenAndServe(ctx, a.settings.Server.Addr, a.settings.Server.ShutdownTimeout)

			stopCtx, cancel := shutdownContext(a.settings.Server.ShutdownTimeout)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				logger.Warn("scheduler did not stop cleanly", slog.String("error", err.Error()))
			}
			if serveErr != nil {
				return &exitError{code: ExitRuntimeError, err: serveErr}
			}
			return nil
		},
	}
}

// registerPipelines loads the pipelines directory into the engine and the
// scheduler. Invalid documents are logged; a missing directory is not an
// error.
func (a *app) registerPipelines(engine *runtime.Engine, sched *scheduler.Scheduler) error {
	dir := a.settings.Pipelines.Dir
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.Warn("pipelines directory not found, starting without pipelines", slog.String("dir", dir))
		return nil
	}

	cfgs, err := config.NewLoader(dir).LoadAll()
	if err != nil {
		logger.Error("pipeline documents rejected", slog.String("dir", dir), slog.String("error", err.Error()))
	}

	scheduled := 0
	for _, cfg := range cfgs {
		if err := engine.Register(cfg); err != nil {
			logger.Error("pipeline rejected", slog.String("pipeline_id", cfg.ID), slog.String("error", err.Error()))
			continue
		}
		if cfg.Schedule == "" {
			continue
		}
		if err := sched.Register(cfg); err != nil {
			return fmt.Errorf("scheduling pipeline %s: %w", cfg.ID, err)
		}
		scheduled++
	}
	logger.Info("pipelines loaded",
		slog.String("dir", dir),
		slog.Int("registered", len(engine.Pipelines())),
		slog.Int("scheduled", scheduled),
	)
	return nil
}
