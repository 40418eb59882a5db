package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/canectors/dataflow/internal/cli"
	"github.com/canectors/dataflow/internal/config"
	"github.com/canectors/dataflow/internal/metrics"
	"github.com/canectors/dataflow/internal/notify"
	"github.com/canectors/dataflow/internal/persistence"
	"github.com/canectors/dataflow/internal/runstore"
	"github.com/canectors/dataflow/internal/runtime"
	"github.com/canectors/dataflow/pkg/pipeline"
)

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline-file>...",
		Short: "Validate pipeline documents",
		Long: `Validate pipeline documents against the schema, then check stage
ordering, checkpoints, rules and adapter configurations.

Exit codes:
  0 - every document is valid
  1 - validation errors
  2 - parse errors (invalid JSON/YAML syntax)`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			code := ExitSuccess
			for _, path := range args {
				if _, c := a.loadPipeline(path); c > code {
					code = c
				}
			}
			if code != ExitSuccess {
				return &exitError{code: code}
			}
			return nil
		},
	}
}

// loadPipeline parses, validates and converts one document, printing
// problems as it goes. The engine check resolves adapters and stage
// configurations without performing I/O.
func (a *app) loadPipeline(path string) (*pipeline.PipelineConfig, int) {
	a.printf("Validating pipeline: %s\n", path)

	result := config.ParseFile(path)
	if len(result.ParseErrors) > 0 {
		cli.PrintParseErrors(a.stderr, result.ParseErrors, a.verbose)
		return nil, ExitParseError
	}
	if len(result.ValidationErrors) > 0 {
		cli.PrintValidationErrors(a.stderr, result.ValidationErrors, a.verbose, a.quiet)
		return nil, ExitValidationError
	}

	cfg, err := config.ConvertToPipeline(result.Data)
	if err == nil {
		err = runtime.New(runtime.WithSnapshots(nil)).Validate(cfg)
	}
	if err != nil {
		cli.PrintConfigError(a.stderr, err)
		return nil, ExitValidationError
	}

	a.printf("✓ Pipeline is valid (format: %s)\n", result.Format)
	if a.verbose && !a.quiet {
		cli.PrintPipelineSummary(a.stdout, cfg)
	}
	return cfg, ExitSuccess
}

func (a *app) runCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Run a pipeline once",
		Long: `Run a pipeline document once and print the run.

The document is validated first; an invalid document creates no run.
Runs are recorded in the run registry configured in the settings.

Exit codes:
  0 - run completed (possibly degraded)
  1 - validation errors
  2 - parse errors
  3 - run failed`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, code := a.loadPipeline(args[0])
			if code != ExitSuccess {
				return &exitError{code: code}
			}
			cfg.DryRun = cfg.DryRun || dryRun

			engine, cleanup, err := a.openEngine(nil)
			if err != nil {
				return &exitError{code: ExitRuntimeError, err: err}
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.DryRun {
				a.printf("Executing pipeline (dry-run mode, the destination will not be written)...\n")
			} else {
				a.printf("Executing pipeline...\n")
			}
			run, err := engine.Run(ctx, cfg, time.Now().UTC())
			if run == nil {
				cli.PrintConfigError(a.stderr, err)
				return &exitError{code: ExitValidationError}
			}

			out := a.stdout
			if run.Status == pipeline.RunFailed {
				out = a.stderr
			}
			cli.PrintRun(out, run, cli.OutputOptions{Verbose: a.verbose, Quiet: a.quiet, DryRun: cfg.DryRun})
			if run.Status == pipeline.RunFailed {
				return &exitError{code: ExitRuntimeError}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run every stage except the destination write")
	return cmd
}

func (a *app) runsCmd() *cobra.Command {
	var (
		pipelineID string
		status     string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs or show one run",
		Long: `List the runs of the run registry configured in the settings, most
recent first, or show a single run in detail.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := runstore.New(a.settings.RunStore())
			if err != nil {
				return &exitError{code: ExitRuntimeError, err: err}
			}
			defer store.Close()
			ctx := cmd.Context()

			if len(args) == 1 {
				run, err := store.Get(ctx, args[0])
				if err != nil {
					return &exitError{code: ExitRuntimeError, err: err}
				}
				cli.PrintRun(a.stdout, run, cli.OutputOptions{Verbose: true})
				return nil
			}

			filter := runstore.Filter{PipelineID: pipelineID, Limit: limit}
			if status != "" {
				st, err := pipeline.ParseRunStatus(status)
				if err != nil {
					return &exitError{code: ExitValidationError, err: err}
				}
				filter.Status = st
			}
			runs, err := store.List(ctx, filter)
			if err != nil {
				return &exitError{code: ExitRuntimeError, err: err}
			}
			cli.PrintRuns(a.stdout, runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "Only runs of this pipeline")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(a.stdout, "Version: %s\nCommit: %s\nBuild Date: %s\n", version, commit, buildDate)
		},
	}
}

// openEngine builds an engine over the registry, snapshot store and
// notifier described by the settings. cleanup waits for notifications and
// closes the stores.
func (a *app) openEngine(recorder *metrics.Recorder) (*runtime.Engine, func(), error) {
	s := a.settings
	store, err := runstore.New(s.RunStore())
	if err != nil {
		return nil, nil, err
	}
	snaps, err := persistence.New(s.SnapshotStore())
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	opts := []runtime.Option{
		runtime.WithStore(store),
		runtime.WithSnapshots(snaps),
		runtime.WithDefaultTimeout(s.Engine.DefaultTimeout),
		runtime.WithNotifyTimeout(s.Engine.NotifyTimeout),
		runtime.WithMetrics(recorder),
	}
	if s.Notify.WebhookURL != "" {
		opts = append(opts, runtime.WithNotifier(notify.Webhook(s.Notify.WebhookURL, nil)))
	}
	engine := runtime.New(opts...)

	cleanup := func() {
		engine.Wait()
		var errs []error
		errs = append(errs, store.Close())
		if c, ok := snaps.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		if err := errors.Join(errs...); err != nil {
			fmt.Fprintf(a.stderr, "closing stores: %v\n", err)
		}
	}
	return engine, cleanup, nil
}

func shutdownContext(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}
