// Package main provides the CLI entry point for the dataflow engine.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/internal/settings"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitValidationError = 1
	ExitParseError      = 2
	ExitRuntimeError    = 3
)

// Build information (set via ldflags during build)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// exitError carries a process exit code. A nil err means the command
// already reported the problem.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "✗ %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitRuntimeError
}

// app holds the global flags and the loaded settings shared by commands.
type app struct {
	stdout, stderr io.Writer

	verbose      bool
	quiet        bool
	settingsPath string

	settings *settings.Settings
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "dataflow",
		Short: "dataflow - fault-tolerant data pipeline engine",
		Long: `dataflow executes declarative data pipelines: it reads a source, applies
ordered transformations, validates data quality at checkpoints and writes
the result to a destination. Every stage is protected by retries, a
circuit breaker and a fallback table.

Examples:
  # Validate a pipeline document
  dataflow validate pipeline.yaml

  # Run a pipeline once without writing to the destination
  dataflow run --dry-run pipeline.yaml

  # Serve the HTTP API and run scheduled pipelines
  dataflow serve --settings dataflow.yaml`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose output")
	root.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "Suppress non-error output")
	root.PersistentFlags().StringVarP(&a.settingsPath, "settings", "c", "", "Settings file (default: ./dataflow.yaml if present)")

	root.AddCommand(
		a.validateCmd(),
		a.runCmd(),
		a.runsCmd(),
		a.serveCmd(),
		a.versionCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	switch cmd.Name() {
	case "version", "help", "completion":
		return nil
	}
	s, err := settings.Load(a.settingsPath)
	if err != nil {
		return &exitError{code: ExitValidationError, err: fmt.Errorf("loading settings: %w", err)}
	}
	if err := s.ApplyLogging(); err != nil {
		return &exitError{code: ExitValidationError, err: err}
	}
	switch {
	case a.verbose:
		logger.SetLevel(slog.LevelDebug)
	case a.quiet:
		logger.SetLevel(slog.LevelError)
	}
	a.settings = s
	return nil
}

func (a *app) printf(format string, args ...any) {
	if !a.quiet {
		fmt.Fprintf(a.stdout, format, args...)
	}
}
