package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// OutputOptions configures CLI output behavior.
type OutputOptions struct {
	Verbose bool
	Quiet   bool
	DryRun  bool
}

// PrintRun displays a finished run: status, record tallies, stages and the
// last quality report. Failures always print, even when quiet.
func PrintRun(w io.Writer, run *pipeline.PipelineRun, opts OutputOptions) {
	if run == nil {
		fmt.Fprintln(w, "✗ No run was created")
		return
	}

	if run.Status == pipeline.RunFailed {
		fmt.Fprintf(w, "✗ Run %s failed\n", run.ID)
		if run.Error != nil {
			if run.Error.Stage != "" {
				fmt.Fprintf(w, "  Stage: %s\n", run.Error.Stage)
			}
			fmt.Fprintf(w, "  Error: [%s] %s\n", run.Error.Code, run.Error.Message)
			if run.Error.FailureClass != "" {
				fmt.Fprintf(w, "  Failure class: %s\n", run.Error.FailureClass)
			}
		}
	} else if opts.Quiet {
		return
	} else {
		mark := "✓"
		if run.Degraded {
			mark = "⚠"
		}
		fmt.Fprintf(w, "%s Run %s %s\n", mark, run.ID, run.Status)
	}

	fmt.Fprintf(w, "  Pipeline: %s\n", run.PipelineID)
	fmt.Fprintf(w, "  Records: %d processed, %d succeeded, %d failed, %d filtered\n",
		run.RecordsProcessed, run.RecordsSucceeded, run.RecordsFailed, run.RecordsFiltered)
	if run.Degraded {
		fmt.Fprintln(w, "  Degraded: yes")
	}
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "  Duration: %v\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if report := run.LastReport(); report != nil {
		fmt.Fprintf(w, "  Quality score: %.3f (checkpoint %d, %d issues)\n",
			report.OverallScore, report.Checkpoint, len(report.Issues))
	}

	if opts.Verbose {
		printStages(w, run.Stages)
		printReports(w, run.Checkpoints)
	}
	if opts.DryRun {
		fmt.Fprintln(w, "ℹ Dry run: nothing was written to the destination")
	}
}

func printStages(w io.Writer, stages []pipeline.StageOutcome) {
	if len(stages) == 0 {
		return
	}
	fmt.Fprintln(w, "  Stages:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "    NAME\tIN\tOUT\tERRORS\tATTEMPTS\tFALLBACK\tDURATION")
	for _, s := range stages {
		fallback := "-"
		if s.Fallback != "" {
			fallback = string(s.Fallback)
		}
		fmt.Fprintf(tw, "    %s\t%d\t%d\t%d\t%d\t%s\t%v\n",
			s.Name, s.RecordsIn, s.RecordsOut, s.RecordErrors, s.Attempts, fallback, s.Duration.Round(time.Microsecond))
	}
	tw.Flush()
}

func printReports(w io.Writer, reports []pipeline.QualityReport) {
	for _, r := range reports {
		fmt.Fprintf(w, "  Checkpoint %d: score %.3f over %d records\n", r.Checkpoint, r.OverallScore, r.RecordCount)
		for _, d := range r.Dimensions {
			fmt.Fprintf(w, "    %-12s %.3f %s\n", d.Name, d.Score, d.Status)
		}
		for _, issue := range r.Issues {
			fmt.Fprintf(w, "    ! %s (%s): %s\n", issue.Rule, issue.Severity, issue.Message)
		}
	}
}

// PrintRuns prints one line per run.
func PrintRuns(w io.Writer, runs []*pipeline.PipelineRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPIPELINE\tSTATUS\tSTARTED\tPROCESSED\tSUCCEEDED\tFAILED\tSCORE")
	for _, run := range runs {
		status := string(run.Status)
		if run.Degraded {
			status += " (degraded)"
		}
		score := "-"
		if r := run.LastReport(); r != nil {
			score = fmt.Sprintf("%.3f", r.OverallScore)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			run.ID, run.PipelineID, status, run.StartedAt.Format(time.RFC3339),
			run.RecordsProcessed, run.RecordsSucceeded, run.RecordsFailed, score)
	}
	tw.Flush()
}

// PrintPipelineSummary prints the shape of a pipeline configuration.
func PrintPipelineSummary(w io.Writer, cfg *pipeline.PipelineConfig) {
	fmt.Fprintf(w, "  Pipeline: %s", cfg.ID)
	if cfg.Name != "" && cfg.Name != cfg.ID {
		fmt.Fprintf(w, " (%s)", cfg.Name)
	}
	fmt.Fprintln(w)
	if cfg.Version != "" {
		fmt.Fprintf(w, "  Version: %s\n", cfg.Version)
	}
	stages := make([]string, 0, len(cfg.Transformations)+2)
	stages = append(stages, cfg.Source.Type)
	for _, t := range cfg.Transformations {
		stages = append(stages, t.StageName())
	}
	dest := cfg.Destination.Type
	if dest == "" {
		dest = "(none)"
	}
	stages = append(stages, dest)
	fmt.Fprintf(w, "  Stages: %s\n", strings.Join(stages, " → "))
	if len(cfg.Checkpoints) > 0 {
		fmt.Fprintf(w, "  Checkpoints: %d, rules: %d\n", len(cfg.Checkpoints), len(cfg.Rules))
	}
	if cfg.Schedule != "" {
		fmt.Fprintf(w, "  Schedule: %s\n", cfg.Schedule)
	}
}
