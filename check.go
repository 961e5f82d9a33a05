package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"refgen_worker/core"
	"refgen_worker/logging"
	"refgen_worker/pipeline"
)

// check builds the pipeline once and prints one line per stage. Only a base
// model failure fails the command; degraded optional features are reported
// in yellow.
func check(ctx context.Context, cfg *core.Config, logger *logging.Logger, out io.Writer) error {
	w, err := newWorker(ctx, cfg, logger)
	if err != nil {
		return err
	}

	printHeader(out, fmt.Sprintf("Pipeline check: %s on %s", cfg.ModelID, w.device))

	start := time.Now()
	c, err := w.pipeline.EnsureReady(ctx)
	if err != nil {
		printLine(out, color.New(color.FgRed), "✗", "base model", err.Error())
		color.New(color.FgRed).Fprintf(out, "    └─ %s\n", core.PipelineLoadHint(cfg))
		printSummary(out, false, time.Since(start))
		return withExitCode(core.ExitCodePipelineUnavailable, fmt.Errorf("pipeline unavailable: %w", err))
	}

	printLine(out, color.New(color.FgGreen), "✓", "base model", fmt.Sprintf("%s via %s", c.ModelID, c.Backend))
	for _, o := range c.Outcomes {
		printOutcome(out, o)
	}
	printSummary(out, true, time.Since(start))
	return nil
}

func printOutcome(out io.Writer, o pipeline.FeatureOutcome) {
	switch {
	case o.Succeeded:
		printLine(out, color.New(color.FgGreen), "✓", o.Feature, o.Detail)
	case o.Degraded():
		printLine(out, color.New(color.FgYellow), "!", o.Feature, o.Detail)
	default:
		printLine(out, color.New(color.FgHiBlack), "○", o.Feature, o.Detail)
	}
}

func printHeader(out io.Writer, title string) {
	fmt.Fprintln(out)
	color.New(color.FgCyan, color.Bold).Fprintf(out, "━━━ %s ━━━\n", title)
	fmt.Fprintln(out)
}

func printLine(out io.Writer, clr *color.Color, icon, name, detail string) {
	clr.Fprintf(out, "  %s %s", icon, name)
	if detail != "" {
		color.New(color.FgHiBlack).Fprintf(out, " - %s", detail)
	}
	fmt.Fprintln(out)
}

func printSummary(out io.Writer, ok bool, elapsed time.Duration) {
	fmt.Fprintln(out)
	if ok {
		color.New(color.FgGreen, color.Bold).Fprintf(out, "━━━ Pipeline ready (%v) ━━━\n", elapsed.Round(time.Millisecond))
	} else {
		color.New(color.FgRed, color.Bold).Fprintln(out, "━━━ Pipeline unavailable ━━━")
	}
	fmt.Fprintln(out)
}
