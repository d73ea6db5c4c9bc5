package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/pipeline"
)

type analyzeFlags struct {
	force bool
	serve bool
	quiet bool
}

// newAnalyzeCmd creates the 'analyze' subcommand, which performs one run.
func newAnalyzeCmd() *cobra.Command {
	flags := &analyzeFlags{}
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Runs every selected task over the discovered work items",
		Long: `Discovers work items, skips the ones whose tasks already succeeded on the
same content, and runs the remaining tasks through the worker pool. The run
summary is printed when it finishes; a failed stage exits non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a Analyzer) error {
				return runAnalyze(cmd.Context(), a, flags, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVar(&flags.force, "force", false, "re-run items even when their tasks already succeeded")
	cmd.Flags().BoolVar(&flags.serve, "serve", false, "expose the status API while the run is in progress")
	cmd.Flags().BoolVar(&flags.quiet, "quiet", false, "print only the totals line")
	return cmd
}

func runAnalyze(ctx context.Context, a Analyzer, flags *analyzeFlags, out io.Writer) error {
	if !flags.serve {
		rc, err := a.Analyze(ctx, flags.force)
		return reportRun(out, rc, err, flags.quiet)
	}

	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		return a.Serve(gctx)
	})

	var (
		rc     *pipeline.RunContext
		runErr error
	)
	g.Go(func() error {
		defer stopServe()
		rc, runErr = a.Analyze(gctx, flags.force)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger().Error("status server failed", zap.Error(err))
		return err
	}
	return reportRun(out, rc, runErr, flags.quiet)
}

func reportRun(out io.Writer, rc *pipeline.RunContext, runErr error, quiet bool) error {
	if rc == nil {
		return runErr
	}
	summaries := rc.Summaries()
	var completed, skipped, failed int
	for _, s := range summaries {
		switch {
		case s.Skipped:
			skipped++
		case s.Status == analyzer.ItemFailed:
			failed++
		default:
			completed++
		}
	}

	if !quiet && len(summaries) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "GROUP\tKEY\tSTATUS\tTASKS\tDURATION\tERROR")
		for _, s := range summaries {
			status := string(s.Status)
			if s.Skipped {
				status = "skipped"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", s.Group, s.Key, status, len(s.TaskResults), s.Duration.Round(time.Millisecond), s.Error)
		}
		_ = tw.Flush()
	}
	fmt.Fprintf(out, "run %s: %d completed, %d skipped, %d failed\n", rc.RunID, completed, skipped, failed)

	var stageErr *pipeline.StageError
	if errors.As(runErr, &stageErr) {
		return fmt.Errorf("run aborted in %s with %d records persisted: %w", stageErr.Stage, stageErr.Recorded, stageErr.Err)
	}
	return runErr
}
