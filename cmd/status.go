package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/config"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/metadata"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/tasks"
)

// newStatusCmd creates the 'status' subcommand. It reads the metadata
// documents without taking the run lock, so it can run next to an analysis.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarizes per-group progress from the metadata documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), cfg)
		},
	}
}

func printStatus(out io.Writer, cfg config.Config) error {
	catalog, err := tasks.Load(cfg.Tasks.Catalog, analyzer.Profile{Model: cfg.Model.Model})
	if err != nil {
		return fmt.Errorf("load task catalog: %w", err)
	}
	selected, err := catalog.Select(cfg.Tasks.Selected)
	if err != nil {
		return fmt.Errorf("select tasks: %w", err)
	}
	names := make([]string, len(selected))
	for i, t := range selected {
		names[i] = t.Name
	}

	store, err := metadata.Inspect(cfg.Metadata.Dir, nil)
	if err != nil {
		return fmt.Errorf("inspect metadata: %w", err)
	}

	summaries := store.Summary(names)
	if len(summaries) == 0 {
		fmt.Fprintf(out, "no metadata under %s\n", cfg.Metadata.Dir)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tRECORDS\tCOMPLETE\tFAILING\tLAST ANALYZED\tLAST ERROR")
	var records, complete, failing int
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n",
			s.Group, s.Records, s.Complete, s.Failing, formatTime(s.LastAnalyzed), formatTime(s.LastError))
		records += s.Records
		complete += s.Complete
		failing += s.Failing
	}
	fmt.Fprintf(tw, "TOTAL\t%d\t%d\t%d\t\t\n", records, complete, failing)
	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
