// Package cmd defines and implements the CLI commands for the analyzer executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/app"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/config"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/pipeline"
)

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// Analyzer is what the commands need from the application. Tests replace
// newApp to inject a fake.
type Analyzer interface {
	Analyze(ctx context.Context, force bool) (*pipeline.RunContext, error)
	Serve(ctx context.Context) error
	TaskNames() []string
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

var newApp = func(ctx context.Context, cfg config.Config) (Analyzer, error) {
	return app.Build(ctx, cfg)
}

type rootFlags struct {
	configFile string
	dryRun     bool
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "analyzer",
		Short: "Runs LLM analysis tasks over crawled product pages.",
		Long: `analyzer applies a catalog of model tasks to every work item found under
the discovery root, throttled to the upstream rate limit. Results are kept in
per-group metadata documents so interrupted runs resume where they stopped.`,
		SilenceUsage: true,

		// Config is loaded once here and handed to subcommands via the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			overrides := map[string]any{}
			if flags.dryRun {
				overrides["model.provider"] = config.ProviderDryRun
			}
			cfg, err := config.LoadWithOverrides(flags.configFile, overrides)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (YAML); defaults plus ANALYZER_* env when empty")
	cmd.PersistentFlags().BoolVar(&flags.dryRun, "dry-run", false, "answer every prompt offline instead of calling the model")

	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// withApp builds the application, runs fn and closes the application.
func withApp(ctx context.Context, fn func(Analyzer) error) (err error) {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			a.Logger().Warn("failed to close application", zap.Error(cerr))
		}
	}()
	return fn(a)
}
