// Package cmd defines and implements the CLI commands for the catalog-watch executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-watch/internal/app"
	"github.com/JakeFAU/catalog-watch/internal/config"
	"github.com/JakeFAU/catalog-watch/internal/logging"
	"github.com/JakeFAU/catalog-watch/internal/orchestrator"
)

// App is the slice of the application the commands drive. Tests inject a fake.
type App interface {
	Serve(ctx context.Context) error
	Crawl(ctx context.Context, key string, resume bool) (orchestrator.Result, error)
	Close() error
}

// Factory builds an App from loaded configuration.
type Factory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error)

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

type rootOptions struct {
	configFile string
	cfg        config.Config
	logger     *zap.Logger
}

// newRootCmd creates the root command. Configuration and logging are set up in
// PersistentPreRunE; commands that need the App build it with startApp.
func newRootCmd(factory Factory) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "catalog-watch",
		Short: "Crawls paginated product catalogs and tracks item changes.",
		Long: `catalog-watch walks the listing pages of configured catalog sources,
extracts every product, stores it, and records new and updated items as
change events. Crawls run on demand from the CLI, through the HTTP API, or on
a schedule.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd(opts, factory))
	cmd.AddCommand(newCrawlCmd(opts, factory))
	cmd.AddCommand(newSourcesCmd(opts))
	return cmd
}

// startApp builds the App from the loaded configuration. Callers must pass the
// result to closeApp.
func startApp(cmd *cobra.Command, opts *rootOptions, factory Factory) (App, error) {
	a, err := factory(cmd.Context(), opts.cfg, opts.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return a, nil
}

func closeApp(a App, logger *zap.Logger) {
	if err := a.Close(); err != nil {
		logger.Warn("failed to close application", zap.Error(err))
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(buildApp).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
