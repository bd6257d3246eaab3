package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions, factory Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the crawl scheduler",
		Long: `Starts the HTTP API on the configured port. When the scheduler is enabled,
configured sources are crawled at the configured time of day or interval.
SIGINT and SIGTERM stop active crawls at their next page boundary before exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := startApp(cmd, opts, factory)
			if err != nil {
				return err
			}
			defer closeApp(a, opts.logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Serve(ctx)
		},
	}
}
