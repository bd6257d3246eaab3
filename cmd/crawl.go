package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-watch/internal/orchestrator"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one source in the
// foreground and prints the run summary as JSON.
func newCrawlCmd(opts *rootOptions, factory Factory) *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "crawl <source>",
		Short: "Crawls one configured source",
		Long: `Walks the listing pages of the named source, stores every extracted item,
and records change events for new and updated items. With --resume the crawl
continues from the last recorded page for the source, re-fetching it.

The first SIGINT or SIGTERM stops the crawl at the next page boundary after
in-flight items are recorded. A second one terminates immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := startApp(cmd, opts, factory)
			if err != nil {
				return err
			}
			defer closeApp(a, opts.logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				// Restores default signal handling so a second signal kills the process.
				stop()
			}()

			result, runErr := a.Crawl(ctx, args[0], resume)
			if runErr != nil && result.SourceKey == "" {
				return fmt.Errorf("crawl %s: %w", args[0], runErr)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			if runErr != nil {
				return fmt.Errorf("crawl %s: %w", args[0], runErr)
			}
			if result.Outcome == orchestrator.OutcomeFailed {
				return fmt.Errorf("crawl %s failed: %s", args[0], result.Error)
			}
			opts.logger.Info("crawl command finished",
				zap.String("source", args[0]),
				zap.String("outcome", string(result.Outcome)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "continue from the last recorded page")
	return cmd
}
