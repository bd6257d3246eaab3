package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSourcesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Lists the configured source keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, key := range opts.cfg.SourceKeys() {
				src, err := opts.cfg.Source(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", key, src.StartURL)
			}
			return nil
		},
	}
}
