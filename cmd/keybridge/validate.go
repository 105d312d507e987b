package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and build the flow without connecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			opts.applyLogConfig(cmd, cfg)

			a, err := newApp(cfg, opts.logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration is valid: %d sessions, %d nodes\n", len(cfg.Sessions), len(a.runtime.Nodes()))

			analysis := a.runtime.Analyze()
			for _, d := range analysis.DisconnectedNodes {
				fmt.Fprintf(out, "warning: node %s: %s\n", d.Node, d.Issue)
			}
			fmt.Fprintf(out, "flow status: %s\n", analysis.ValidationStatus)
			return nil
		},
	}
}
