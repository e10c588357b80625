// Package cmd defines the pryv-core command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for pryv-core.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "pryv-core",
		Short: "Pryv core — multi-tenant personal data API server",
		Long:  "Pryv core serves the events, streams, accesses and account API over per-user namespaces, with audit trails and attachment storage.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
