package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pryv/open-pryv.io-sub006/internal/api"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pryv-core %s (API %s)\n", version, api.APIVersion)
		},
	}
}
