package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const starterConfig = `server:
  addr: ":3000"
  api_host: "localhost:3000"
  attachments_root: "./data/attachments"

storage:
  driver: sqlite
  dsn: "./data/pryv.db"
  account_dir: "./data/accounts"
  audit_dir: "./data/audit"

auth:
  trusted_apps: ["*"]
  session_ttl_seconds: 1209600
  password_history_length: 5

# redis:
#   addr: "localhost:6379"

audit:
  storage_enabled: true
  syslog_enabled: false

logging:
  level: info
  format: json
`

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "pryv-core.yaml"
			}
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists, not overwriting", output)
			}
			if err := os.WriteFile(output, []byte(starterConfig), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./pryv-core.yaml)")
	return cmd
}
