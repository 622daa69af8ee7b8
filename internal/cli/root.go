// Package cli wires the vpsdeck commands.
package cli

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/gluk-w/vpsdeck/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "vpsdeck",
	Short: "vpsdeck - provision and manage VPS hosts over SSH",
	Long: `vpsdeck connects to user-supplied VPS hosts over SSH, provisions them
with a web stack and exposes browser terminals to them.

Run the API server:
  vpsdeck serve

Apply database migrations only:
  vpsdeck migrate

Issue an access token for local testing:
  vpsdeck token --user alice

Run a one-shot command on a host:
  vpsdeck exec --host 203.0.113.5 --user root --key ~/.ssh/id_ed25519 -- uname -a`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.Load()
	},
}

// Execute runs the command selected by the process arguments.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	log.SetFlags(log.LstdFlags)
}
