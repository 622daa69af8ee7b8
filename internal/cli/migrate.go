package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gluk-w/vpsdeck/internal/config"
	"github.com/gluk-w/vpsdeck/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := database.Init(config.Cfg.DatabasePath); err != nil {
			return fmt.Errorf("database init: %w", err)
		}
		defer database.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date.\n", config.Cfg.DatabasePath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
