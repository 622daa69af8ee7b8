package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gluk-w/vpsdeck/internal/auth"
	"github.com/gluk-w/vpsdeck/internal/config"
	"github.com/gluk-w/vpsdeck/internal/database"
)

var (
	tokenUser  string
	tokenAdmin bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for a user",
	Long: `Issue an access token signed with the server key. Tokens are normally
minted by the identity service in front of vpsdeck; this command exists for
local development and scripting.`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "user id the token identifies")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "grant access to admin endpoints")
}

func runToken(cmd *cobra.Command, args []string) error {
	if tokenUser == "" {
		return errors.New("--user is required")
	}
	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	key, err := auth.LoadOrCreateKey(database.DB, config.Cfg.TokenKey)
	if err != nil {
		return err
	}
	svc, err := auth.NewTokenService(key, config.Duration(config.Cfg.TokenTTL, auth.DefaultTTL))
	if err != nil {
		return err
	}
	tok, err := svc.Issue(auth.Identity{UserID: tokenUser, Admin: tokenAdmin})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
