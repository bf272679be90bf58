package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mfenderov/campuscal/internal/gcal"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize access to Google Calendar",
	Long: `Run the OAuth consent flow for Google Calendar and store the token.

Download an OAuth client (type "Desktop app") from the Google Cloud console
and point calendar.credentials_file at it. The token is written to
calendar.token_file and refreshed automatically afterwards.

Example:
  campuscal auth`,
	RunE: runAuth,
}

func init() {
	rootCmd.AddCommand(authCmd)
}

func runAuth(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := GetConfig()

	oauthCfg, err := gcal.LoadConfig(cfg.Calendar.CredentialsFile)
	if err != nil {
		return err
	}

	store := gcal.FileTokenStore{Path: cfg.Calendar.TokenFile}
	if _, err := gcal.Authorize(ctx, oauthCfg, store, os.Stdin, cmd.OutOrStdout()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", cfg.Calendar.TokenFile)
	return nil
}
