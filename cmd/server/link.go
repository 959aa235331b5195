package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/stanstork/garmin-sync/internal/authz"
	"github.com/stanstork/garmin-sync/internal/config"
	"github.com/stanstork/garmin-sync/internal/repository"
)

// newLinkCmd stores the Garmin token blob for a user. The blob is produced
// by the Garmin microservice login flow and passed through unchanged.
func newLinkCmd() *cobra.Command {
	var userID, credentialsFile string
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a user's provider account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return errors.New("--user is required")
			}
			raw, err := os.ReadFile(credentialsFile)
			if err != nil {
				return errors.Wrap(err, "read credentials file")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := openDB(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			link, err := repository.NewProviderLinkRepository(db).UpsertLink(ctx, userID, cfg.Provider.Name, strings.TrimSpace(string(raw)))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "linked %s account %s for user %s\n", link.Provider, link.ID, link.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&credentialsFile, "credentials-file", "", "file holding the provider token blob")
	_ = cmd.MarkFlagRequired("credentials-file")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return errors.New("--user is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := authz.IssueToken(cfg.JWTSecret, userID, ttl)
			if err != nil {
				return errors.Wrap(err, "sign token")
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
