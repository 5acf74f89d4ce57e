package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/supportdesk/internal/auth"
)

type tokenOptions struct {
	UserID   string
	TenantID string
	Name     string
	Teams    []string
	TTL      time.Duration
}

// newTokenCommand mints operator tokens signed with the configured secret.
func newTokenCommand() *cobra.Command {
	var opts tokenOptions

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator access token",
		Args:  cobra.NoArgs,
		Example: `  supportdesk token --user u1 --tenant acme --name Ann --team billing --team vip
  supportdesk token --user u1 --tenant acme --ttl 1h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := provideConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			ttl := opts.TTL
			if ttl <= 0 {
				ttl = cfg.Auth.ExpiresIn()
			}
			token, expiresAt, err := auth.GenerateToken(auth.Operator{
				UserID:   opts.UserID,
				TenantID: opts.TenantID,
				Name:     opts.Name,
				Teams:    opts.Teams,
			}, cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.UserID, "user", "", "Operator user id")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "Tenant the operator belongs to")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Display name")
	cmd.Flags().StringSliceVar(&opts.Teams, "team", nil, "Team membership (repeatable)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "Token lifetime (defaults to auth.jwt_expires_in)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
