package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"example.com/stepcount/internal/auth"
	"example.com/stepcount/internal/config"
	"example.com/stepcount/internal/platform/authlib"
)

// newTokenCommand mints a development token with the server's JWT settings.
func newTokenCommand() *cobra.Command {
	var (
		scopes []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := authlib.Issue(authlib.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, args[0], scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(token))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeStepsWrite, auth.ScopeStepsRead}, "scopes to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}
