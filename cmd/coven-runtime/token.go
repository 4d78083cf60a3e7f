// ABOUTME: token subcommand minting worker and operator JWTs
// ABOUTME: Signs with auth.jwt_secret from the gateway config

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-runtime/internal/auth"
)

func newTokenCmd(load configLoader) *cobra.Command {
	var (
		subject string
		kind    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a token for a worker or operator",
		Long:  "Signs a JWT with the configured auth.jwt_secret.\nWorkers pass it on the gRPC stream; operators use it for the /api endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return errors.New("--subject is required")
			}
			k := auth.Kind(kind)
			if k != auth.KindWorker && k != auth.KindOperator {
				return fmt.Errorf("--kind must be %q or %q", auth.KindWorker, auth.KindOperator)
			}

			cfg, _, err := load(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set in the config")
			}

			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			token, err := verifier.Generate(subject, k, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "principal id carried in the token")
	cmd.Flags().StringVar(&kind, "kind", string(auth.KindWorker), "worker or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}
