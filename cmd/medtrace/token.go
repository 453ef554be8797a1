package main

import (
	"errors"
	"fmt"
	"medtrace/internal/api"
	"medtrace/pkg/domain"
	"time"

	"github.com/spf13/cobra"
)

func tokenCommand() *cobra.Command {
	var (
		username string
		role     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an identity token signed with the configured key, for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cfg.Identity.SigningKey == "" {
				return errors.New("identity signing key is required")
			}
			if username == "" {
				return errors.New("--user is required")
			}
			r, ok := domain.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			token, err := api.NewTokenIssuer(cfg.Identity.SigningKey, ttl).Issue(domain.Actor{Username: username, Role: r})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "username carried by the token")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleConsumer), "role carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
