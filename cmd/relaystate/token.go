package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaystate/internal/hub"
)

func newTokenCommand(a *app) *cobra.Command {
	var (
		clientID string
		peerID   string
		scopes   []string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a hub bearer token",
		Long: `Sign a bearer token with the hub secret for one client.

Examples:
  # Token for a peer that syncs and reads presence
  relaystate token --client client_a --peer agent_1

  # Read-only presence token valid for one hour
  relaystate token --client client_a --scope presence:read --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if clientID == "" {
				return errors.New("--client is required")
			}
			if a.cfg.Hub.JWTSecret == "" {
				return errNoHubSecret
			}
			token, err := hub.IssueToken(a.cfg.Hub.JWTSecret, clientID, peerID, scopes, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "Client the token is scoped to")
	cmd.Flags().StringVar(&peerID, "peer", "", "Bind the token to a peer id")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{hub.ScopeSync, hub.ScopePresenceRead}, "Granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", issuedTokenTTL, "Token lifetime")
	return cmd
}
