package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaystate/internal/coordinator"
	"github.com/agentworkforce/relaystate/internal/storage"
	"github.com/agentworkforce/relaystate/internal/tenant"
)

var errCriticalFindings = errors.New("audit reported critical findings")

func newAuditCommand(a *app) *cobra.Command {
	var clients []string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check persisted states for integrity problems",
		Long: `Load every state of the selected clients from storage, run the
integrity audit and print the reports as JSON. Nothing is repaired.

The command fails when any report contains a critical finding.

Examples:
  # Audit the clients from the config file
  relaystate audit --config relaystate.yaml

  # Audit one client of a local bolt store
  RELAYSTATE_STORAGE_DSN=bolt:./states.db relaystate audit --client client_a`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(clients) == 0 {
				clients = a.cfg.Node.Clients
			}
			backend, err := openBackend(a.cfg.Storage)
			if err != nil {
				return err
			}
			if backend == nil {
				return errors.New("audit needs persistent storage; set storage.dsn or RELAYSTATE_STORAGE_DSN")
			}
			defer backend.Close()
			return runAudit(cmd.Context(), backend, clients, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&clients, "client", nil, "Client to audit (repeatable, default: node.clients)")
	return cmd
}

func runAudit(ctx context.Context, backend storage.Backend, clients []string, out io.Writer) error {
	if len(clients) == 0 {
		return errors.New("no clients to audit")
	}
	reports := make([]coordinator.AuditReport, 0, len(clients))
	critical := false
	for _, clientID := range clients {
		rt, err := tenant.New(ctx, tenant.Options{ClientID: clientID, Backend: backend})
		if err != nil {
			return fmt.Errorf("load %s: %w", clientID, err)
		}
		report := rt.Coordinator().Audit(ctx)
		if err := rt.Close(); err != nil {
			return fmt.Errorf("close %s: %w", clientID, err)
		}
		critical = critical || report.Critical()
		reports = append(reports, report)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		return err
	}
	if critical {
		return errCriticalFindings
	}
	return nil
}
