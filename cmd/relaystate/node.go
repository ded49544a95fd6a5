package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaystate/internal/config"
	"github.com/agentworkforce/relaystate/internal/coordinator"
	"github.com/agentworkforce/relaystate/internal/hub"
	"github.com/agentworkforce/relaystate/internal/statestore"
	"github.com/agentworkforce/relaystate/internal/storage"
	"github.com/agentworkforce/relaystate/internal/tenant"
	"github.com/agentworkforce/relaystate/internal/transport"
)

const issuedTokenTTL = 24 * time.Hour

func newNodeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "node",
		Short: "Run the state runtimes of the configured clients",
		Long: `Run one runtime per configured client. Each runtime reloads its states
from storage and, when a hub URL is configured, joins the hub to keep
them in sync with the other peers of the same client.

Editing the config file changes the conflict strategy of every running
client without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runNode(cmd.Context())
		},
	}
}

func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil
	}
	backend, err := storage.BuildBackendFromDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", cfg.DSN, err)
	}
	return backend, nil
}

// buildTenant returns the tenant.BuildFunc for the node configuration.
func buildTenant(cfg config.NodeConfig, backend storage.Backend, reg prometheus.Registerer) tenant.BuildFunc {
	return func(clientID string) (tenant.Options, error) {
		strategy, err := coordinator.ParseStrategy(cfg.Strategy)
		if err != nil {
			return tenant.Options{}, err
		}
		opts := tenant.Options{
			ClientID: clientID,
			Backend:  backend,
			Store: statestore.Options{
				MaxStates:        cfg.MaxStates,
				MaxQueuedUpdates: cfg.MaxQueuedUpdates,
			},
			Coordinator: coordinator.Options{
				Strategy:          strategy,
				LockTimeout:       cfg.LockTimeout,
				LockTTL:           cfg.LockTTL,
				AuditInterval:     cfg.AuditInterval,
				ValidateIntegrity: cfg.ValidateIntegrity,
			},
			Registerer: reg,
		}
		if strings.TrimSpace(cfg.HubURL) == "" {
			return opts, nil
		}
		tr, err := transportOptions(cfg, clientID)
		if err != nil {
			return tenant.Options{}, err
		}
		opts.Transport = tr
		return opts, nil
	}
}

func transportOptions(cfg config.NodeConfig, clientID string) (*transport.Options, error) {
	token := cfg.Token
	if token == "" && cfg.JWTSecret != "" {
		issued, err := hub.IssueToken(cfg.JWTSecret, clientID, cfg.PeerID, []string{hub.ScopeSync, hub.ScopePresenceRead}, issuedTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("issue token for %s: %w", clientID, err)
		}
		token = issued
	}
	policy, err := transport.ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	outbox, err := transport.BuildOutboxFromDSN(cfg.OutboxDSNFor(clientID), cfg.OutboxCapacity, policy)
	if err != nil {
		return nil, fmt.Errorf("open outbox for %s: %w", clientID, err)
	}
	return &transport.Options{
		URL:                  cfg.SyncURL(clientID),
		PeerID:               cfg.PeerID,
		Token:                token,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		RequestTimeout:       cfg.RequestTimeout,
		Compression:          cfg.Compression,
		Outbox:               outbox,
		OutboxCapacity:       cfg.OutboxCapacity,
		OverflowPolicy:       policy,
	}, nil
}

func applyStrategy(m *tenant.Manager, raw string) error {
	strategy, err := coordinator.ParseStrategy(raw)
	if err != nil {
		return err
	}
	var errs []error
	for _, clientID := range m.Clients() {
		rt, ok := m.Lookup(clientID)
		if !ok {
			continue
		}
		if err := rt.Coordinator().SetStrategy(strategy); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", clientID, err))
		}
	}
	return errors.Join(errs...)
}

func (a *app) runNode(ctx context.Context) error {
	if len(a.cfg.Node.Clients) == 0 {
		return errors.New("no clients configured; set node.clients or RELAYSTATE_CLIENTS")
	}
	backend, err := openBackend(a.cfg.Storage)
	if err != nil {
		return err
	}
	if backend != nil {
		defer backend.Close()
		a.logger.Info("storage ready", "backend", storage.Describe(backend))
	}

	reg := prometheus.NewRegistry()
	manager := tenant.NewManager(buildTenant(a.cfg.Node, backend, reg), a.logger)
	defer manager.Close()
	for _, clientID := range a.cfg.Node.Clients {
		if _, err := manager.Get(ctx, clientID); err != nil {
			return err
		}
	}
	a.logger.Info("relaystate node running", "clients", manager.Clients(), "hub_url", a.cfg.Node.HubURL)

	g, gctx := errgroup.WithContext(ctx)
	if a.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, a.configPath, a.logger, func(next config.Config) {
				if next.Node.Strategy == a.cfg.Node.Strategy {
					return
				}
				if err := applyStrategy(manager, next.Node.Strategy); err != nil {
					a.logger.Warn("strategy reload failed", "error", err)
					return
				}
				a.logger.Info("conflict strategy changed", "from", a.cfg.Node.Strategy, "to", next.Node.Strategy)
				a.cfg.Node.Strategy = next.Node.Strategy
			})
		})
	}
	if addr := a.cfg.Node.MetricsAddr; addr != "" {
		metricsServer := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("node metrics listening", "addr", addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("relaystate node shutting down")
		return nil
	})
	return g.Wait()
}
