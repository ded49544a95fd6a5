package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaystate/internal/config"
	"github.com/agentworkforce/relaystate/internal/hub"
)

const shutdownTimeout = 10 * time.Second

var errNoHubSecret = errors.New("hub jwt secret is required; set hub.jwt_secret or RELAYSTATE_JWT_SECRET")

func newHubCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hub",
		Short: "Run the websocket relay",
		Long: `Run the relay that connects the peers of each client.

Peers authenticate with a bearer token signed by the hub secret and only
ever see traffic from peers of the same client.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runHub(cmd.Context())
		},
	}
}

func newHubServer(cfg config.HubConfig, reg *prometheus.Registry) *hub.Server {
	hcfg := hub.ServerConfig{
		JWTSecret:   cfg.JWTSecret,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
		ReadLimit:   cfg.ReadLimit,
		SendBuffer:  cfg.SendBuffer,
		Compression: cfg.Compression,
	}
	if reg != nil {
		hcfg.Metrics = hub.NewMetrics(reg)
		if cfg.Metrics {
			hcfg.Gatherer = reg
		}
	}
	return hub.NewServer(hcfg)
}

func (a *app) runHub(ctx context.Context) error {
	if a.cfg.Hub.JWTSecret == "" {
		return errNoHubSecret
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	server := newHubServer(a.cfg.Hub, reg)
	httpServer := &http.Server{
		Addr:              a.cfg.Hub.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("relaystate hub listening", "addr", a.cfg.Hub.Addr, "metrics", a.cfg.Hub.Metrics)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("relaystate hub shutting down")
		server.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
