package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/gatekeepoor/pkg/api"
	"github.com/ethpandaops/gatekeepoor/pkg/config"
	"github.com/ethpandaops/gatekeepoor/pkg/gateway"
	"github.com/ethpandaops/gatekeepoor/pkg/metrics"
	"github.com/ethpandaops/gatekeepoor/pkg/registry"
	"github.com/ethpandaops/gatekeepoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServerCmd(log *logrus.Logger) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the gatekeepoor server",
		Long:  `Start the HTTP ingress and admin API server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), log, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml",
		"Path to configuration file")

	return cmd
}

func runServer(ctx context.Context, log *logrus.Logger, configPath string) error {
	// Load configuration.
	log.WithField("path", configPath).Info("Loading configuration")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Info("Configuration loaded:\n" + cfg.String())

	// Create store. The memory driver skips persistence entirely.
	st := newStore(log, cfg)

	if st != nil {
		if err := st.Start(ctx); err != nil {
			return err
		}

		defer st.Stop()

		if err := st.Migrate(ctx); err != nil {
			return err
		}
	}

	// Create metrics.
	m := metrics.New()
	m.SetBuildInfo(Version, GitCommit, BuildDate)

	// Create and start the gateway.
	gw := gateway.New(log, newHandlerResolver())

	if err := gw.Start(ctx); err != nil {
		return err
	}

	defer gw.Stop()

	// Restore persisted registrations, then layer the config-declared
	// ones on top.
	if st != nil {
		if err := loadFromStore(ctx, log, st, gw); err != nil {
			return err
		}
	}

	if err := registerFromConfig(log, cfg, gw); err != nil {
		return err
	}

	// An empty registry serves nothing. Fall back to the seed setup so
	// a fresh install responds out of the box.
	if stats := gw.Stats(); stats.Routes == 0 {
		log.Info("No routes registered, applying seed configuration")

		if err := gateway.ApplyDefaultSeed(gw); err != nil {
			return err
		}
	}

	// Create and start API server.
	srv := api.NewServer(log, cfg, gw, st, m)

	if err := srv.Start(ctx); err != nil {
		return err
	}

	defer srv.Stop()

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("Received shutdown signal")
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	log.Info("Shutting down...")

	return nil
}

// newStore builds the configured store, or nil for the memory driver.
func newStore(log *logrus.Logger, cfg *config.Config) store.Store {
	switch cfg.Database.Driver {
	case "sqlite":
		return store.NewSQLiteStore(log, cfg.Database.SQLite.Path)
	case "postgres":
		return store.NewPostgresStore(log, cfg.GetDSN())
	default:
		return nil
	}
}

// loadFromStore replays persisted registrations into the gateway.
// Rules come first so routes and keys can reference them.
func loadFromStore(ctx context.Context, log *logrus.Logger, st store.Store, gw gateway.Gateway) error {
	rules, err := st.ListRules(ctx)
	if err != nil {
		return err
	}

	for _, rule := range rules {
		if err := gw.RegisterRateLimitRule(rule); err != nil {
			return err
		}
	}

	routes, err := st.ListRoutes(ctx)
	if err != nil {
		return err
	}

	for _, route := range routes {
		gw.RegisterRoute(route)
	}

	keys, err := st.ListAPIKeys(ctx)
	if err != nil {
		return err
	}

	for _, key := range keys {
		gw.RegisterAPIKey(key)
	}

	log.WithFields(logrus.Fields{
		"routes": len(routes),
		"rules":  len(rules),
		"keys":   len(keys),
	}).Info("Restored registrations from store")

	return nil
}

// registerFromConfig applies the config-declared routes, rules and keys.
func registerFromConfig(log *logrus.Logger, cfg *config.Config, gw gateway.Gateway) error {
	for i := range cfg.Gateway.Rules {
		if err := gw.RegisterRateLimitRule(cfg.Gateway.Rules[i].Rule()); err != nil {
			return err
		}
	}

	for _, route := range cfg.Gateway.Routes {
		gw.RegisterRoute(route)
	}

	for _, key := range cfg.Gateway.Keys {
		gw.RegisterAPIKey(key)
	}

	if n := len(cfg.Gateway.Routes) + len(cfg.Gateway.Rules) + len(cfg.Gateway.Keys); n > 0 {
		log.WithField("records", n).Info("Registered configuration-declared records")
	}

	return nil
}

// newHandlerResolver maps handler names to their implementations.
// Unknown names fall through to an echo handler so registered routes
// always resolve.
func newHandlerResolver() gateway.HandlerResolver {
	return gateway.HandlerResolverFunc(func(route *registry.Route) (gateway.Handler, error) {
		switch route.Handler {
		case "health":
			return healthHandler, nil
		case "example":
			return exampleHandler, nil
		default:
			return echoHandler(route.Handler), nil
		}
	})
}

func healthHandler(rctx *gateway.RequestContext, body any, query map[string]string) (*gateway.HandlerResponse, error) {
	return &gateway.HandlerResponse{
		Status: 200,
		Body:   map[string]any{"status": "healthy"},
	}, nil
}

func exampleHandler(rctx *gateway.RequestContext, body any, query map[string]string) (*gateway.HandlerResponse, error) {
	return &gateway.HandlerResponse{
		Status: 200,
		Body: map[string]any{
			"message": "Hello from the gateway",
			"user_id": rctx.UserID,
		},
	}, nil
}

// echoHandler returns a handler that reflects the request back, useful
// for wiring routes before their backends exist.
func echoHandler(name string) gateway.Handler {
	return func(rctx *gateway.RequestContext, body any, query map[string]string) (*gateway.HandlerResponse, error) {
		return &gateway.HandlerResponse{
			Status: 200,
			Body: map[string]any{
				"handler": name,
				"method":  rctx.Method,
				"path":    rctx.Path,
				"body":    body,
				"query":   query,
			},
		}, nil
	}
}
