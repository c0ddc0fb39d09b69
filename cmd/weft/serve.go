// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/weft-dev/weft/internal/config"
	"github.com/weft-dev/weft/internal/events"
	"github.com/weft-dev/weft/internal/health"
	"github.com/weft-dev/weft/internal/orchestrator"
	"github.com/weft-dev/weft/internal/provider"
	"github.com/weft-dev/weft/internal/provider/httpgen"
	"github.com/weft-dev/weft/internal/resilience"
	"github.com/weft-dev/weft/internal/resource"
	"github.com/weft-dev/weft/internal/server"
	wefterr "github.com/weft-dev/weft/pkg/errors"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the weft gateway",
		Long:  "Load configuration, register providers, start the monitoring loops, and serve the status API until interrupted.",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "override status server listen address (host:port)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath := resolveConfigPath(cmd)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	config.WarnInsecurePermissions(cfgPath)

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}

	logger := newLogger(cfg.Log)
	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return gw.run(ctx)
}

// drainTimeout bounds how long shutdown waits for in-flight requests.
const drainTimeout = 10 * time.Second

// gateway holds the wired components for one serve invocation.
type gateway struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Broadcaster
	registry  *provider.Registry
	monitor   *health.Monitor
	resources *resource.Manager
	srv       *server.Server
}

// buildGateway is the composition root: every component is constructed
// here and handed its collaborators explicitly.
func buildGateway(cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	bus := events.NewBroadcaster(cfg.Events.QueueSize, logger)
	bus.Subscribe(events.SubscriberFunc(func(ev events.Event) {
		logger.Debug("gateway event", "type", string(ev.Type), "provider", ev.Provider)
	}))

	registry := provider.NewRegistry()
	breakers := resilience.NewBreakerManager(logger)
	breakers.AddListener(func(name string, from, to gobreaker.State) {
		bus.Publish(events.Event{
			Type:     events.TypeCircuitStateChanged,
			Provider: name,
			Data:     map[string]any{"from": from.String(), "to": to.String()},
		})
	})

	monitor := health.NewMonitor(registry, bus, cfg.Health, logger)
	resources := resource.NewManager(nil, bus, cfg.Resources, logger)
	resources.AddOptimizer(monitor.Trim)

	orch, err := orchestrator.New(registry, breakers, resilience.NewExecutor(logger),
		monitor, resources, bus, cfg.Orchestrator, logger)
	if err != nil {
		return nil, err
	}

	for name, pc := range cfg.Providers {
		client, err := httpgen.New(httpgen.Options{
			Name:    name,
			BaseURL: pc.Endpoint,
			APIKey:  pc.APIKey,
		})
		if err != nil {
			return nil, wefterr.Wrapf(err, wefterr.CodeCLISetupFailure, "building provider %s", name)
		}
		if err := orch.RegisterProvider(client, provider.Config{
			Priority:      pc.Priority,
			MaxConcurrent: pc.MaxConcurrent,
			Timeout:       pc.Timeout,
			Limits:        pc.Limits,
		}); err != nil {
			return nil, err
		}
		logger.Info("provider registered", "provider", name, "priority", pc.Priority)
	}

	srv, err := server.New(server.Config{ListenAddr: cfg.Server.Listen}, server.Deps{
		Monitor:   monitor,
		Orch:      orch,
		Resources: resources,
		Breakers:  breakers,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &gateway{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		registry:  registry,
		monitor:   monitor,
		resources: resources,
		srv:       srv,
	}, nil
}

// run starts the background loops and the status server, then tears
// everything down in reverse order when the context is cancelled.
func (g *gateway) run(ctx context.Context) error {
	g.bus.Start()
	g.monitor.Start(ctx)
	g.resources.Start(ctx)
	g.logger.Info("weft gateway started", "listen", g.cfg.Server.Listen)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.srv.Start(egCtx) })
	err := eg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	if !g.resources.Drain(drainCtx) {
		g.logger.Warn("shutdown with requests still in flight")
	}
	cancel()

	g.monitor.Stop()
	g.resources.Stop()
	g.bus.Stop()
	if closeErr := g.registry.Close(); closeErr != nil {
		g.logger.Warn("closing providers", "error", closeErr)
	}
	g.logger.Info("weft gateway stopped")

	return err
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
