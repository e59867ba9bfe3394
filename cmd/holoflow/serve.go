// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holomush/holoflow/internal/events"
	"github.com/holomush/holoflow/internal/observability"
	"github.com/holomush/holoflow/pkg/errutil"
)

const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load node types and keep them available",
		Long: `Run a load cycle over the configured node directories and keep the
runtime alive, serving metrics and health probes when metrics.addr is set.
SIGHUP runs a new load cycle.`,
		RunE: runServe,
	}
	cmd.Flags().String("metrics-addr", "", "metrics/health HTTP address (empty = disabled)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go logEvents(ctx, a.bus, a.logger)

	var obsServer *observability.Server
	if a.cfg.Metrics.Addr != "" {
		obsServer = observability.NewServer(a.cfg.Metrics.Addr, a.nodes.Ready,
			observability.WithNodeSets(a.nodes), observability.WithLogger(a.logger))
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
	}

	if err := a.nodes.Load(ctx); err != nil {
		errutil.LogError(a.logger, "initial load cycle failed", err)
		stopServer(obsServer)
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	cmd.Println("HoloFlow ready")
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				a.logger.Info("reloading node types")
				if err := a.nodes.Load(ctx); err != nil {
					errutil.LogWarn(a.logger, "reload failed", err)
				}
				continue
			}
			a.logger.Info("received shutdown signal", "signal", sig)
		case <-ctx.Done():
			a.logger.Info("context cancelled, shutting down")
		}
		break
	}

	stopServer(obsServer)
	a.logger.Info("shutdown complete")
	return nil
}

func stopServer(s *observability.Server) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		slog.Warn("error stopping observability server", "error", err)
	}
}

// logEvents logs runtime events until ctx is done.
func logEvents(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	registered := bus.Subscribe(events.TypeRegistered)
	defer bus.Unsubscribe(events.TypeRegistered, registered)
	for {
		select {
		case ev, ok := <-registered:
			if !ok {
				return
			}
			logger.Debug("node type registered", "type", ev.Payload)
		case <-ctx.Done():
			return
		}
	}
}

// monitorServerErrors cancels ctx when a server reports an error.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
