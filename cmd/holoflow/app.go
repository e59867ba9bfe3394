// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/holoflow/internal/config"
	"github.com/holomush/holoflow/internal/events"
	"github.com/holomush/holoflow/internal/i18n"
	"github.com/holomush/holoflow/internal/logging"
	"github.com/holomush/holoflow/internal/nodes"
	"github.com/holomush/holoflow/internal/settings"
	"github.com/holomush/holoflow/internal/settings/postgres"
)

const serviceName = "holoflow"

// app holds the components every command shares.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  settings.Store
	bus    *events.Bus
	nodes  *nodes.Nodes
	close  func()
}

// loadConfig reads the configuration named by the --config flag, layered
// under the command's flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, oops.In("cli").Code("CONFIG_INVALID").Wrap(err)
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if cfg.Version == "dev" {
		cfg.Version = version
	}
	return cfg, nil
}

// openSettings opens the store selected by settings.driver.
func openSettings(ctx context.Context, cfg config.SettingsConfig) (settings.Store, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case config.DriverFile:
		s, err := settings.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverMemory:
		return settings.NewMemory(), noop, nil
	default:
		return settings.Unavailable, noop, nil
	}
}

// newApp wires configuration, logging, settings and the node runtime.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := logging.SetDefault(serviceName, cfg.Version, cfg.Log.Format, cfg.Log.Level, cmd.ErrOrStderr())

	store, closeStore, err := openSettings(cmd.Context(), cfg.Settings)
	if err != nil {
		return nil, oops.In("cli").With("driver", cfg.Settings.Driver).Wrapf(err, "open settings")
	}

	bus := events.NewBus()
	n := nodes.New(cfg.Nodes.Roots(),
		nodes.WithCoreModule(cfg.Nodes.CoreModule, cfg.Version),
		nodes.WithLoadTimeout(cfg.Nodes.LoadTimeout),
		nodes.WithConcurrency(cfg.Nodes.LoadConcurrency),
		nodes.WithI18n(i18n.New(i18n.WithDefaultLang(cfg.I18n.DefaultLang), i18n.WithLogger(logger))),
		nodes.WithSettings(store),
		nodes.WithEmitter(bus),
		nodes.WithLogger(logger),
	)

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		bus:    bus,
		nodes:  n,
		close: func() {
			if err := n.Close(context.WithoutCancel(cmd.Context())); err != nil {
				logger.Warn("closing node runtimes", "error", err)
			}
			bus.Close()
			closeStore()
		},
	}, nil
}
