// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package main

import (
	"errors"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/holoflow/internal/config"
	"github.com/holomush/holoflow/internal/settings/postgres"
)

// migrator is the part of postgres.Migrator the migrate commands use.
type migrator interface {
	Up() error
	Down() error
	Version() (uint, bool, error)
	Pending() ([]uint, error)
	Close() error
}

// newMigrator is replaced in tests.
var newMigrator = func(databaseURL string) (migrator, error) {
	m, err := postgres.NewMigrator(databaseURL)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewMigrateCmd creates the migrate command group for the PostgreSQL
// settings schema.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL settings schema",
		Long:  `Apply, roll back or inspect migrations of the settings schema used by the postgres settings driver.`,
		Args:  cobra.NoArgs,
		RunE:  runMigrateUp,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE:  runMigrateUp,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		Args:  cobra.NoArgs,
		RunE:  runMigrateDown,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the applied version and pending migrations",
		Args:  cobra.NoArgs,
		RunE:  runMigrateStatus,
	})
	return cmd
}

func openMigrator(cmd *cobra.Command) (migrator, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Settings.DatabaseURL == "" {
		return nil, oops.In("cli").Code("CONFIG_INVALID").Errorf("settings.database_url is required")
	}
	if cfg.Settings.Driver != config.DriverPostgres {
		cmd.PrintErrf("note: settings.driver is %s, migrating %s anyway\n", cfg.Settings.Driver, config.DriverPostgres)
	}
	return newMigrator(cfg.Settings.DatabaseURL)
}

func runMigrateUp(cmd *cobra.Command, _ []string) (err error) {
	m, err := openMigrator(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, m.Close()) }()

	cmd.Println("Running migrations...")
	if err := m.Up(); err != nil {
		return err
	}
	cmd.Println("Migrations completed successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) (err error) {
	m, err := openMigrator(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, m.Close()) }()

	if err := m.Down(); err != nil {
		return err
	}
	cmd.Println("Migrations rolled back")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, _ []string) (err error) {
	m, err := openMigrator(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, m.Close()) }()

	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	pending, err := m.Pending()
	if err != nil {
		return err
	}
	cmd.Printf("version: %d\ndirty:   %t\npending: %v\n", v, dirty, pending)
	return nil
}
