// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/holoflow/internal/xdg"
)

// NewRootCmd creates the root command for the HoloFlow CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "holoflow",
		Short: "HoloFlow - node-type runtime for flow automation",
		Long: `HoloFlow discovers node-type modules on disk, loads their code in
sandboxed script runtimes and keeps a registry of the node types available.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", xdg.ConfigFile(), "config file path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json or text)")
	flags.String("user-dir", "", "directory of user-installed node modules")
	flags.String("settings-driver", "file", "settings store (file, postgres, memory, none)")
	flags.String("settings-path", "", "settings file for the file driver")
	flags.String("database-url", "", "PostgreSQL URL for the postgres driver")
	flags.String("default-lang", "en-US", "default language for help text")
	flags.Duration("load-timeout", 0, "bound on each module's load, 0 disables it")
	flags.Int("load-concurrency", 8, "modules loaded at once")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewNodesCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}
