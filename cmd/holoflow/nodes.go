// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/holoflow/internal/registry"
)

// NewNodesCmd creates the nodes command group. Every subcommand runs one
// load cycle and reports on its outcome.
func NewNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Inspect and manage node types",
	}
	cmd.AddCommand(newNodesListCmd())
	cmd.AddCommand(newNodesInfoCmd())
	cmd.AddCommand(newNodesConfigCmd())
	cmd.AddCommand(newNodesEnableCmd(true))
	cmd.AddCommand(newNodesEnableCmd(false))
	return cmd
}

// loadedApp builds the app and runs a load cycle.
func loadedApp(cmd *cobra.Command) (*app, error) {
	a, err := newApp(cmd)
	if err != nil {
		return nil, err
	}
	if err := a.nodes.Load(cmd.Context()); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

type listConfig struct {
	errors     bool
	missing    bool
	disabled   bool
	jsonOutput bool
}

func (c listConfig) filter() registry.Filter {
	switch {
	case c.errors:
		return registry.HasError
	case c.missing:
		return registry.Missing
	case c.disabled:
		return registry.Disabled
	default:
		return nil
	}
}

func newNodesListCmd() *cobra.Command {
	cfg := listConfig{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List node sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadedApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			list := a.nodes.List(cfg.filter())
			if cfg.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			return writeSummaries(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().BoolVar(&cfg.errors, "errors", false, "only node sets that failed")
	cmd.Flags().BoolVar(&cfg.missing, "missing", false, "only node sets whose files are missing")
	cmd.Flags().BoolVar(&cfg.disabled, "disabled", false, "only disabled node sets")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output as JSON")
	cmd.MarkFlagsMutuallyExclusive("errors", "missing", "disabled")
	return cmd
}

func newNodesInfoCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "info <module|type|id>",
		Short: "Describe a module, or the node set declaring a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadedApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			if info, ok := a.nodes.ModuleInfo(args[0]); ok {
				if jsonOutput {
					return writeJSON(out, info)
				}
				fmt.Fprintf(out, "module:  %s\nversion: %s\nlocal:   %t\n\n", info.Name, info.Version, info.Local)
				return writeSummaries(out, info.Nodes)
			}
			if s, ok := a.nodes.NodeInfo(args[0]); ok {
				if jsonOutput {
					return writeJSON(out, s)
				}
				return writeSummaries(out, []registry.Summary{s})
			}
			return oops.In("cli").Code("UNKNOWN_NODE_SET").With("name", args[0]).Errorf("no module, type or node set named %s", args[0])
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func newNodesConfigCmd() *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   "config [id]",
		Short: "Print the editor markup of every usable node set, or of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadedApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) == 0 {
				_, err := io.WriteString(cmd.OutOrStdout(), a.nodes.CombinedConfig(lang))
				return err
			}
			markup, ok := a.nodes.NodeConfig(args[0], lang)
			if !ok {
				return oops.In("cli").Code("UNKNOWN_NODE_SET").With("node_set", args[0]).Errorf("unknown node set %s", args[0])
			}
			_, err = io.WriteString(cmd.OutOrStdout(), markup)
			return err
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "", "language of the help text (default: i18n.default_lang)")
	return cmd
}

func newNodesEnableCmd(enabled bool) *cobra.Command {
	use, short := "enable <id>", "Enable a node set and persist the change"
	if !enabled {
		use, short = "disable <id>", "Disable a node set and persist the change"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadedApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			s, err := a.nodes.SetEnabled(cmd.Context(), args[0], enabled)
			if err != nil {
				return err
			}
			return writeSummaries(cmd.OutOrStdout(), []registry.Summary{s})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeSummaries(w io.Writer, list []registry.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPES\tENABLED\tLOADED\tERROR")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", s.ID, strings.Join(s.Types, ","), s.Enabled, s.Loaded, s.Err)
	}
	return tw.Flush()
}
