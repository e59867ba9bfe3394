// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package registry

import (
	"maps"
	"slices"
)

// NodeSet is the registry record for one implementation file.
type NodeSet struct {
	ID        string
	Module    string
	Name      string
	File      string
	Template  string
	Types     []string
	Config    string
	Help      map[string]string
	Namespace string
	Enabled   bool
	Loaded    bool
	Err       string
	Version   string
	Local     bool
}

// Clone returns a deep copy of n.
func (n *NodeSet) Clone() *NodeSet {
	c := *n
	c.Types = slices.Clone(n.Types)
	c.Help = maps.Clone(n.Help)
	return &c
}

// Summary is the public projection of a NodeSet.
type Summary struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Types   []string `json:"types"`
	Enabled bool     `json:"enabled"`
	Local   bool     `json:"local"`
	Module  string   `json:"module,omitempty"`
	Err     string   `json:"err,omitempty"`
	Version string   `json:"version,omitempty"`
	Loaded  bool     `json:"loaded"`
}

// ModuleInfo describes a module and its NodeSets.
type ModuleInfo struct {
	Name    string    `json:"name"`
	Version string    `json:"version,omitempty"`
	Local   bool      `json:"local"`
	Nodes   []Summary `json:"nodes"`
}

// Filter selects NodeSets in List. A nil Filter selects everything.
type Filter func(*NodeSet) bool

// HasError selects NodeSets that failed to parse or load.
func HasError(n *NodeSet) bool { return n.Err != "" }

// Loaded selects NodeSets whose code loaded.
func Loaded(n *NodeSet) bool { return n.Loaded }

// Disabled selects disabled NodeSets.
func Disabled(n *NodeSet) bool { return !n.Enabled }

// Missing selects NodeSets known to the registry whose code is absent: they
// belong to a module and are enabled but neither loaded nor failed.
func Missing(n *NodeSet) bool {
	return n.Module != "" && n.Enabled && !n.Loaded && n.Err == ""
}

// SetSnapshot is the persisted form of a NodeSet.
type SetSnapshot struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Types   []string `json:"types"`
	Enabled bool     `json:"enabled"`
	Local   bool     `json:"local"`
	Module  string   `json:"module"`
	File    string   `json:"file,omitempty"`
}

// ModuleSnapshot is the persisted form of a module.
type ModuleSnapshot struct {
	Name    string                 `json:"name"`
	Version string                 `json:"version,omitempty"`
	Local   bool                   `json:"local"`
	Nodes   map[string]SetSnapshot `json:"nodes"`
}

// Snapshot is the persisted node list, keyed by module name.
type Snapshot map[string]ModuleSnapshot

// Lookup returns the persisted record of a NodeSet id.
func (s Snapshot) Lookup(module, name string) (SetSnapshot, bool) {
	m, ok := s[module]
	if !ok {
		return SetSnapshot{}, false
	}
	set, ok := m.Nodes[name]
	return set, ok
}

func summarize(n *NodeSet, moduleVersion string) Summary {
	types := slices.Clone(n.Types)
	if types == nil {
		types = []string{}
	}
	return Summary{
		ID:      n.ID,
		Name:    n.Name,
		Types:   types,
		Enabled: n.Enabled,
		Local:   n.Local,
		Module:  n.Module,
		Err:     n.Err,
		Version: moduleVersion,
		Loaded:  n.Loaded,
	}
}
