// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package plugin loads node-type implementation files into their script
// runtimes and hands each one a capability handle.
package plugin

import (
	"context"

	"github.com/holomush/holoflow/internal/registry"
)

// Host runs implementation files of one script runtime.
type Host interface {
	// Runtime names the runtime, e.g. "javascript".
	Runtime() string

	// Extensions lists the implementation file extensions the host runs.
	Extensions() []string

	// Load evaluates the NodeSet's implementation file and invokes its entry
	// point with api. It returns once the entry point has settled or ctx
	// is done.
	Load(ctx context.Context, set *registry.NodeSet, api *API) error

	// Unload releases the module loaded for a NodeSet id.
	Unload(ctx context.Context, id string) error

	// Close unloads every module.
	Close(ctx context.Context) error
}
