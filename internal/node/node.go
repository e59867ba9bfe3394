// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package node defines the contract every executable node type satisfies.
//
// Node-type modules never hand the runtime an arbitrary object: a module
// registers a Constructor, and every value the Constructor builds is a Node.
// Lifecycle (Close) and message emission (Receive returning messages) are part
// of the interface rather than being grafted onto script objects afterwards.
package node

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Message is a single message flowing between nodes.
type Message map[string]any

// Config is the instance definition a constructor receives.
type Config struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Name  string         `json:"name,omitempty"`
	Props map[string]any `json:"props,omitempty"`
}

// Node is a constructed, running instance of a node type.
type Node interface {
	// ID returns the instance id.
	ID() string

	// Type returns the node type name the instance was built from.
	Type() string

	// Receive delivers an input message and returns the messages the node sent
	// while handling it.
	Receive(ctx context.Context, msg Message) ([]Message, error)

	// Close runs the node's close handlers and releases its resources.
	Close(ctx context.Context) error
}

// Constructor builds node instances for one node type.
type Constructor interface {
	New(ctx context.Context, cfg Config) (Node, error)
}

// ConstructorFunc adapts a function to the Constructor interface.
type ConstructorFunc func(ctx context.Context, cfg Config) (Node, error)

// New calls f.
func (f ConstructorFunc) New(ctx context.Context, cfg Config) (Node, error) {
	return f(ctx, cfg)
}

// CredentialField describes one credential property of a node type.
type CredentialField struct {
	Type string `json:"type"` // "text" or "password"
}

// Options are the optional settings supplied with a type registration.
type Options struct {
	Credentials map[string]CredentialField
}

// NewID returns a fresh instance id.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}

// Normalize fills the defaults of cfg for nodeType.
func Normalize(cfg Config, nodeType string) Config {
	if cfg.ID == "" {
		cfg.ID = NewID()
	}
	if cfg.Type == "" {
		cfg.Type = nodeType
	}
	if cfg.Props == nil {
		cfg.Props = map[string]any{}
	}
	return cfg
}
