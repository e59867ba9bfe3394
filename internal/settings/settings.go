// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package settings persists runtime state, such as the node-set enable
// flags, across restarts.
package settings

import (
	"context"
	"maps"
	"sync"

	"github.com/samber/oops"
)

// NodesKey is the key the node registry snapshot is stored under.
const NodesKey = "nodes"

// Store is a durable key/value store for runtime settings.
type Store interface {
	// Available reports whether the store can persist values.
	Available() bool

	// Get returns the value stored under key, or nil when the key is unset.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error
}

// Unavailable is a Store that persists nothing.
var Unavailable Store = unavailable{}

type unavailable struct{}

func (unavailable) Available() bool { return false }

func (unavailable) Get(context.Context, string) ([]byte, error) {
	return nil, errUnavailable()
}

func (unavailable) Set(context.Context, string, []byte) error {
	return errUnavailable()
}

func errUnavailable() error {
	return oops.In("settings").Code("SETTINGS_UNAVAILABLE").New("settings store is not available")
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

// Available implements Store.
func (m *Memory) Available() bool { return true }

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// Keys returns a copy of every stored value.
func (m *Memory) Keys() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values)
}
