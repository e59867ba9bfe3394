// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package credentials keeps node credential definitions and values in memory.
package credentials

import (
	"maps"
	"sync"

	"github.com/holomush/holoflow/internal/node"
)

// Store holds credential definitions per node type and values per node id.
type Store struct {
	mu     sync.RWMutex
	defs   map[string]map[string]node.CredentialField
	values map[string]map[string]string
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		defs:   make(map[string]map[string]node.CredentialField),
		values: make(map[string]map[string]string),
	}
}

// Register records the credential definition of a node type.
func (s *Store) Register(nodeType string, defs map[string]node.CredentialField) {
	if len(defs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[nodeType] = maps.Clone(defs)
}

// Definition returns the credential definition of a node type.
func (s *Store) Definition(nodeType string) (map[string]node.CredentialField, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[nodeType]
	return maps.Clone(d), ok
}

// Get returns a copy of the credentials of a node instance.
func (s *Store) Get(id string) (map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[id]
	return maps.Clone(v), ok
}

// Add stores the credentials of a node instance, replacing existing ones.
func (s *Store) Add(id string, values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id] = maps.Clone(values)
}

// Delete removes the credentials of a node instance.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, id)
}

// Clear drops all definitions and values.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.defs)
	clear(s.values)
}
