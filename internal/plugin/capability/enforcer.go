// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package capability checks what a node-type module may do through its
// capability handle.
//
// Grants are gobwas/glob patterns with '.' as the segment separator:
//   - '*' matches a single segment
//   - '**' matches zero or more segments
//
// "events.*" grants "events.emit" but not "events.emit.status"; "**" grants
// everything.
package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// Capabilities checked by the capability handle.
const (
	CredentialsRead = "credentials.read"
	EventsEmit      = "events.emit"
)

// All grants every capability.
const All = "**"

type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer holds the grants of each module. The zero value is ready to use.
type Enforcer struct {
	mu     sync.RWMutex
	grants map[string][]compiledGrant
}

// NewEnforcer creates an Enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]compiledGrant)}
}

// Grant replaces the capabilities of module. Nothing changes if any pattern
// is empty or does not compile.
func (e *Enforcer) Grant(module string, patterns []string) error {
	if module == "" {
		return errors.New("module name cannot be empty")
	}

	compiled := make([]compiledGrant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return fmt.Errorf("capability %d: empty capability pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("capability %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[module] = compiled
	return nil
}

// Revoke removes every grant of module.
func (e *Enforcer) Revoke(module string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, module)
}

// Grants returns the patterns granted to module, or nil if it has none.
func (e *Enforcer) Grants(module string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[module]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Allowed reports whether module holds capability. Unknown modules and
// empty capabilities are denied.
func (e *Enforcer) Allowed(module, capability string) bool {
	if capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, grant := range e.grants[module] {
		if grant.glob.Match(capability) {
			return true
		}
	}
	return false
}

// Reset removes all grants.
func (e *Enforcer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.grants)
}
