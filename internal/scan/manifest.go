// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package scan

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name that marks a directory as a module root.
const ManifestFile = "module.yaml"

// Manifest represents a module.yaml file.
type Manifest struct {
	Name         string   `yaml:"name" jsonschema:"pattern=^[a-z@]([a-z0-9@/._-]*[a-z0-9])?$,maxLength=214"`
	Version      string   `yaml:"version" jsonschema:"minLength=1"`
	Description  string   `yaml:"description,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// maxNameLength is the maximum allowed length for module names.
const maxNameLength = 214

// namePattern validates module names: lowercase letters, digits and the
// separators '.', '_', '-', '/', '@'. Must not end with a separator.
var namePattern = regexp.MustCompile(`^[a-z@]([a-z0-9@/._-]*[a-z0-9])?$`)

// ParseManifest parses and validates a module.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	errb := oops.In("scan").Code("MANIFEST_INVALID")

	if err := ValidateSchema(data); err != nil {
		return nil, errb.Wrap(err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errb.Wrapf(err, "invalid YAML")
	}

	if err := m.Validate(); err != nil {
		return nil, errb.With("module", m.Name).Wrap(err)
	}

	return &m, nil
}

// Validate checks manifest constraints the schema cannot express.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must start with a-z or @, contain only a-z, 0-9, '@/._-', and end with a letter or digit", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not a semantic version: %w", m.Version, err)
	}

	for _, c := range m.Capabilities {
		if _, err := glob.Compile(c, '.'); err != nil {
			return fmt.Errorf("capability %q is not a valid pattern: %w", c, err)
		}
	}

	return nil
}

// ManifestSet collects the manifests found by scans, keyed by module name.
type ManifestSet struct {
	mu sync.RWMutex
	m  map[string]*Manifest
}

// NewManifestSet creates an empty ManifestSet.
func NewManifestSet() *ManifestSet {
	return &ManifestSet{m: make(map[string]*Manifest)}
}

func (ms *ManifestSet) put(m *Manifest) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.m[m.Name] = m
}

// Get returns the manifest of a module.
func (ms *ManifestSet) Get(module string) (*Manifest, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	m, ok := ms.m[module]
	return m, ok
}

// Capabilities returns the capability patterns declared by a module.
func (ms *ManifestSet) Capabilities(module string) []string {
	m, ok := ms.Get(module)
	if !ok {
		return nil
	}
	return append([]string(nil), m.Capabilities...)
}

// Reset forgets every manifest.
func (ms *ManifestSet) Reset() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	clear(ms.m)
}

// Modules returns the names of every manifest module, sorted.
func (ms *ManifestSet) Modules() []string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return slices.Sorted(maps.Keys(ms.m))
}
