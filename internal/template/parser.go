// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package template extracts declared node types, help text and config markup
// from the HTML template paired with each implementation file.
package template

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/holomush/holoflow/internal/registry"
	"github.com/holomush/holoflow/internal/scan"
)

var (
	typePattern = regexp.MustCompile(`(?i)<script ([^>]*)data-template-name=["']([^"']*)["']`)
	helpPattern = regexp.MustCompile(`(?i)(<script[^>]* data-help-name=[\s\S]*?</script>)`)
	langPattern = regexp.MustCompile(`(?i)^<script[^>]* data-lang=["'](.+?)["']`)
)

// LocalesDir is the directory next to an implementation file holding its
// message catalogues.
const LocalesDir = "locales"

// Catalogs registers message catalogue namespaces.
type Catalogs interface {
	RegisterCatalog(ctx context.Context, ns, dir, file string) error
	DefaultLang() string
}

// TypeIndex reports which NodeSet claims a type.
type TypeIndex interface {
	TypeID(nodeType string) (string, bool)
}

// Parser turns candidates into NodeSets.
type Parser struct {
	catalogs Catalogs
	types    TypeIndex
	logger   *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Parser.
func New(catalogs Catalogs, types TypeIndex, opts ...Option) *Parser {
	p := &Parser{
		catalogs: catalogs,
		types:    types,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse reads the template of c and returns its NodeSet. Parse never fails:
// an unreadable template or a type already claimed by another NodeSet is
// recorded in the NodeSet's Err.
func (p *Parser) Parse(ctx context.Context, c scan.Candidate) *registry.NodeSet {
	set := &registry.NodeSet{
		ID:       c.ID(),
		Module:   c.Module,
		Name:     c.Name,
		File:     c.File,
		Template: c.Template,
		Types:    []string{},
		Help:     map[string]string{},
		Enabled:  true,
		Version:  c.Version,
		Local:    c.Local,
	}

	content, err := os.ReadFile(c.Template)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			set.Err = "Error: " + c.Template + " does not exist"
		} else {
			set.Err = err.Error()
		}
		return set
	}

	set.Types = DeclaredTypes(string(content))
	set.Config, set.Help = SplitHelp(string(content), p.catalogs.DefaultLang())

	for _, t := range set.Types {
		if owner, ok := p.types.TypeID(t); ok && owner != set.ID {
			set.Err = t + " already registered"
			break
		}
	}

	set.Namespace = c.Module
	localesDir := filepath.Join(c.Dir(), LocalesDir)
	if info, err := os.Stat(localesDir); err == nil && info.IsDir() {
		set.Namespace = set.ID
		file := strings.TrimSuffix(filepath.Base(c.File), filepath.Ext(c.File)) + ".json"
		if err := p.catalogs.RegisterCatalog(ctx, set.ID, localesDir, file); err != nil {
			p.logger.Warn("registering message catalogue",
				"node_set", set.ID,
				"dir", localesDir,
				"error", err)
		}
	}

	return set
}

// DeclaredTypes returns the type names declared by template blocks, in
// document order. Duplicates are kept.
func DeclaredTypes(content string) []string {
	matches := typePattern.FindAllStringSubmatch(content, -1)
	types := make([]string, 0, len(matches))
	for _, m := range matches {
		types = append(types, m[2])
	}
	return types
}

// SplitHelp removes every help block from content. It returns the remaining
// markup and the help blocks concatenated per language; blocks without a
// data-lang attribute belong to defaultLang.
func SplitHelp(content, defaultLang string) (string, map[string]string) {
	help := make(map[string]string)
	var main strings.Builder
	last := 0
	for _, loc := range helpPattern.FindAllStringIndex(content, -1) {
		main.WriteString(content[last:loc[0]])
		block := content[loc[0]:loc[1]]
		lang := defaultLang
		if m := langPattern.FindStringSubmatch(block); m != nil {
			lang = m[1]
		}
		help[lang] += block
		last = loc[1]
	}
	main.WriteString(content[last:])
	return main.String(), help
}
