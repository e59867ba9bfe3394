// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package i18n holds message catalogues for node-type modules and resolves
// localized help text with language fallback.
package i18n

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samber/oops"
	"golang.org/x/text/language"
)

// DefaultLang is the process default locale.
const DefaultLang = "en-US"

// nsSeparator splits "namespace:key" lookups.
const nsSeparator = ":"

// Service stores catalogues by namespace and language.
type Service struct {
	defaultLang string
	logger      *slog.Logger

	mu       sync.RWMutex
	catalogs map[string]map[string]map[string]any // ns -> lang -> messages
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultLang sets the language used when no better match exists.
func WithDefaultLang(lang string) Option {
	return func(s *Service) {
		if lang != "" {
			s.defaultLang = lang
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Service.
func New(opts ...Option) *Service {
	s := &Service{
		defaultLang: DefaultLang,
		logger:      slog.Default(),
		catalogs:    make(map[string]map[string]map[string]any),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultLang returns the configured default language.
func (s *Service) DefaultLang() string {
	return s.defaultLang
}

// Lang returns the canonical form of lang. An empty or malformed tag
// yields the default language, so a tag is always safe to use as a path
// segment or cache key.
func (s *Service) Lang(lang string) string {
	if lang == "" {
		return s.defaultLang
	}
	t, err := language.Parse(lang)
	if err != nil {
		return s.defaultLang
	}
	return t.String()
}

// RegisterCatalog loads every <dir>/<lang>/<file> JSON catalogue under the
// namespace ns. Catalogues for non-default languages are merged over the
// default language so that untranslated keys still resolve. A missing dir is
// not an error; the namespace is then registered empty.
func (s *Service) RegisterCatalog(ctx context.Context, ns, dir, file string) error {
	errb := oops.In("i18n").With("namespace", ns).With("dir", dir)

	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errb.Wrapf(err, "read catalogue directory")
	}

	langs := make(map[string]map[string]any)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return errb.Wrap(err)
		}
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), file)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return errb.With("path", path).Wrapf(err, "read catalogue")
		}
		var msgs map[string]any
		if err := json.Unmarshal(data, &msgs); err != nil {
			s.logger.Warn("skipping malformed catalogue", "path", path, "error", err)
			continue
		}
		langs[e.Name()] = msgs
	}

	if def, ok := langs[s.defaultLang]; ok {
		for lang, msgs := range langs {
			if lang != s.defaultLang {
				langs[lang] = merge(def, msgs)
			}
		}
	}

	s.mu.Lock()
	s.catalogs[ns] = langs
	s.mu.Unlock()
	return nil
}

// Catalog returns the catalogue for ns in the best available language:
// the exact tag, then its base language, then the default language.
func (s *Service) Catalog(ns, lang string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	langs, ok := s.catalogs[ns]
	if !ok {
		return nil, false
	}
	for _, candidate := range s.fallbacks(lang) {
		if msgs, ok := langs[candidate]; ok {
			return msgs, true
		}
	}
	return nil, false
}

// Namespaces returns the registered namespaces in sorted order.
func (s *Service) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.catalogs))
	for ns := range s.catalogs {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// T translates key. A key of the form "ns:path.to.msg" overrides ns. Nested
// catalogue objects are addressed with '.' separated paths. Unresolved keys
// are returned unchanged.
func (s *Service) T(ns, key, lang string) string {
	if i := strings.Index(key, nsSeparator); i >= 0 {
		ns, key = key[:i], key[i+1:]
	}
	msgs, ok := s.Catalog(ns, lang)
	if !ok {
		return key
	}
	if v, ok := lookup(msgs, key); ok {
		return v
	}
	return key
}

// ResolveHelp picks the help text for lang from the template's inline
// fragments and the localized help files next to the implementation file.
// Order: exact fragment, exact file, base-language fragment, base-language
// file, default-language fragment, then the lexicographically first fragment.
// It returns "" only when no help exists in any language.
func (s *Service) ResolveHelp(help map[string]string, dir, template, lang string) string {
	lang = s.Lang(lang)
	for _, tag := range distinct(lang, baseOf(lang)) {
		if text, ok := help[tag]; ok {
			return text
		}
		if text, ok := s.readHelpFile(dir, tag, template); ok {
			return text
		}
	}
	if text, ok := help[s.defaultLang]; ok {
		return text
	}
	if len(help) == 0 {
		return ""
	}
	tags := make([]string, 0, len(help))
	for tag := range help {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return help[tags[0]]
}

func (s *Service) readHelpFile(dir, tag, template string) (string, bool) {
	if dir == "" || template == "" {
		return "", false
	}
	path := filepath.Join(dir, "locales", tag, filepath.Base(template))
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("reading localized help", "path", path, "error", err)
		}
		return "", false
	}
	return string(data), true
}

func (s *Service) fallbacks(lang string) []string {
	lang = s.Lang(lang)
	return distinct(lang, baseOf(lang), s.defaultLang)
}

// baseOf returns the base language of tag ("fr-CA" -> "fr"). Tags that do
// not parse are returned unchanged.
func baseOf(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	base, _ := t.Base()
	return base.String()
}

func distinct(tags ...string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func lookup(msgs map[string]any, key string) (string, bool) {
	var cur any = msgs
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = m[part]; !ok {
			return "", false
		}
	}
	str, ok := cur.(string)
	return str, ok
}

// merge returns a copy of base overlaid with over, recursing into objects.
func merge(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = merge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}
