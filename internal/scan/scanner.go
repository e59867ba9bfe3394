// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package scan discovers node-type implementation files on disk.
package scan

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/holomush/holoflow/internal/events"
)

// IconDir is the directory name reported to the event sink.
const IconDir = "icons"

// excludedDirs matches directory names that are never descended into.
var excludedDirs = regexp.MustCompile(`^(\..*|lib|icons|node_modules|test|locales)$`)

// orderPrefix matches the ordering prefix of implementation file names.
var orderPrefix = regexp.MustCompile(`^\d+-`)

// Root is a directory to scan.
type Root struct {
	Path  string `koanf:"path" yaml:"path"`
	Local bool   `koanf:"local" yaml:"local"`
}

// Candidate identifies one implementation file found by a scan.
type Candidate struct {
	Module   string
	Name     string
	File     string
	Template string
	Version  string
	Local    bool
}

// ID returns the id the NodeSet for this candidate is registered under.
func (c Candidate) ID() string {
	return c.Module + "/" + c.Name
}

// Dir returns the directory holding the implementation file.
func (c Candidate) Dir() string {
	return filepath.Dir(c.File)
}

// moduleOwner is the module a directory's files belong to.
type moduleOwner struct {
	name    string
	version string
}

// Scanner walks root directories for implementation files.
type Scanner struct {
	extensions  map[string]struct{}
	coreModule  string
	coreVersion string
	emitter     events.Emitter
	logger      *slog.Logger
	manifests   *ManifestSet
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithExtensions sets the file extensions recognized as implementation files.
func WithExtensions(exts ...string) Option {
	return func(s *Scanner) {
		s.extensions = make(map[string]struct{}, len(exts))
		for _, ext := range exts {
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			s.extensions[ext] = struct{}{}
		}
	}
}

// WithCoreModule sets the module owning files not below any manifest.
func WithCoreModule(name, version string) Option {
	return func(s *Scanner) {
		s.coreModule = name
		s.coreVersion = version
	}
}

// WithEmitter sets the event sink for icon directories.
func WithEmitter(e events.Emitter) Option {
	return func(s *Scanner) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithManifestSet records every valid manifest found during a scan in ms.
func WithManifestSet(ms *ManifestSet) Option {
	return func(s *Scanner) {
		s.manifests = ms
	}
}

// New creates a Scanner. By default it recognizes ".js" and ".lua" files and
// assigns unowned files to the "holoflow" module.
func New(opts ...Option) *Scanner {
	s := &Scanner{
		coreModule: "holoflow",
		emitter:    events.Discard,
		logger:     slog.Default(),
	}
	WithExtensions(".js", ".lua")(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan walks each root and returns its candidates. Entries of every
// directory are visited in lexicographic order and the results of the roots
// are concatenated in the order given, so the output is deterministic even
// though roots are walked concurrently. Any unreadable directory fails the
// whole scan.
func (s *Scanner) Scan(ctx context.Context, roots []Root) ([]Candidate, error) {
	results := make([][]Candidate, len(roots))

	g, ctx := errgroup.WithContext(ctx)
	for i, root := range roots {
		g.Go(func() error {
			owner := moduleOwner{name: s.coreModule, version: s.coreVersion}
			found, err := s.walk(ctx, root.Path, root, owner)
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Candidate
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (s *Scanner) walk(ctx context.Context, dir string, root Root, owner moduleOwner) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.In("scan").Code("SCAN_FAILED").With("dir", dir).Wrap(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, oops.In("scan").Code("SCAN_FAILED").With("dir", dir).Wrapf(err, "read directory")
	}

	owner, ok := s.ownerOf(dir, owner)
	if !ok {
		return nil, nil
	}

	var out []Candidate
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(dir, name)

		isDir, err := s.isDir(entry, path)
		if err != nil {
			return nil, oops.In("scan").Code("SCAN_FAILED").With("path", path).Wrapf(err, "stat entry")
		}

		if isDir {
			if name == IconDir {
				s.emitter.Emit(events.NodeIconDir, path)
			}
			if excludedDirs.MatchString(name) {
				continue
			}
			found, err := s.walk(ctx, path, root, owner)
			if err != nil {
				return nil, err
			}
			out = append(out, found...)
			continue
		}

		ext := filepath.Ext(name)
		if _, ok := s.extensions[ext]; !ok {
			continue
		}
		base := strings.TrimSuffix(name, ext)
		out = append(out, Candidate{
			Module:   owner.name,
			Name:     orderPrefix.ReplaceAllString(base, ""),
			File:     path,
			Template: filepath.Join(dir, base+".html"),
			Version:  owner.version,
			Local:    root.Local,
		})
	}
	return out, nil
}

// ownerOf returns the module owning dir. A valid manifest in dir starts a
// new module; an invalid one causes the directory to be skipped.
func (s *Scanner) ownerOf(dir string, parent moduleOwner) (moduleOwner, bool) {
	manifestPath := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath is constructed from ReadDir entries
	if errors.Is(err, fs.ErrNotExist) {
		return parent, true
	}
	if err != nil {
		s.logger.Warn("skipping module with unreadable manifest", "dir", dir, "error", err)
		return parent, false
	}

	m, err := ParseManifest(data)
	if err != nil {
		s.logger.Warn("skipping module with invalid manifest",
			"dir", dir,
			"error", FormatSchemaError(err))
		return parent, false
	}

	if s.manifests != nil {
		s.manifests.put(m)
	}
	return moduleOwner{name: m.Name, version: m.Version}, true
}

func (s *Scanner) isDir(entry fs.DirEntry, path string) (bool, error) {
	if entry.Type()&fs.ModeSymlink == 0 {
		return entry.IsDir(), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("ignoring dangling symlink", "path", path)
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}
