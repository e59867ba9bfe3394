// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package nodes is the composition root of node-type discovery. It runs
// load cycles (scan, parse, register, load, persist) and answers queries
// about the node types that are available.
package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/holoflow/internal/credentials"
	"github.com/holomush/holoflow/internal/events"
	"github.com/holomush/holoflow/internal/i18n"
	"github.com/holomush/holoflow/internal/node"
	"github.com/holomush/holoflow/internal/plugin"
	"github.com/holomush/holoflow/internal/plugin/capability"
	"github.com/holomush/holoflow/internal/plugin/javascript"
	pluginlua "github.com/holomush/holoflow/internal/plugin/lua"
	"github.com/holomush/holoflow/internal/registry"
	"github.com/holomush/holoflow/internal/scan"
	"github.com/holomush/holoflow/internal/settings"
	"github.com/holomush/holoflow/internal/template"
	"github.com/holomush/holoflow/pkg/errutil"
)

var tracer = otel.Tracer("holoflow/nodes")

// Nodes owns the registry and the pipeline that fills it.
type Nodes struct {
	roots       []scan.Root
	coreModule  string
	version     string
	timeout     time.Duration
	concurrency int
	hosts       []plugin.Host

	emitter  events.Emitter
	i18n     *i18n.Service
	creds    *credentials.Store
	store    settings.Store
	logger   *slog.Logger
	manifest *scan.ManifestSet
	enforcer *capability.Enforcer

	registry *registry.Registry
	scanner  *scan.Scanner
	parser   *template.Parser
	loader   *plugin.Loader

	loading atomic.Bool
	ready   atomic.Bool
}

// Option configures Nodes.
type Option func(*Nodes)

// WithCoreModule names the module owning files outside any manifest, and
// the runtime version reported to modules.
func WithCoreModule(name, version string) Option {
	return func(n *Nodes) {
		if name != "" {
			n.coreModule = name
		}
		n.version = version
	}
}

// WithLoadTimeout bounds each module load. Zero disables the bound.
func WithLoadTimeout(d time.Duration) Option {
	return func(n *Nodes) { n.timeout = d }
}

// WithConcurrency bounds how many modules load at once.
func WithConcurrency(c int) Option {
	return func(n *Nodes) { n.concurrency = c }
}

// WithHosts replaces the default JavaScript and Lua hosts.
func WithHosts(hosts ...plugin.Host) Option {
	return func(n *Nodes) { n.hosts = hosts }
}

// WithEmitter sets the event sink.
func WithEmitter(e events.Emitter) Option {
	return func(n *Nodes) {
		if e != nil {
			n.emitter = e
		}
	}
}

// WithI18n sets the localization service.
func WithI18n(s *i18n.Service) Option {
	return func(n *Nodes) {
		if s != nil {
			n.i18n = s
		}
	}
}

// WithCredentials sets the credential store exposed to modules.
func WithCredentials(s *credentials.Store) Option {
	return func(n *Nodes) {
		if s != nil {
			n.creds = s
		}
	}
}

// WithSettings sets the store the node list is persisted in.
func WithSettings(s settings.Store) Option {
	return func(n *Nodes) {
		if s != nil {
			n.store = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Nodes) {
		if l != nil {
			n.logger = l
		}
	}
}

// New wires a Nodes scanning roots in order.
func New(roots []scan.Root, opts ...Option) *Nodes {
	n := &Nodes{
		roots:       roots,
		coreModule:  "holoflow",
		timeout:     plugin.DefaultLoadTimeout,
		concurrency: 0,
		emitter:     events.Discard,
		i18n:        i18n.New(),
		creds:       credentials.NewStore(),
		store:       settings.Unavailable,
		logger:      slog.Default(),
		manifest:    scan.NewManifestSet(),
		enforcer:    capability.NewEnforcer(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.hosts == nil {
		n.hosts = []plugin.Host{
			javascript.NewHost(javascript.WithLogger(n.logger)),
			pluginlua.NewHost(),
		}
	}

	n.registry = registry.New(n.i18n,
		registry.WithEmitter(n.emitter),
		registry.WithLogger(n.logger))
	n.parser = template.New(n.i18n, n.registry, template.WithLogger(n.logger))

	loaderOpts := []plugin.LoaderOption{
		plugin.WithTimeout(n.timeout),
		plugin.WithCredentials(n.creds),
		plugin.WithEnforcer(n.enforcer),
		plugin.WithEmitter(n.emitter),
		plugin.WithTranslator(n.i18n),
		plugin.WithVersion(n.version),
		plugin.WithLogger(n.logger),
	}
	if n.concurrency > 0 {
		loaderOpts = append(loaderOpts, plugin.WithConcurrency(n.concurrency))
	}
	for _, h := range n.hosts {
		loaderOpts = append(loaderOpts, plugin.WithHost(h))
	}
	n.loader = plugin.NewLoader(n.registry, loaderOpts...)

	n.scanner = scan.New(
		scan.WithExtensions(n.loader.Extensions()...),
		scan.WithCoreModule(n.coreModule, n.version),
		scan.WithEmitter(n.emitter),
		scan.WithLogger(n.logger),
		scan.WithManifestSet(n.manifest),
	)
	return n
}

// Load runs one load cycle. Scan failures abort the cycle before the
// registry is touched; parse and load failures are recorded on their
// NodeSets. A second call while a cycle is running fails with
// LOAD_IN_PROGRESS.
func (n *Nodes) Load(ctx context.Context) (err error) {
	if !n.loading.CompareAndSwap(false, true) {
		return oops.In("nodes").Code("LOAD_IN_PROGRESS").New("a load cycle is already running")
	}
	defer n.loading.Store(false)

	ctx, span := tracer.Start(ctx, "nodes.load",
		trace.WithAttributes(attribute.Int("nodes.roots", len(n.roots))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	n.manifest.Reset()
	candidates, err := n.scanner.Scan(ctx, n.roots)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("nodes.candidates", len(candidates)))

	if err := n.loader.Reset(ctx); err != nil {
		n.logger.Warn("unloading previous modules", "error", err)
	}
	n.registry.Clear()
	n.grantCapabilities()

	snap := n.readSnapshot(ctx)

	seen := make(map[string]int, len(candidates))
	for _, c := range candidates {
		set := n.parser.Parse(ctx, c)
		seen[set.ID]++
		if count := seen[set.ID]; count > 1 {
			n.rejectClash(set, count)
		}
		if persisted, ok := snap.Lookup(set.Module, strings.TrimPrefix(set.ID, set.Module+"/")); ok {
			set.Enabled = persisted.Enabled
		}
		n.registry.AddNodeSet(set)
	}
	n.addPlaceholders(snap)

	// Placeholders have no file and are skipped by the loader.
	batch := make([]*registry.NodeSet, 0, len(candidates))
	for _, set := range n.registry.NodeSets() {
		if set.File != "" {
			batch = append(batch, set)
		}
	}
	results := n.loader.LoadBatch(ctx, batch)

	failed := n.report()
	span.SetAttributes(
		attribute.Int("nodes.loaded", countLoaded(results)),
		attribute.Int("nodes.failed", failed),
	)

	if n.store.Available() {
		if err := n.save(ctx); err != nil {
			errutil.LogWarn(n.logger, "persisting node list", err)
		}
	}
	n.ready.Store(true)
	return nil
}

// rejectClash handles the count-th NodeSet of a cycle to share an id, which
// happens when one module has equally named files in two directories. The
// first NodeSet keeps the id; later ones are renamed "<id>#<count>" and carry
// the reason they cannot load.
func (n *Nodes) rejectClash(set *registry.NodeSet, count int) {
	id := set.ID
	set.ID = fmt.Sprintf("%s#%d", id, count)
	if set.Err == "" {
		if t, ok := n.claimedType(set.Types); ok {
			set.Err = t + " already registered"
		} else {
			set.Err = set.File + " already loaded"
		}
	}
	n.logger.Warn("node set id already in use",
		"node_set", id,
		"renamed", set.ID,
		"file", set.File,
		"error", set.Err)
}

// grantCapabilities gives the core module every capability and each
// manifest module the capabilities its manifest declares.
func (n *Nodes) grantCapabilities() {
	n.enforcer.Reset()
	if err := n.enforcer.Grant(n.coreModule, []string{capability.All}); err != nil {
		n.logger.Error("granting core capabilities", "error", err)
	}
	for _, name := range n.manifest.Modules() {
		if err := n.enforcer.Grant(name, n.manifest.Capabilities(name)); err != nil {
			n.logger.Warn("ignoring module capabilities", "module", name, "error", err)
		}
	}
}

// addPlaceholders registers persisted NodeSets whose files were not found,
// so they are listed as missing.
func (n *Nodes) addPlaceholders(snap registry.Snapshot) {
	for _, mod := range snap {
		for _, ps := range mod.Nodes {
			if _, ok := n.registry.NodeSet(ps.ID); ok {
				continue
			}
			if _, claimed := n.claimedType(ps.Types); claimed {
				continue
			}
			n.registry.AddNodeSet(&registry.NodeSet{
				ID:      ps.ID,
				Module:  ps.Module,
				Name:    ps.Name,
				Types:   ps.Types,
				Enabled: ps.Enabled,
				Version: mod.Version,
				Local:   ps.Local,
			})
		}
	}
}

// claimedType returns the first of types already claimed by a NodeSet.
func (n *Nodes) claimedType(types []string) (string, bool) {
	for _, t := range types {
		if _, ok := n.registry.TypeID(t); ok {
			return t, true
		}
	}
	return "", false
}

// report logs failed and missing NodeSets and returns how many failed.
func (n *Nodes) report() int {
	failed := n.registry.List(registry.HasError)
	for _, s := range failed {
		n.logger.Warn("node set failed", "node_set", s.ID, "error", s.Err)
	}
	for _, s := range n.registry.List(registry.Missing) {
		n.logger.Warn("node set missing", "node_set", s.ID, "module", s.Module, "types", s.Types)
	}
	n.logger.Info("node types loaded",
		"node_sets", len(n.registry.List(nil)),
		"loaded", len(n.registry.List(registry.Loaded)),
		"failed", len(failed))
	return len(failed)
}

func countLoaded(results []plugin.Result) int {
	count := 0
	for _, r := range results {
		if r.Err == nil && !r.Skipped {
			count++
		}
	}
	return count
}

// Ready reports whether a load cycle has completed.
func (n *Nodes) Ready() bool { return n.ready.Load() }

// List returns summaries of the NodeSets selected by filter.
func (n *Nodes) List(filter registry.Filter) []registry.Summary {
	return n.registry.List(filter)
}

// Constructor returns the constructor backing nodeType.
func (n *Nodes) Constructor(nodeType string) (node.Constructor, bool) {
	return n.registry.Constructor(nodeType)
}

// ModuleInfo describes a module.
func (n *Nodes) ModuleInfo(name string) (registry.ModuleInfo, bool) {
	return n.registry.ModuleInfo(name)
}

// Modules returns the module names, sorted.
func (n *Nodes) Modules() []string {
	return n.registry.Modules()
}

// NodeInfo describes the NodeSet with the given id, or the one declaring
// the given type.
func (n *Nodes) NodeInfo(typeOrID string) (registry.Summary, bool) {
	return n.registry.NodeInfo(typeOrID)
}

// CombinedConfig returns the config markup of every usable NodeSet.
func (n *Nodes) CombinedConfig(lang string) string {
	return n.registry.CombinedConfig(lang)
}

// NodeConfig returns the config markup of one NodeSet.
func (n *Nodes) NodeConfig(id, lang string) (string, bool) {
	return n.registry.NodeConfig(id, lang)
}

// SetEnabled enables or disables a NodeSet and persists the change.
// Enabling a NodeSet that never loaded loads it. It fails with
// LOAD_IN_PROGRESS while a load cycle runs.
func (n *Nodes) SetEnabled(ctx context.Context, id string, enabled bool) (registry.Summary, error) {
	if !n.loading.CompareAndSwap(false, true) {
		return registry.Summary{}, oops.In("nodes").Code("LOAD_IN_PROGRESS").With("node_set", id).
			New("a load cycle is running")
	}
	defer n.loading.Store(false)

	summary, err := n.registry.SetEnabled(id, enabled)
	if err != nil {
		return registry.Summary{}, err
	}

	if enabled && !summary.Loaded && summary.Err == "" {
		if set, ok := n.registry.NodeSet(id); ok && set.File != "" {
			n.loader.Load(ctx, set)
			summary, _ = n.registry.NodeInfo(id)
		}
	}

	if n.store.Available() {
		if err := n.save(ctx); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// Clear empties the registry and unloads every module.
func (n *Nodes) Clear(ctx context.Context) error {
	n.registry.Clear()
	n.enforcer.Reset()
	n.creds.Clear()
	n.ready.Store(false)
	return n.loader.Reset(ctx)
}

// Close unloads every module and shuts the runtimes down.
func (n *Nodes) Close(ctx context.Context) error {
	return n.loader.Close(ctx)
}

// Credentials returns the credential store shared with modules.
func (n *Nodes) Credentials() *credentials.Store { return n.creds }
