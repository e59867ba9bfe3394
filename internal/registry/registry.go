// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package registry is the table of record for node types: which NodeSets
// exist, which types they declare, which constructors back those types and
// whether each NodeSet is enabled, loaded or failed.
//
// A type name is claimed by at most one NodeSet. The constructor table may
// lag the type index while modules load, but never holds a constructor for a
// type whose NodeSet is disabled or failed: disabling a NodeSet parks its
// constructors and failing it drops them.
package registry

import (
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/holoflow/internal/events"
	"github.com/holomush/holoflow/internal/node"
)

// HelpResolver picks localized help text for a NodeSet.
type HelpResolver interface {
	ResolveHelp(help map[string]string, dir, template, lang string) string
	// Lang canonicalizes a requested language, falling back to the default.
	Lang(lang string) string
}

type binding struct {
	setID string
	ctor  node.Constructor
}

type moduleRecord struct {
	name    string
	version string
	local   bool
	sets    []string
}

// Registry holds NodeSets, modules, the type index, the constructor table
// and the combined config cache. The zero value is not usable; call New.
type Registry struct {
	help    HelpResolver
	emitter events.Emitter
	logger  *slog.Logger

	mu        sync.RWMutex
	modules   map[string]*moduleRecord
	sets      map[string]*NodeSet
	order     []string
	typeIndex map[string]string
	ctors     map[string]binding
	parked    map[string]map[string]node.Constructor
	cache     map[string]string

	// disabled holds the NodeSets disabled on request, as opposed to those
	// disabled by a failed load. Only the former are persisted as disabled.
	disabled map[string]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithEmitter sets the event sink for type registrations.
func WithEmitter(e events.Emitter) Option {
	return func(r *Registry) {
		if e != nil {
			r.emitter = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty Registry resolving help text through help.
func New(help HelpResolver, opts ...Option) *Registry {
	r := &Registry{
		help:    help,
		emitter: events.Discard,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.reset()
	return r
}

func (r *Registry) reset() {
	r.modules = make(map[string]*moduleRecord)
	r.sets = make(map[string]*NodeSet)
	r.order = nil
	r.typeIndex = make(map[string]string)
	r.ctors = make(map[string]binding)
	r.parked = make(map[string]map[string]node.Constructor)
	r.cache = make(map[string]string)
	r.disabled = make(map[string]struct{})
}

// Clear empties every table. It must not run concurrently with a load batch.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

// AddNodeSet registers set, replacing any NodeSet with the same id. An
// error-free set claims each of its declared types; if any of them is
// already claimed by another NodeSet the set records "<type> already
// registered" and claims none. The registry keeps its own copy of set.
func (r *Registry) AddNodeSet(set *NodeSet) {
	set = set.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sets[set.ID]; exists {
		r.release(set.ID)
	} else {
		r.order = append(r.order, set.ID)
	}

	mod, ok := r.modules[set.Module]
	if !ok {
		mod = &moduleRecord{name: set.Module, version: set.Version, local: set.Local}
		r.modules[set.Module] = mod
	}
	if !slices.Contains(mod.sets, set.ID) {
		mod.sets = append(mod.sets, set.ID)
	}

	if set.Err == "" {
		for _, t := range set.Types {
			if owner, claimed := r.typeIndex[t]; claimed && owner != set.ID {
				set.Err = t + " already registered"
				r.logger.Warn("duplicate node type",
					"type", t,
					"node_set", set.ID,
					"owner", owner)
				break
			}
		}
	}
	if set.Err == "" {
		for _, t := range set.Types {
			r.typeIndex[t] = set.ID
		}
	}

	if set.Enabled {
		delete(r.disabled, set.ID)
	} else {
		r.disabled[set.ID] = struct{}{}
	}
	r.sets[set.ID] = set
	r.invalidate()
}

// release drops the type claims and constructors held by id.
func (r *Registry) release(id string) {
	for t, owner := range r.typeIndex {
		if owner == id {
			delete(r.typeIndex, t)
		}
	}
	r.dropConstructors(id)
}

func (r *Registry) dropConstructors(id string) {
	for t, b := range r.ctors {
		if b.setID == id {
			delete(r.ctors, t)
		}
	}
	delete(r.parked, id)
}

// RegisterConstructor binds ctor to nodeType on behalf of the NodeSet setID.
// It fails with DUPLICATE_TYPE when the type is claimed by, or bound to, a
// different NodeSet. A type missing from the NodeSet's declared types is
// appended to them.
func (r *Registry) RegisterConstructor(setID, nodeType string, ctor node.Constructor) error {
	r.mu.Lock()

	set, ok := r.sets[setID]
	if !ok {
		r.mu.Unlock()
		recordRegistration(StatusUnknownSet)
		return oops.In("registry").Code("UNKNOWN_NODE_SET").With("node_set", setID).With("type", nodeType).
			Errorf("unknown node set %s", setID)
	}

	owner, claimed := r.typeIndex[nodeType]
	if b, bound := r.ctors[nodeType]; bound && b.setID != setID {
		owner, claimed = b.setID, true
	}
	if claimed && owner != setID {
		r.mu.Unlock()
		recordRegistration(StatusDuplicate)
		return oops.In("registry").Code("DUPLICATE_TYPE").
			With("node_set", setID).
			With("type", nodeType).
			With("owner", owner).
			Errorf("%s already registered", nodeType)
	}

	r.typeIndex[nodeType] = setID
	if !slices.Contains(set.Types, nodeType) {
		set.Types = append(set.Types, nodeType)
	}
	if set.Enabled && set.Err == "" {
		r.ctors[nodeType] = binding{setID: setID, ctor: ctor}
	} else {
		r.park(setID, nodeType, ctor)
	}
	r.invalidate()
	r.mu.Unlock()

	recordRegistration(StatusRegistered)
	r.emitter.Emit(events.TypeRegistered, nodeType)
	return nil
}

func (r *Registry) park(setID, nodeType string, ctor node.Constructor) {
	p, ok := r.parked[setID]
	if !ok {
		p = make(map[string]node.Constructor)
		r.parked[setID] = p
	}
	p[nodeType] = ctor
}

// Constructor returns the constructor of nodeType if its NodeSet is enabled
// and has no error.
func (r *Registry) Constructor(nodeType string) (node.Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.ctors[nodeType]
	if !ok {
		return nil, false
	}
	set, ok := r.sets[b.setID]
	if !ok || !set.Enabled || set.Err != "" {
		return nil, false
	}
	return b.ctor, true
}

// TypeID returns the id of the NodeSet claiming nodeType.
func (r *Registry) TypeID(nodeType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.typeIndex[nodeType]
	return id, ok
}

// MarkLoaded records a successful load of id.
func (r *Registry) MarkLoaded(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[id]
	if !ok {
		return unknownSet(id)
	}
	set.Loaded = true
	set.Enabled = true
	set.Err = ""
	delete(r.disabled, id)
	r.restore(id)
	r.invalidate()
	return nil
}

// MarkFailed records a failed load of id, disables it and drops its
// constructors. The NodeSet still counts as enabled in Snapshot unless it
// was disabled on request.
func (r *Registry) MarkFailed(id, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[id]
	if !ok {
		return unknownSet(id)
	}
	set.Loaded = false
	set.Enabled = false
	set.Err = msg
	r.dropConstructors(id)
	r.invalidate()
	return nil
}

// SetEnabled enables or disables id. Disabling parks the NodeSet's
// constructors outside the constructor table; enabling restores them.
func (r *Registry) SetEnabled(id string, enabled bool) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[id]
	if !ok {
		return Summary{}, unknownSet(id)
	}
	set.Enabled = enabled
	if enabled {
		delete(r.disabled, id)
		if set.Err == "" {
			r.restore(id)
		}
	} else {
		r.disabled[id] = struct{}{}
		for t, b := range r.ctors {
			if b.setID == id {
				r.park(id, t, b.ctor)
				delete(r.ctors, t)
			}
		}
	}
	r.invalidate()
	return summarize(set, r.moduleVersion(set.Module)), nil
}

func (r *Registry) restore(id string) {
	for t, ctor := range r.parked[id] {
		r.ctors[t] = binding{setID: id, ctor: ctor}
	}
	delete(r.parked, id)
}

// NodeSet returns a copy of the NodeSet with the given id.
func (r *Registry) NodeSet(id string) (*NodeSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.sets[id]
	if !ok {
		return nil, false
	}
	return set.Clone(), true
}

// NodeSets returns copies of every NodeSet in registration order.
func (r *Registry) NodeSets() []*NodeSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*NodeSet, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sets[id].Clone())
	}
	return out
}

// List returns the summaries of the NodeSets selected by filter, in
// registration order.
func (r *Registry) List(filter Filter) []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.order))
	for _, id := range r.order {
		set := r.sets[id]
		if filter != nil && !filter(set) {
			continue
		}
		out = append(out, summarize(set, r.moduleVersion(set.Module)))
	}
	return out
}

// NodeInfo returns the summary of the NodeSet claiming typeOrID, or of the
// NodeSet with that id.
func (r *Registry) NodeInfo(typeOrID string) (Summary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id := typeOrID
	if owner, ok := r.typeIndex[typeOrID]; ok {
		id = owner
	}
	set, ok := r.sets[id]
	if !ok {
		return Summary{}, false
	}
	return summarize(set, r.moduleVersion(set.Module)), true
}

// ModuleInfo returns a module's version, locality and NodeSet summaries.
func (r *Registry) ModuleInfo(name string) (ModuleInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mod, ok := r.modules[name]
	if !ok {
		return ModuleInfo{}, false
	}
	info := ModuleInfo{
		Name:    mod.name,
		Version: mod.version,
		Local:   mod.local,
		Nodes:   make([]Summary, 0, len(mod.sets)),
	}
	for _, id := range mod.sets {
		info.Nodes = append(info.Nodes, summarize(r.sets[id], mod.version))
	}
	return info, true
}

// Modules returns the names of all modules, sorted.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.modules))
	for name := range r.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CombinedConfig returns the config markup and help text of every enabled,
// error-free NodeSet in registration order. Results are cached per language
// until the next mutation.
func (r *Registry) CombinedConfig(lang string) string {
	lang = r.help.Lang(lang)

	r.mu.RLock()
	cached, ok := r.cache[lang]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[lang]; ok {
		return cached
	}

	var b strings.Builder
	for _, id := range r.order {
		set := r.sets[id]
		if !set.Enabled || set.Err != "" {
			continue
		}
		b.WriteString(set.Config)
		b.WriteString(r.resolveHelp(set, lang))
	}
	out := b.String()
	r.cache[lang] = out
	ConfigCacheRebuilds.Inc()
	return out
}

// NodeConfig returns the config markup and help text of one NodeSet.
func (r *Registry) NodeConfig(id, lang string) (string, bool) {
	lang = r.help.Lang(lang)

	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.sets[id]
	if !ok {
		return "", false
	}
	return set.Config + r.resolveHelp(set, lang), true
}

func (r *Registry) resolveHelp(set *NodeSet, lang string) string {
	dir := ""
	if set.File != "" {
		dir = filepath.Dir(set.File)
	}
	return r.help.ResolveHelp(set.Help, dir, set.Template, lang)
}

// Snapshot returns the persisted form of the registry.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(Snapshot, len(r.modules))
	for name, mod := range r.modules {
		ms := ModuleSnapshot{
			Name:    name,
			Version: mod.version,
			Local:   mod.local,
			Nodes:   make(map[string]SetSnapshot, len(mod.sets)),
		}
		for _, id := range mod.sets {
			set := r.sets[id]
			_, disabled := r.disabled[id]
			ms.Nodes[snapshotKey(set)] = SetSnapshot{
				ID:      set.ID,
				Name:    set.Name,
				Types:   slices.Clone(set.Types),
				Enabled: !disabled,
				Local:   set.Local,
				Module:  set.Module,
				File:    set.File,
			}
		}
		snap[name] = ms
	}
	return snap
}

// snapshotKey is the id without its module prefix. It equals Name except
// for NodeSets renamed to resolve an id clash.
func snapshotKey(set *NodeSet) string {
	if key, ok := strings.CutPrefix(set.ID, set.Module+"/"); ok {
		return key
	}
	return set.Name
}

func (r *Registry) moduleVersion(name string) string {
	if mod, ok := r.modules[name]; ok {
		return mod.version
	}
	return ""
}

func (r *Registry) invalidate() {
	clear(r.cache)
}

func unknownSet(id string) error {
	return oops.In("registry").Code("UNKNOWN_NODE_SET").With("node_set", id).Errorf("unknown node set %s", id)
}
