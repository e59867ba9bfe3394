// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/holomush/holoflow/internal/credentials"
	"github.com/holomush/holoflow/internal/events"
	"github.com/holomush/holoflow/internal/logging"
	"github.com/holomush/holoflow/internal/plugin/capability"
	"github.com/holomush/holoflow/internal/registry"
)

// DefaultLoadTimeout bounds how long one entry point may take to settle.
const DefaultLoadTimeout = 30 * time.Second

// Registry receives load outcomes.
type Registry interface {
	Registrar
	MarkLoaded(id string) error
	MarkFailed(id, msg string) error
}

// Result is the outcome of loading one NodeSet.
type Result struct {
	ID       string
	Runtime  string
	Err      error
	Skipped  bool
	Duration time.Duration
}

// Loader loads batches of NodeSets through the host registered for each
// implementation file extension.
type Loader struct {
	registry    Registry
	hosts       map[string]Host
	deps        Deps
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger

	mu     sync.Mutex
	loaded map[string]Host
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHost registers h for each of its extensions.
func WithHost(h Host) LoaderOption {
	return func(l *Loader) {
		for _, ext := range h.Extensions() {
			l.hosts[ext] = h
		}
	}
}

// WithTimeout bounds each load. Zero disables the bound.
func WithTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d >= 0 {
			l.timeout = d
		}
	}
}

// WithConcurrency limits how many loads run at once.
func WithConcurrency(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

// WithCredentials sets the credential store exposed to modules.
func WithCredentials(s *credentials.Store) LoaderOption {
	return func(l *Loader) { l.deps.Credentials = s }
}

// WithEnforcer sets the capability enforcer.
func WithEnforcer(e *capability.Enforcer) LoaderOption {
	return func(l *Loader) { l.deps.Enforcer = e }
}

// WithEmitter sets the event sink exposed to modules.
func WithEmitter(e events.Emitter) LoaderOption {
	return func(l *Loader) {
		if e != nil {
			l.deps.Emitter = e
		}
	}
}

// WithTranslator sets the message lookup exposed to modules.
func WithTranslator(t Translator) LoaderOption {
	return func(l *Loader) { l.deps.Translator = t }
}

// WithVersion sets the runtime version reported to modules.
func WithVersion(v string) LoaderOption {
	return func(l *Loader) { l.deps.Version = v }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if lg != nil {
			l.logger = lg
			l.deps.Logger = lg
		}
	}
}

// NewLoader creates a Loader reporting outcomes to reg.
func NewLoader(reg Registry, opts ...LoaderOption) *Loader {
	l := &Loader{
		registry:    reg,
		hosts:       make(map[string]Host),
		timeout:     DefaultLoadTimeout,
		concurrency: runtime.GOMAXPROCS(0),
		logger:      slog.Default(),
		loaded:      make(map[string]Host),
		deps: Deps{
			Registrar: reg,
			Emitter:   events.Discard,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Extensions returns the implementation file extensions with a host, sorted.
func (l *Loader) Extensions() []string {
	exts := make([]string, 0, len(l.hosts))
	for ext := range l.hosts {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// LoadBatch loads every NodeSet in sets that is enabled and error-free.
// Loads run concurrently and independently: every one is attempted and
// settles before LoadBatch returns. Outcomes are recorded in the registry
// and returned in the order of sets.
func (l *Loader) LoadBatch(ctx context.Context, sets []*registry.NodeSet) []Result {
	results := make([]Result, len(sets))

	var g errgroup.Group
	g.SetLimit(l.concurrency)
	for i, set := range sets {
		if set.Err != "" || !set.Enabled {
			results[i] = Result{ID: set.ID, Runtime: l.runtimeOf(set), Skipped: true}
			recordLoad(results[i].Runtime, StatusSkipped, 0)
			continue
		}
		g.Go(func() error {
			results[i] = l.Load(ctx, set)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Load loads one NodeSet and records the outcome in the registry.
func (l *Loader) Load(ctx context.Context, set *registry.NodeSet) Result {
	res := Result{ID: set.ID, Runtime: l.runtimeOf(set)}
	ctx = logging.WithAttrs(ctx, slog.String("node_set", set.ID), slog.String("runtime", res.Runtime))
	start := time.Now()

	err := l.load(ctx, set)
	res.Duration = time.Since(start)
	res.Err = err

	status := StatusLoaded
	switch {
	case err == nil:
		if merr := l.registry.MarkLoaded(set.ID); merr != nil {
			res.Err = merr
			status = StatusFailed
		}
	default:
		status = StatusFailed
		if isTimeout(err) {
			status = StatusTimeout
		}
		if merr := l.registry.MarkFailed(set.ID, err.Error()); merr != nil {
			l.logger.ErrorContext(ctx, "recording load failure", "error", merr)
		}
		l.logger.WarnContext(ctx, "failed to load node set", "error", err)
	}
	recordLoad(res.Runtime, status, res.Duration)
	return res
}

func (l *Loader) load(ctx context.Context, set *registry.NodeSet) error {
	errb := oops.In("plugin").With("node_set", set.ID).With("file", set.File)

	host, ok := l.hosts[filepath.Ext(set.File)]
	if !ok {
		return errb.Code("NO_RUNTIME").Errorf("no runtime for %s", filepath.Base(set.File))
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	api := NewAPI(set, l.deps)
	var loadErr error
	if err := errb.Code("LOAD_FAILED").Recover(func() {
		loadErr = host.Load(ctx, set, api)
	}); err != nil {
		_ = host.Unload(context.WithoutCancel(ctx), set.ID)
		return err
	}

	if loadErr != nil {
		_ = host.Unload(context.WithoutCancel(ctx), set.ID)
		if l.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errb.Code("LOAD_TIMEOUT").Wrap(fmt.Errorf("load timed out after %s", l.timeout))
		}
		return loadErr
	}

	l.mu.Lock()
	l.loaded[set.ID] = host
	l.mu.Unlock()
	return nil
}

// Unload releases the module loaded for id, if any.
func (l *Loader) Unload(ctx context.Context, id string) error {
	l.mu.Lock()
	host, ok := l.loaded[id]
	delete(l.loaded, id)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return host.Unload(ctx, id)
}

// Reset unloads every module loaded so far.
func (l *Loader) Reset(ctx context.Context) error {
	l.mu.Lock()
	loaded := l.loaded
	l.loaded = make(map[string]Host)
	l.mu.Unlock()

	var errs []error
	for id, host := range loaded {
		if err := host.Unload(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close shuts down every host.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	l.loaded = make(map[string]Host)
	l.mu.Unlock()

	seen := make(map[Host]struct{})
	var errs []error
	for _, host := range l.hosts {
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		if err := host.Close(ctx); err != nil {
			errs = append(errs, oops.In("plugin").With("runtime", host.Runtime()).Wrapf(err, "close host"))
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) runtimeOf(set *registry.NodeSet) string {
	if host, ok := l.hosts[filepath.Ext(set.File)]; ok {
		return host.Runtime()
	}
	return "none"
}

func isTimeout(err error) bool {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return false
	}
	return oopsErr.Code() == "LOAD_TIMEOUT"
}
