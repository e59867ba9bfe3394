// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package javascript runs node-type modules written in JavaScript.
//
// Each module gets its own goja runtime. A module sets module.exports to a
// function taking the RED object; if that function returns a thenable the
// host drives timers until it settles or the load context ends.
package javascript

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dop251/goja"
	"github.com/samber/oops"

	"github.com/holomush/holoflow/internal/plugin"
	"github.com/holomush/holoflow/internal/registry"
)

// Runtime is the runtime name reported in metrics and results.
const Runtime = "javascript"

// Compile-time interface check.
var _ plugin.Host = (*Host)(nil)

// Host runs JavaScript node-type modules.
type Host struct {
	logger *slog.Logger

	mu      sync.Mutex
	modules map[string]*module
	closed  bool
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger used for runtime diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHost creates a JavaScript host.
func NewHost(opts ...Option) *Host {
	h := &Host{
		logger:  slog.Default(),
		modules: make(map[string]*module),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Runtime implements plugin.Host.
func (h *Host) Runtime() string { return Runtime }

// Extensions implements plugin.Host.
func (h *Host) Extensions() []string { return []string{".js"} }

// Load evaluates set's implementation file and invokes its exported function.
func (h *Host) Load(ctx context.Context, set *registry.NodeSet, api *plugin.API) error {
	errb := oops.In("javascript").With("node_set", set.ID).With("file", set.File)

	src, err := os.ReadFile(filepath.Clean(set.File))
	if err != nil {
		return errb.Wrap(err)
	}

	m := newModule(set.ID, api)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errb.New("host is closed")
	}
	prev := h.modules[set.ID]
	h.modules[set.ID] = m
	h.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	if err := m.load(ctx, set.File, string(src)); err != nil {
		h.drop(set.ID, m)
		return errb.Wrap(err)
	}
	return nil
}

// Unload stops the module loaded for id.
func (h *Host) Unload(_ context.Context, id string) error {
	h.mu.Lock()
	m := h.modules[id]
	delete(h.modules, id)
	h.mu.Unlock()
	if m != nil {
		m.close()
	}
	return nil
}

// Close unloads every module.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	modules := h.modules
	h.modules = make(map[string]*module)
	h.closed = true
	h.mu.Unlock()

	for _, m := range modules {
		m.close()
	}
	return nil
}

// Modules returns the number of modules currently held.
func (h *Host) Modules() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.modules)
}

func (h *Host) drop(id string, m *module) {
	h.mu.Lock()
	if h.modules[id] == m {
		delete(h.modules, id)
	}
	h.mu.Unlock()
	m.close()
}

// module is one loaded implementation file. mu serializes every entry into
// the runtime.
type module struct {
	id     string
	api    *plugin.API
	vm     *goja.Runtime
	loop   *loop
	logger *slog.Logger

	mu           sync.Mutex
	constructing *jsNode
	closed       bool
}

func newModule(id string, api *plugin.API) *module {
	m := &module{
		id:     id,
		api:    api,
		vm:     goja.New(),
		logger: api.Log(),
	}
	m.loop = newLoop(&m.mu)
	return m
}

func (m *module) load(ctx context.Context, name, src string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	release := m.guard(ctx)
	defer release()

	if err := m.installGlobals(); err != nil {
		return err
	}
	if _, err := m.vm.RunScript(name, src); err != nil {
		return scriptError(err)
	}

	exports := m.vm.Get("module").ToObject(m.vm).Get("exports")
	entry, ok := goja.AssertFunction(exports)
	if !ok {
		m.loop.markLoaded()
		return nil
	}

	ret, err := entry(goja.Undefined(), m.newRED())
	if err != nil {
		return scriptError(err)
	}

	if p := m.thenable(ret); p != nil {
		if err := m.loop.await(ctx, p); err != nil {
			return err
		}
		if p.State() == goja.PromiseStateRejected {
			return errors.New(describe(p.Result()))
		}
	}
	m.loop.markLoaded()
	return nil
}

// thenable returns ret as a Promise when it is a Promise or any object with a
// callable then.
func (m *module) thenable(ret goja.Value) *goja.Promise {
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return nil
	}
	if p, ok := ret.Export().(*goja.Promise); ok {
		return p
	}
	obj, ok := ret.(*goja.Object)
	if !ok {
		return nil
	}
	if _, ok := goja.AssertFunction(obj.Get("then")); !ok {
		return nil
	}
	resolve, _ := goja.AssertFunction(m.vm.Get("Promise").ToObject(m.vm).Get("resolve"))
	wrapped, err := resolve(m.vm.Get("Promise"), obj)
	if err != nil {
		return nil
	}
	p, _ := wrapped.Export().(*goja.Promise)
	return p
}

// guard interrupts the runtime when ctx ends. The returned func must be
// called once the runtime is idle again.
func (m *module) guard(ctx context.Context) func() {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		m.vm.Interrupt(context.Cause(ctx))
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
			m.vm.ClearInterrupt()
		}
	}
}

func (m *module) close() {
	m.loop.stop()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// scriptError converts a runtime failure into an error carrying the thrown
// value's string form, e.g. "Error: boom".
func scriptError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if v := ex.Value(); v != nil {
			return errors.New(describe(v))
		}
		return err
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if cause, ok := ie.Value().(error); ok {
			return cause
		}
	}
	return err
}

func describe(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	return v.String()
}
