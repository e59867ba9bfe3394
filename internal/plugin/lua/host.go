// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package lua runs node-type modules written in Lua.
//
// An implementation file returns a function taking the red table:
//
//	return function(red)
//	  red.nodes.register_type("upper", function(node, config)
//	    node:on("input", function(msg)
//	      msg.payload = string.upper(msg.payload)
//	      return msg
//	    end)
//	  end)
//	end
//
// Each module keeps one sandboxed state for its lifetime.
package lua

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/holoflow/internal/plugin"
	"github.com/holomush/holoflow/internal/registry"
)

// Runtime is the runtime name reported in metrics and results.
const Runtime = "lua"

// Compile-time interface check.
var _ plugin.Host = (*Host)(nil)

// Host runs Lua node-type modules.
type Host struct {
	factory *StateFactory

	mu      sync.Mutex
	modules map[string]*module
	closed  bool
}

// NewHost creates a Lua host.
func NewHost() *Host {
	return &Host{
		factory: NewStateFactory(),
		modules: make(map[string]*module),
	}
}

// Runtime implements plugin.Host.
func (h *Host) Runtime() string { return Runtime }

// Extensions implements plugin.Host.
func (h *Host) Extensions() []string { return []string{".lua"} }

// Load runs set's implementation file and calls the function it returns.
func (h *Host) Load(ctx context.Context, set *registry.NodeSet, api *plugin.API) error {
	errb := oops.In("lua").With("node_set", set.ID).With("file", set.File)

	code, err := os.ReadFile(filepath.Clean(set.File))
	if err != nil {
		return errb.Wrap(err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errb.New("host is closed")
	}
	h.mu.Unlock()

	L, err := h.factory.NewState(ctx)
	if err != nil {
		return errb.Hint("failed to create state").Wrap(err)
	}
	m := &module{id: set.ID, api: api, L: L}

	if err := m.load(ctx, filepath.Base(set.File), string(code)); err != nil {
		L.Close()
		return errb.Wrap(err)
	}

	h.mu.Lock()
	prev := h.modules[set.ID]
	h.modules[set.ID] = m
	h.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	return nil
}

// Unload closes the state of the module loaded for id.
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

// module owns one Lua state. mu serializes every call into it.
type module struct {
	id  string
	api *plugin.API

	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

func (m *module) load(ctx context.Context, name, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.L.RemoveContext()
	m.L.SetContext(ctx)

	fn, err := m.L.Load(strings.NewReader(code), name)
	if err != nil {
		return oops.With("chunk", name).Hint("syntax error").Wrap(err)
	}
	if err := m.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return m.failure(ctx, err)
	}
	entry := m.L.Get(-1)
	m.L.Pop(1)

	if entry.Type() != lua.LTFunction {
		return nil
	}
	if err := m.L.CallByParam(lua.P{Fn: entry, NRet: 0, Protect: true}, m.newRED()); err != nil {
		return m.failure(ctx, err)
	}
	return nil
}

// failure prefers the context error when the state stopped because ctx ended.
func (m *module) failure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if apiErr, ok := err.(*lua.ApiError); ok && apiErr.Object != nil {
		return oops.Errorf("%s", apiErr.Object.String())
	}
	return err
}

// call runs fn with args under ctx and returns its single result.
func (m *module) call(ctx context.Context, fn lua.LValue, args ...lua.LValue) (lua.LValue, error) {
	if ctx.Done() != nil {
		m.L.SetContext(ctx)
		defer m.L.RemoveContext()
	}
	if err := m.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, m.failure(ctx, err)
	}
	ret := m.L.Get(-1)
	m.L.Pop(1)
	return ret, nil
}

func (m *module) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.L.Close()
}
