// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package lua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/holoflow/internal/node"
)

// newRED builds the table handed to a module's entry function.
func (m *module) newRED() *lua.LTable {
	L := m.L
	red := L.NewTable()

	nodes := L.NewTable()
	L.SetField(nodes, "register_type", L.NewFunction(m.registerType))
	L.SetField(nodes, "get_credentials", L.NewFunction(func(L *lua.LState) int {
		creds, err := m.api.Credentials(L.CheckString(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		if creds == nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(toLua(L, creds))
		return 1
	}))
	L.SetField(red, "nodes", nodes)

	L.SetField(red, "log", logTable(L, m.api.Log(), false))

	events := L.NewTable()
	L.SetField(events, "emit", L.NewFunction(func(L *lua.LState) int {
		if err := m.api.Emit(L.CheckString(1), toGo(L.Get(2))); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}))
	L.SetField(red, "events", events)

	L.SetField(red, "_", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(m.api.T(L.CheckString(1))))
		return 1
	}))
	L.SetField(red, "version", lua.LString(m.api.Version()))
	return red
}

// logTable exposes lg as info/warn/error/debug functions. Method tables
// receive self as their first argument.
func logTable(L *lua.LState, lg *slog.Logger, method bool) *lua.LTable {
	t := L.NewTable()
	first := 1
	if method {
		first = 2
	}
	bind := func(log func(string, ...any)) *lua.LFunction {
		return L.NewFunction(func(L *lua.LState) int {
			parts := make([]string, 0, L.GetTop())
			for i := first; i <= L.GetTop(); i++ {
				parts = append(parts, L.Get(i).String())
			}
			log(strings.Join(parts, " "))
			return 0
		})
	}
	L.SetField(t, "info", bind(lg.Info))
	L.SetField(t, "log", bind(lg.Info))
	L.SetField(t, "warn", bind(lg.Warn))
	L.SetField(t, "error", bind(lg.Error))
	L.SetField(t, "debug", bind(lg.Debug))
	return t
}

// registerType implements red.nodes.register_type(type, constructor, opts).
func (m *module) registerType(L *lua.LState) int {
	nodeType := L.CheckString(1)
	fn := L.CheckFunction(2)

	opts := node.Options{}
	if t, ok := L.Get(3).(*lua.LTable); ok {
		if c, ok := t.RawGetString("credentials").(*lua.LTable); ok {
			opts.Credentials = make(map[string]node.CredentialField)
			c.ForEach(func(k, v lua.LValue) {
				field := node.CredentialField{Type: "text"}
				if ft, ok := v.(*lua.LTable); ok {
					if typ, ok := ft.RawGetString("type").(lua.LString); ok {
						field.Type = string(typ)
					}
				}
				opts.Credentials[k.String()] = field
			})
		}
	}

	ctor := &constructor{module: m, nodeType: nodeType, fn: fn}
	if err := m.api.RegisterType(nodeType, ctor, opts); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// constructor builds instances of one Lua-defined node type.
type constructor struct {
	module   *module
	nodeType string
	fn       *lua.LFunction
}

// New calls the Lua constructor as fn(node, config).
func (c *constructor) New(ctx context.Context, cfg node.Config) (node.Node, error) {
	m := c.module
	cfg = node.Normalize(cfg, c.nodeType)
	errb := oops.In("lua").With("node_set", m.id).With("type", c.nodeType).With("node", cfg.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errb.New("module is unloaded")
	}

	n := &luaNode{module: m, id: cfg.ID, nodeType: cfg.Type, handlers: make(map[string][]*lua.LFunction)}
	n.self = n.bind()
	if creds, err := m.api.Credentials(cfg.ID); err == nil && creds != nil {
		m.L.SetField(n.self, "credentials", toLua(m.L, creds))
	}

	props := make(map[string]any, len(cfg.Props)+3)
	for k, v := range cfg.Props {
		props[k] = v
	}
	props["id"] = cfg.ID
	props["type"] = cfg.Type
	if cfg.Name != "" {
		props["name"] = cfg.Name
	}

	if _, err := m.call(ctx, c.fn, n.self, toLua(m.L, props)); err != nil {
		return nil, errb.Wrap(err)
	}
	return n, nil
}

// luaNode is a node instance whose handlers are Lua functions.
type luaNode struct {
	module   *module
	id       string
	nodeType string
	self     *lua.LTable

	handlers  map[string][]*lua.LFunction
	receiving bool
	outbox    []node.Message
}

func (n *luaNode) bind() *lua.LTable {
	L := n.module.L
	self := logTable(L, n.module.api.Log().With("node", n.id, "type", n.nodeType), true)
	L.SetField(self, "id", lua.LString(n.id))
	L.SetField(self, "type", lua.LString(n.nodeType))
	L.SetField(self, "on", L.NewFunction(func(L *lua.LState) int {
		event := L.CheckString(2)
		n.handlers[event] = append(n.handlers[event], L.CheckFunction(3))
		return 0
	}))
	L.SetField(self, "send", L.NewFunction(func(L *lua.LState) int {
		n.send(L.Get(2))
		return 0
	}))
	return self
}

func (n *luaNode) send(v lua.LValue) {
	if v == lua.LNil {
		return
	}
	if !n.receiving {
		n.module.api.Log().Debug("message sent outside input handler dropped", "node", n.id)
		return
	}
	switch val := toGo(v).(type) {
	case map[string]any:
		n.outbox = append(n.outbox, node.Message(val))
	case []any:
		for _, item := range val {
			if msg, ok := item.(map[string]any); ok {
				n.outbox = append(n.outbox, node.Message(msg))
			}
		}
	}
}

// ID implements node.Node.
func (n *luaNode) ID() string { return n.id }

// Type implements node.Node.
func (n *luaNode) Type() string { return n.nodeType }

// Receive runs the input handlers. A handler's return value is sent as if
// passed to node:send.
func (n *luaNode) Receive(ctx context.Context, msg node.Message) ([]node.Message, error) {
	m := n.module
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, oops.In("lua").With("node", n.id).New("module is unloaded")
	}

	n.receiving = true
	n.outbox = nil
	defer func() {
		n.receiving = false
		n.outbox = nil
	}()

	for _, h := range n.handlers["input"] {
		ret, err := m.call(ctx, h, toLua(m.L, map[string]any(msg)))
		if err != nil {
			return nil, oops.In("lua").With("node", n.id).Wrap(err)
		}
		n.send(ret)
	}
	return n.outbox, nil
}

// Close runs the close handlers.
func (n *luaNode) Close(ctx context.Context) error {
	m := n.module
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	var errs []error
	for _, h := range n.handlers["close"] {
		if _, err := m.call(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", n.id, err))
		}
	}
	n.handlers = make(map[string][]*lua.LFunction)
	return errors.Join(errs...)
}
