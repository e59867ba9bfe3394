// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package javascript

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"github.com/samber/oops"

	"github.com/holomush/holoflow/internal/node"
)

// constructor builds instances of one script-defined node type.
type constructor struct {
	module   *module
	nodeType string
	fn       goja.Value
}

// New runs the script constructor with cfg. The constructor must call
// RED.nodes.createNode(this, config).
func (c *constructor) New(ctx context.Context, cfg node.Config) (node.Node, error) {
	m := c.module
	cfg = node.Normalize(cfg, c.nodeType)
	errb := oops.In("javascript").With("node_set", m.id).With("type", c.nodeType).With("node", cfg.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errb.New("module is unloaded")
	}

	release := m.guard(ctx)
	defer release()

	n := &jsNode{module: m, id: cfg.ID, nodeType: cfg.Type, handlers: make(map[string][]goja.Callable)}
	m.constructing = n
	defer func() { m.constructing = nil }()

	if _, err := m.vm.New(c.fn, m.vm.ToValue(configObject(cfg))); err != nil {
		return nil, errb.Wrap(scriptError(err))
	}
	if n.self == nil {
		return nil, errb.Errorf("%s constructor did not call RED.nodes.createNode", c.nodeType)
	}
	return n, nil
}

func configObject(cfg node.Config) map[string]any {
	obj := make(map[string]any, len(cfg.Props)+3)
	for k, v := range cfg.Props {
		obj[k] = v
	}
	obj["id"] = cfg.ID
	obj["type"] = cfg.Type
	if cfg.Name != "" {
		obj["name"] = cfg.Name
	}
	return obj
}

// jsNode is a node instance whose behavior lives in a script object.
type jsNode struct {
	module   *module
	id       string
	nodeType string
	self     *goja.Object

	handlers  map[string][]goja.Callable
	receiving bool
	outbox    []node.Message
}

// bind attaches the node API to the script object.
func (n *jsNode) bind(self *goja.Object) {
	vm := n.module.vm
	lg := n.module.api.Log().With("node", n.id, "type", n.nodeType)
	n.self = self

	_ = self.Set("id", n.id)
	_ = self.Set("type", n.nodeType)
	_ = self.Set("on", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(vm.NewTypeError("on: handler is not a function"))
		}
		event := call.Argument(0).String()
		n.handlers[event] = append(n.handlers[event], fn)
		return goja.Undefined()
	})
	_ = self.Set("send", func(call goja.FunctionCall) goja.Value {
		n.send(call.Argument(0))
		return goja.Undefined()
	})
	_ = self.Set("log", n.module.logFunc(lg.Info))
	_ = self.Set("warn", n.module.logFunc(lg.Warn))
	_ = self.Set("error", n.module.logFunc(lg.Error))
	_ = self.Set("debug", n.module.logFunc(lg.Debug))
}

func (n *jsNode) send(v goja.Value) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return
	}
	if !n.receiving {
		n.module.logger.Debug("message sent outside input handler dropped", "node", n.id)
		return
	}
	switch exported := v.Export().(type) {
	case []any:
		for _, item := range exported {
			if msg, ok := item.(map[string]any); ok {
				n.outbox = append(n.outbox, node.Message(msg))
			}
		}
	case map[string]any:
		n.outbox = append(n.outbox, node.Message(exported))
	case node.Message:
		n.outbox = append(n.outbox, exported)
	}
}

// ID implements node.Node.
func (n *jsNode) ID() string { return n.id }

// Type implements node.Node.
func (n *jsNode) Type() string { return n.nodeType }

// Receive runs the node's input handlers with msg and returns what they sent.
func (n *jsNode) Receive(ctx context.Context, msg node.Message) ([]node.Message, error) {
	m := n.module
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, oops.In("javascript").With("node", n.id).New("module is unloaded")
	}

	release := m.guard(ctx)
	defer release()

	n.receiving = true
	n.outbox = nil
	defer func() {
		n.receiving = false
		n.outbox = nil
	}()

	var doneErr error
	send := m.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		n.send(call.Argument(0))
		return goja.Undefined()
	})
	done := m.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if v := call.Argument(0); !goja.IsUndefined(v) && !goja.IsNull(v) {
			doneErr = errors.New(describe(v))
		}
		return goja.Undefined()
	})

	in := m.vm.ToValue(map[string]any(msg))
	for _, h := range n.handlers["input"] {
		if _, err := h(n.self, in, send, done); err != nil {
			return nil, oops.In("javascript").With("node", n.id).Wrap(scriptError(err))
		}
	}
	if doneErr != nil {
		return nil, oops.In("javascript").With("node", n.id).Wrap(doneErr)
	}
	out := n.outbox
	return out, nil
}

// Close runs the node's close handlers.
func (n *jsNode) Close(ctx context.Context) error {
	m := n.module
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	release := m.guard(ctx)
	defer release()

	var errs []error
	done := m.vm.ToValue(func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	for _, h := range n.handlers["close"] {
		if _, err := h(n.self, m.vm.ToValue(false), done); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", n.id, scriptError(err)))
		}
	}
	n.handlers = make(map[string][]goja.Callable)
	return errors.Join(errs...)
}
