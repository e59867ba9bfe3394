// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package javascript

import (
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/holomush/holoflow/internal/node"
)

func (m *module) installGlobals() error {
	vm := m.vm

	mod := vm.NewObject()
	if err := mod.Set("exports", vm.NewObject()); err != nil {
		return err
	}
	console := vm.NewObject()
	_ = console.Set("log", m.logFunc(m.logger.Info))
	_ = console.Set("info", m.logFunc(m.logger.Info))
	_ = console.Set("warn", m.logFunc(m.logger.Warn))
	_ = console.Set("error", m.logFunc(m.logger.Error))
	_ = console.Set("debug", m.logFunc(m.logger.Debug))

	for name, v := range map[string]any{
		"module":       mod,
		"exports":      mod.Get("exports"),
		"console":      console,
		"setTimeout":   m.setTimeout,
		"clearTimeout": m.clearTimeout,
	} {
		if err := vm.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *module) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(m.vm.NewTypeError("setTimeout: callback is not a function"))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	id := m.loop.setTimeout(delay, func() {
		if _, err := fn(goja.Undefined(), args...); err != nil {
			m.logger.Warn("timer callback failed", "error", scriptError(err))
		}
	})
	return m.vm.ToValue(id)
}

func (m *module) clearTimeout(call goja.FunctionCall) goja.Value {
	m.loop.clearTimeout(call.Argument(0).ToInteger())
	return goja.Undefined()
}

func (m *module) logFunc(log func(msg string, args ...any)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = describe(a)
		}
		log(strings.Join(parts, " "))
		return goja.Undefined()
	}
}

// newRED builds the object handed to the module's entry point.
func (m *module) newRED() *goja.Object {
	vm := m.vm
	red := vm.NewObject()

	nodes := vm.NewObject()
	_ = nodes.Set("registerType", m.registerType)
	_ = nodes.Set("createNode", m.createNode)
	_ = nodes.Set("getCredentials", func(call goja.FunctionCall) goja.Value {
		creds, err := m.api.Credentials(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if creds == nil {
			return goja.Undefined()
		}
		return vm.ToValue(creds)
	})

	logAPI := vm.NewObject()
	lg := m.api.Log()
	_ = logAPI.Set("log", m.logFunc(lg.Info))
	_ = logAPI.Set("info", m.logFunc(lg.Info))
	_ = logAPI.Set("warn", m.logFunc(lg.Warn))
	_ = logAPI.Set("error", m.logFunc(lg.Error))
	_ = logAPI.Set("debug", m.logFunc(lg.Debug))
	_ = logAPI.Set("trace", m.logFunc(lg.Debug))

	eventsAPI := vm.NewObject()
	_ = eventsAPI.Set("emit", func(call goja.FunctionCall) goja.Value {
		if err := m.api.Emit(call.Argument(0).String(), call.Argument(1).Export()); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})

	util := vm.NewObject()
	_ = util.Set("generateId", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(node.NewID())
	})

	_ = red.Set("nodes", nodes)
	_ = red.Set("log", logAPI)
	_ = red.Set("events", eventsAPI)
	_ = red.Set("util", util)
	_ = red.Set("settings", vm.NewObject())
	_ = red.Set("version", m.api.Version())
	_ = red.Set("_", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(m.api.T(call.Argument(0).String()))
	})
	return red
}

// registerType implements RED.nodes.registerType(type, constructor, opts).
func (m *module) registerType(call goja.FunctionCall) goja.Value {
	vm := m.vm
	nodeType := call.Argument(0).String()
	ctorVal := call.Argument(1)
	if _, ok := goja.AssertConstructor(ctorVal); !ok {
		panic(vm.NewTypeError(fmt.Sprintf("registerType %s: constructor is not a function", nodeType)))
	}

	opts := node.Options{}
	if o, ok := call.Argument(2).(*goja.Object); ok {
		if c, ok := o.Get("credentials").(*goja.Object); ok {
			opts.Credentials = make(map[string]node.CredentialField)
			for _, k := range c.Keys() {
				field := node.CredentialField{Type: "text"}
				if f, ok := c.Get(k).(*goja.Object); ok {
					if t := f.Get("type"); t != nil && !goja.IsUndefined(t) {
						field.Type = t.String()
					}
				}
				opts.Credentials[k] = field
			}
		}
	}

	ctor := &constructor{module: m, nodeType: nodeType, fn: ctorVal}
	if err := m.api.RegisterType(nodeType, ctor, opts); err != nil {
		panic(vm.NewGoError(err))
	}
	return goja.Undefined()
}

// createNode implements RED.nodes.createNode(this, config). It binds the
// instance being constructed to the object the script is building.
func (m *module) createNode(call goja.FunctionCall) goja.Value {
	vm := m.vm
	n := m.constructing
	if n == nil {
		panic(vm.NewTypeError("createNode called outside a node constructor"))
	}
	self, ok := call.Argument(0).(*goja.Object)
	if !ok {
		panic(vm.NewTypeError("createNode: node is not an object"))
	}
	n.bind(self)

	if creds, err := m.api.Credentials(n.id); err == nil && creds != nil {
		_ = self.Set("credentials", creds)
	}
	return goja.Undefined()
}
