// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package lua

import (
	"context"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

type library struct {
	name string
	fn   lua.LGFunction
}

// sandboxLibraries are the only libraries a node-type module sees.
// os, io, debug and package stay closed.
func sandboxLibraries() []library {
	return []library{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// blockedGlobals reach the filesystem or compile arbitrary chunks.
var blockedGlobals = []string{"dofile", "loadfile", "loadstring", "load", "require", "module"}

// StateFactory creates sandboxed Lua states.
type StateFactory struct {
	libraries     []library
	callStackSize int
}

// NewStateFactory creates a state factory with the sandbox libraries.
func NewStateFactory() *StateFactory {
	return &StateFactory{
		libraries:     sandboxLibraries(),
		callStackSize: 256,
	}
}

// NewState creates a sandboxed state. The state observes ctx until the
// caller replaces it with SetContext or drops it with RemoveContext.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: f.callStackSize,
	})

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, oops.In("lua").With("library", lib.name).Wrapf(err, "failed to open library %s", lib.name)
		}
	}

	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	if ctx != nil && ctx.Done() != nil {
		L.SetContext(ctx)
	}
	return L, nil
}
