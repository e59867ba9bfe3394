// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package lua

import (
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// toGo converts a Lua value to its Go form. Tables with sequential integer
// keys become slices; other tables become maps.
func toGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		if isArray(val) {
			return tableToSlice(val)
		}
		return tableToMap(val)
	case *lua.LNilType:
		return nil
	default:
		return v.String()
	}
}

func isArray(tbl *lua.LTable) bool {
	if tbl.MaxN() == 0 {
		count := 0
		tbl.ForEach(func(_, _ lua.LValue) { count++ })
		return count == 0
	}
	return true
}

func tableToMap(tbl *lua.LTable) map[string]any {
	result := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		result[k.String()] = toGo(v)
	})
	return result
}

func tableToSlice(tbl *lua.LTable) []any {
	n := tbl.MaxN()
	result := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		result = append(result, toGo(tbl.RawGetInt(i)))
	}
	return result
}

// toLua converts a Go value to a Lua value. Map keys are inserted in sorted
// order so iteration inside the state is stable.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case string:
		return lua.LString(val)
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	case []string:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(lua.LString(item))
		}
		return t
	case map[string]string:
		t := L.CreateTable(0, len(val))
		for _, k := range sortedKeys(val) {
			t.RawSetString(k, lua.LString(val[k]))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for _, k := range sortedKeys(val) {
			t.RawSetString(k, toLua(L, val[k]))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
