package plugin

import (
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// toLuaValue converts Go values produced by JSON decoding into Lua values.
func toLuaValue(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case string:
		return lua.LString(t)
	case int:
		return lua.LNumber(t)
	case int32:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case uint:
		return lua.LNumber(t)
	case uint32:
		return lua.LNumber(t)
	case uint64:
		return lua.LNumber(t)
	case float32:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case []any:
		tbl := L.CreateTable(len(t), 0)
		for _, item := range t {
			tbl.Append(toLuaValue(L, item))
		}
		return tbl
	case []string:
		tbl := L.CreateTable(len(t), 0)
		for _, item := range t {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tbl.RawSetString(k, toLuaValue(L, t[k]))
		}
		return tbl
	case map[string]string:
		tbl := L.CreateTable(0, len(t))
		for k, s := range t {
			tbl.RawSetString(k, lua.LString(s))
		}
		return tbl
	case lua.LValue:
		return t
	default:
		return lua.LString(fmt.Sprint(t))
	}
}

// toGoValue converts a Lua value back into plain Go values. Integral numbers
// become int64, sequences become []any and other tables map[string]any.
func toGoValue(lv lua.LValue) any {
	return toGoValueVisited(lv, make(map[*lua.LTable]bool))
}

func toGoValueVisited(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case nil, *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		defer delete(visited, v)
		return tableToGo(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	n := t.Len()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })
	if n > 0 && n == count {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, toGoValueVisited(t.RawGetInt(i), visited))
		}
		return out
	}
	out := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = toGoValueVisited(v, visited)
	})
	return out
}
