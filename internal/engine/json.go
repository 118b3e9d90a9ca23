package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// openJSON registers a `json` table with encode and decode, standing in for
// the cjson module widget scripts were written against.
func openJSON(L *lua.LState) {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"encode": jsonEncode,
		"decode": jsonDecode,
	})
	L.SetField(mod, "null", lua.LNil)
	L.SetGlobal("json", mod)
	L.PreloadModule("cjson", func(L *lua.LState) int {
		L.Push(mod)
		return 1
	})
}

func jsonEncode(L *lua.LState) int {
	v, err := toGo(L.CheckAny(1), 0)
	if err != nil {
		L.RaiseError("json.encode: %s", err.Error())
		return 0
	}
	data, err := json.Marshal(v)
	if err != nil {
		L.RaiseError("json.encode: %s", err.Error())
		return 0
	}
	L.Push(lua.LString(data))
	return 1
}

func jsonDecode(L *lua.LState) int {
	var v any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		L.RaiseError("json.decode: %s", err.Error())
		return 0
	}
	L.Push(fromGo(L, v))
	return 1
}

const maxJSONDepth = 64

func toGo(lv lua.LValue, depth int) (any, error) {
	if depth > maxJSONDepth {
		return nil, fmt.Errorf("nesting deeper than %d", maxJSONDepth)
	}
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		f := float64(v)
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("cannot encode %v", f)
		}
		return f, nil
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		return tableToGo(v, depth)
	default:
		return nil, fmt.Errorf("cannot encode %s", lv.Type().String())
	}
}

// tableToGo encodes sequences 1..n as arrays and everything else as objects.
func tableToGo(t *lua.LTable, depth int) (any, error) {
	n := t.Len()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			item, err := toGo(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	}

	obj := make(map[string]any, count)
	var firstErr error
	t.ForEach(func(k, val lua.LValue) {
		if firstErr != nil {
			return
		}
		item, err := toGo(val, depth+1)
		if err != nil {
			firstErr = err
			return
		}
		obj[k.String()] = item
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return obj, nil
}

func fromGo(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case []any:
		t := L.CreateTable(len(x), 0)
		for _, item := range x {
			t.Append(fromGo(L, item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(x))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, fromGo(L, x[k]))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(x))
	}
}
