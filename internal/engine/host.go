package engine

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// registerHost installs the response/error/log callbacks as globals. Each
// closure captures host, so a script can only reach its own session.
func registerHost(L *lua.LState, host Host, widgetID string) {
	fns := map[string]lua.LGFunction{
		"respond": func(L *lua.LState) int {
			host.SetResponse(L.CheckString(1))
			return 0
		},
		"append_response": func(L *lua.LState) int {
			host.AppendResponse(L.CheckString(1))
			return 0
		},
		"set_response": func(L *lua.LState) int {
			host.SetResponse(L.CheckString(1))
			return 0
		},
		"clear_response": func(L *lua.LState) int {
			host.ClearResponse()
			return 0
		},
		"get_response": func(L *lua.LState) int {
			L.Push(lua.LString(host.Response()))
			return 1
		},
		"set_last_error": func(L *lua.LState) int {
			host.SetLastError(L.CheckString(1))
			return 0
		},
		"log": func(L *lua.LState) int {
			n := L.GetTop()
			parts := make([]string, 0, n)
			for i := 1; i <= n; i++ {
				parts = append(parts, L.ToStringMeta(L.Get(i)).String())
			}
			host.Log(strings.Join(parts, " "))
			return 0
		},
	}
	for name, fn := range fns {
		L.SetGlobal(name, L.NewFunction(fn))
	}

	widget := L.NewTable()
	L.SetField(widget, "id", lua.LString(widgetID))
	L.SetGlobal("widget", widget)
}
