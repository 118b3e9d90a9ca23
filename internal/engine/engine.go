// Package engine adapts one gopher-lua interpreter into the capability a
// widget session needs: bind named entry points, invoke them, and run ad-hoc
// chunks, with every failure returned as an *Error value.
package engine

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Host is the callback surface a script uses to report results outward.
// Each Engine is bound to exactly one Host.
type Host interface {
	AppendResponse(msg string)
	SetResponse(msg string)
	ClearResponse()
	Response() string
	SetLastError(msg string)
	Log(msg string)
}

type Options struct {
	WidgetID string
	// ScriptDir is appended to package.path as "<dir>/?.lua".
	ScriptDir string
	// CallTimeout bounds every Bind, Invoke and Exec when non-zero.
	CallTimeout time.Duration
}

// Engine owns a single *lua.LState. It is not safe for concurrent use; the
// session registry serializes every call.
type Engine struct {
	state   *lua.LState
	entries map[string]*lua.LFunction
	timeout time.Duration
}

func New(host Host, opts Options) (*Engine, error) {
	L := lua.NewState(lua.Options{IncludeGoStackTrace: false})
	e := &Engine{
		state:   L,
		entries: make(map[string]*lua.LFunction),
		timeout: opts.CallTimeout,
	}

	openJSON(L)
	registerHost(L, host, opts.WidgetID)

	if opts.ScriptDir != "" {
		if err := e.extendPath(opts.ScriptDir); err != nil {
			L.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) extendPath(dir string) error {
	pkg, ok := e.state.GetGlobal("package").(*lua.LTable)
	if !ok {
		return &Error{Kind: KindRuntime, Op: "init", Msg: "package library not loaded"}
	}
	dir = filepath.ToSlash(dir)
	path := lua.LVAsString(e.state.GetField(pkg, "path"))
	e.state.SetField(pkg, "path", lua.LString(path+";"+strings.TrimRight(dir, "/")+"/?.lua"))
	return nil
}

// Bind compiles source as the body of a callable named entry. The previous
// binding survives a failed compile.
func (e *Engine) Bind(entry, source string) error {
	fn, err := e.state.Load(strings.NewReader(source), entry)
	if err != nil {
		return wrapErr(context.Background(), "bind", entry, err)
	}
	e.entries[entry] = fn
	return nil
}

// Invoke calls the function bound under entry. It reports false without
// error when nothing is bound.
func (e *Engine) Invoke(entry string) (bool, error) {
	fn, ok := e.entries[entry]
	if !ok {
		return false, nil
	}
	return true, e.call("invoke", entry, fn)
}

// Exec runs source once in the interpreter's global state.
func (e *Engine) Exec(source string) error {
	fn, err := e.state.Load(strings.NewReader(source), "script")
	if err != nil {
		return wrapErr(context.Background(), "exec", "script", err)
	}
	return e.call("exec", "script", fn)
}

func (e *Engine) ExecFile(path string) error {
	fn, err := e.state.LoadFile(path)
	if err != nil {
		return wrapErr(context.Background(), "exec_file", path, err)
	}
	return e.call("exec_file", path, fn)
}

func (e *Engine) Bound(entry string) bool {
	_, ok := e.entries[entry]
	return ok
}

// Entries returns the bound entry names in sorted order.
func (e *Engine) Entries() []string {
	names := make([]string, 0, len(e.entries))
	for name := range e.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) Close() {
	e.entries = nil
	e.state.Close()
}

func (e *Engine) call(op, entry string, fn *lua.LFunction) error {
	ctx := context.Background()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		e.state.SetContext(ctx)
		defer e.state.RemoveContext()
	}

	err := e.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
	e.state.SetTop(0)
	return wrapErr(ctx, op, entry, err)
}
