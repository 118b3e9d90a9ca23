package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHost struct {
	response  string
	lastError string
	logs      []string
}

func (h *recordingHost) AppendResponse(msg string) { h.response += msg }
func (h *recordingHost) SetResponse(msg string)    { h.response = msg }
func (h *recordingHost) ClearResponse()            { h.response = "" }
func (h *recordingHost) Response() string          { return h.response }
func (h *recordingHost) SetLastError(msg string)   { h.lastError = msg }
func (h *recordingHost) Log(msg string)            { h.logs = append(h.logs, msg) }

func newTestEngine(t *testing.T, opts Options) (*Engine, *recordingHost) {
	t.Helper()
	host := &recordingHost{}
	e, err := New(host, opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, host
}

func TestBindAndInvoke(t *testing.T) {
	e, host := newTestEngine(t, Options{WidgetID: "w1"})

	require.NoError(t, e.Bind("render", "append_response('tick;')"))
	assert.True(t, e.Bound("render"))

	for i := 0; i < 3; i++ {
		bound, err := e.Invoke("render")
		require.NoError(t, err)
		assert.True(t, bound)
	}
	assert.Equal(t, "tick;tick;tick;", host.response)
}

func TestInvokeUnboundIsNoop(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	bound, err := e.Invoke("render")
	assert.NoError(t, err)
	assert.False(t, bound)
}

func TestBindCompileErrorKeepsPrevious(t *testing.T) {
	e, host := newTestEngine(t, Options{})

	require.NoError(t, e.Bind("render", "respond('v1')"))
	err := e.Bind("render", "respond('v2'")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCompile), "got %v", err)

	_, err = e.Invoke("render")
	require.NoError(t, err)
	assert.Equal(t, "v1", host.response)
}

func TestRebindReplaces(t *testing.T) {
	e, host := newTestEngine(t, Options{})

	require.NoError(t, e.Bind("render", "respond('v1')"))
	require.NoError(t, e.Bind("render", "respond('v2')"))
	_, err := e.Invoke("render")
	require.NoError(t, err)
	assert.Equal(t, "v2", host.response)
}

func TestInvokeRuntimeError(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	require.NoError(t, e.Bind("render", "error('boom')"))
	bound, err := e.Invoke("render")
	assert.True(t, bound)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRuntime))
	assert.Contains(t, err.Error(), "boom")

	// The state stays usable after a failure.
	require.NoError(t, e.Exec("respond('still alive')"))
}

func TestExecSharesGlobalsWithEntries(t *testing.T) {
	e, host := newTestEngine(t, Options{})

	require.NoError(t, e.Exec("counter = 0"))
	require.NoError(t, e.Bind("render", "counter = counter + 1"))
	for i := 0; i < 4; i++ {
		_, err := e.Invoke("render")
		require.NoError(t, err)
	}
	require.NoError(t, e.Exec("respond(tostring(counter))"))
	assert.Equal(t, "4", host.response)
}

func TestExecSyntaxError(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	err := e.Exec("local = ")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCompile))
}

func TestHostCallbacks(t *testing.T) {
	e, host := newTestEngine(t, Options{WidgetID: "clock"})

	require.NoError(t, e.Exec(`
		set_response("a")
		append_response("b")
		local cur = get_response()
		clear_response()
		append_response(cur .. "c")
		set_last_error("soft failure")
		log("widget", widget.id, 42)
	`))
	assert.Equal(t, "abc", host.response)
	assert.Equal(t, "soft failure", host.lastError)
	assert.Equal(t, []string{"widget clock 42"}, host.logs)
}

func TestJSONModule(t *testing.T) {
	e, host := newTestEngine(t, Options{})

	require.NoError(t, e.Exec(`
		local cjson = require("cjson")
		local obj = cjson.decode('{"name":"fps","values":[1,2,3]}')
		respond(json.encode({name = obj.name, total = obj.values[1] + obj.values[2] + obj.values[3]}))
	`))
	assert.JSONEq(t, `{"name":"fps","total":6}`, host.response)

	require.NoError(t, e.Exec(`respond(json.encode({"a", "b"}))`))
	assert.Equal(t, `["a","b"]`, host.response)

	err := e.Exec(`json.encode(function() end)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json.encode")
}

func TestScriptDirOnPackagePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "helpers.lua"),
		[]byte("return { greet = function(n) return 'hello ' .. n end }"), 0o600))

	e, host := newTestEngine(t, Options{ScriptDir: dir})
	require.NoError(t, e.Exec("respond(require('helpers').greet('overlay'))"))
	assert.Equal(t, "hello overlay", host.response)
}

func TestExecFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "init.lua")
	require.NoError(t, os.WriteFile(path, []byte("respond('ok')"), 0o600))

	e, host := newTestEngine(t, Options{})
	require.NoError(t, e.ExecFile(path))
	assert.Equal(t, "ok", host.response)

	err := e.ExecFile(filepath.Join(dir, "missing.lua"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindIO))
}

func TestCallTimeout(t *testing.T) {
	e, _ := newTestEngine(t, Options{CallTimeout: 20 * time.Millisecond})

	require.NoError(t, e.Bind("render", "while true do end"))
	start := time.Now()
	_, err := e.Invoke("render")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NoError(t, e.Bind("render", "respond('recovered')"))
	_, err = e.Invoke("render")
	assert.NoError(t, err)
}

func TestEntriesSorted(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	require.NoError(t, e.Bind("render", ""))
	require.NoError(t, e.Bind("compute", ""))
	assert.Equal(t, []string{"compute", "render"}, e.Entries())
}

func TestErrorMessageCarriesChunkName(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	err := e.Bind("render", "x = = 1")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "render"), "got %q", err.Error())
}
