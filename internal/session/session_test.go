package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netrender/backend/internal/engine"
)

func newLuaSession(t *testing.T) *Session {
	t.Helper()
	r := NewRegistry(EngineFactory(engine.Options{}))
	t.Cleanup(r.Close)

	var got *Session
	require.NoError(t, r.Use("w1", func(s *Session) error {
		got = s
		return nil
	}))
	return got
}

func TestSetEntryAndInvoke(t *testing.T) {
	s := newLuaSession(t)

	require.NoError(t, s.SetEntry(EntryRender, "respond('hi')"))
	require.NoError(t, s.InvokeEntry(EntryRender))
	assert.Equal(t, "hi", s.Response())
	assert.Empty(t, s.LastError())
	assert.Equal(t, map[string]string{EntryRender: "respond('hi')"}, s.Sources())
}

func TestInvokeUnboundEntry(t *testing.T) {
	s := newLuaSession(t)

	assert.NoError(t, s.InvokeEntry(EntryCompute))
	assert.Empty(t, s.LastError())
}

func TestInvokeUnboundEntryKeepsLastError(t *testing.T) {
	s := newLuaSession(t)

	require.Error(t, s.SetEntry(EntryRender, "((("))
	recorded := s.LastError()
	require.Contains(t, recorded, "couldn't set render")

	require.NoError(t, s.InvokeEntry(EntryRender))
	assert.Equal(t, recorded, s.LastError())

	s.SetLastError("from script")
	require.NoError(t, s.InvokeEntry(EntryCompute))
	assert.Equal(t, "from script", s.LastError())
}

func TestSetEntryCompileFailureKeepsBinding(t *testing.T) {
	s := newLuaSession(t)

	require.NoError(t, s.SetEntry(EntryRender, "respond('good')"))
	err := s.SetEntry(EntryRender, "respond(")
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindCompile))
	assert.Contains(t, s.LastError(), "couldn't set render")

	require.NoError(t, s.InvokeEntry(EntryRender))
	assert.Equal(t, "good", s.Response())
	assert.Equal(t, "respond('good')", s.Sources()[EntryRender], "failed source is not recorded")
}

func TestLastErrorReflectsMostRecentOperation(t *testing.T) {
	s := newLuaSession(t)

	require.Error(t, s.RunAdHoc("error('first')"))
	assert.Contains(t, s.LastError(), "first")
	assert.Contains(t, s.LastError(), "couldn't execute script")

	require.NoError(t, s.RunAdHoc("x = 1"))
	assert.Empty(t, s.LastError(), "a successful operation clears the previous error")

	require.NoError(t, s.SetEntry(EntryRender, "error('tick')"))
	require.Error(t, s.InvokeEntry(EntryRender))
	assert.Contains(t, s.LastError(), "couldn't call render")
	assert.NotContains(t, s.LastError(), "first")
}

func TestResponseBuffer(t *testing.T) {
	s := newLuaSession(t)

	s.AppendResponse("a")
	s.AppendResponse("b")
	assert.Equal(t, "ab", s.Response())
	assert.Equal(t, "ab", s.Response(), "reads are non-destructive")

	s.SetResponse("c")
	assert.Equal(t, "c", s.Response())
	s.ClearResponse()
	assert.Empty(t, s.Response())

	s.SetLastError("oops")
	assert.Equal(t, "oops", s.LastError())
	s.ClearLastError()
	assert.Empty(t, s.LastError())
}

func TestScriptsCannotReachOtherSessions(t *testing.T) {
	r := NewRegistry(EngineFactory(engine.Options{}))
	defer r.Close()

	require.NoError(t, r.Use("a", func(s *Session) error { return s.RunAdHoc("shared = 'from a'; respond(widget.id)") }))
	require.NoError(t, r.Use("b", func(s *Session) error { return s.RunAdHoc("respond(tostring(shared) .. ' ' .. widget.id)") }))

	require.NoError(t, r.Use("a", func(s *Session) error {
		assert.Equal(t, "a", s.Response())
		return nil
	}))
	require.NoError(t, r.Use("b", func(s *Session) error {
		assert.Equal(t, "nil b", s.Response())
		return nil
	}))
}

type panickingInterp struct{ stubInterp }

func (p *panickingInterp) Bound(string) bool           { return true }
func (p *panickingInterp) Invoke(string) (bool, error) { panic("host exploded") }

func TestPanicIsCapturedAsLastError(t *testing.T) {
	r := NewRegistry(func(string, engine.Host) (Interpreter, error) {
		return &panickingInterp{}, nil
	})
	defer r.Close()

	require.NoError(t, r.Use("w", func(s *Session) error {
		err := s.InvokeEntry(EntryRender)
		require.Error(t, err)
		assert.Contains(t, s.LastError(), "panic: host exploded")
		return nil
	}))
}

func TestFactoryErrorPropagates(t *testing.T) {
	boom := errors.New("no interpreter for you")
	r := NewRegistry(func(string, engine.Host) (Interpreter, error) { return nil, boom })

	err := r.Use("w", func(*Session) error {
		t.Fatal("fn must not run when creation fails")
		return nil
	})
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "w", initErr.Widget)
	assert.Equal(t, boom.Error(), err.Error(), "bootstrap error is returned verbatim")
}
