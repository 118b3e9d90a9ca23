package tick

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netrender/backend/internal/engine"
	"github.com/netrender/backend/internal/session"
)

func newRegistry(t *testing.T) *session.Registry {
	t.Helper()
	r := session.NewRegistry(session.EngineFactory(engine.Options{}))
	t.Cleanup(r.Close)
	return r
}

func bindRender(t *testing.T, r *session.Registry, id, src string) {
	t.Helper()
	require.NoError(t, r.Use(id, func(s *session.Session) error {
		return s.SetEntry(session.EntryRender, src)
	}))
}

func response(t *testing.T, r *session.Registry, id string) (resp, lastErr string) {
	t.Helper()
	require.NoError(t, r.Use(id, func(s *session.Session) error {
		resp, lastErr = s.Response(), s.LastError()
		return nil
	}))
	return resp, lastErr
}

func TestTickIsolatesFailures(t *testing.T) {
	r := newRegistry(t)
	bindRender(t, r, "before", "append_response('a')")
	bindRender(t, r, "broken", "error('kaput')")
	bindRender(t, r, "after", "append_response('b')")
	require.NoError(t, r.Use("unbound", func(*session.Session) error { return nil }))

	d := New(r)
	res := d.Tick()
	assert.Equal(t, Result{Visited: 4, Failures: 1}, res)

	resp, lastErr := response(t, r, "before")
	assert.Equal(t, "a", resp)
	assert.Empty(t, lastErr)

	resp, lastErr = response(t, r, "after")
	assert.Equal(t, "b", resp, "a failing widget does not stop the sweep")
	assert.Empty(t, lastErr)

	_, lastErr = response(t, r, "broken")
	assert.Contains(t, lastErr, "couldn't call render:")
	assert.Contains(t, lastErr, "kaput")

	assert.True(t, r.Has("broken"), "the tick path never removes sessions")
}

func TestTickOrderIsCreationOrder(t *testing.T) {
	var buf bytes.Buffer
	r := session.NewRegistry(session.EngineFactory(engine.Options{}), session.WithLogger(zerolog.New(&buf)))
	t.Cleanup(r.Close)
	for _, id := range []string{"c", "a", "b"} {
		bindRender(t, r, id, "log('tick ' .. widget.id)")
	}
	buf.Reset()

	New(r).Tick()

	var got []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if i := strings.Index(line, `"message":"tick `); i >= 0 {
			got = append(got, line[i+len(`"message":"tick `):i+len(`"message":"tick `)+1])
		}
	}
	assert.Equal(t, []string{"c", "a", "b"}, got)
}

func TestHealthThresholdTransitions(t *testing.T) {
	var buf bytes.Buffer
	r := newRegistry(t)
	bindRender(t, r, "flaky", "error('down')")

	d := New(r, WithFailureThreshold(3), WithLogger(zerolog.New(&buf)))

	d.Tick()
	d.Tick()
	h := d.Health()["flaky"]
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, 2, h.ConsecutiveFailures)
	assert.NotContains(t, buf.String(), "widget render failing")

	d.Tick()
	h = d.Health()["flaky"]
	assert.Equal(t, StatusFailing, h.Status)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Contains(t, h.LastError, "down")
	assert.False(t, h.LastFailure.IsZero())

	d.Tick()
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("widget render failing")), "logged once per transition")

	bindRender(t, r, "flaky", "respond('up')")
	d.Tick()
	h = d.Health()["flaky"]
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Contains(t, buf.String(), "widget render recovered")
}

func TestHealthPrunesRemovedWidgets(t *testing.T) {
	r := newRegistry(t)
	bindRender(t, r, "w", "respond('x')")
	d := New(r)

	d.Tick()
	require.Contains(t, d.Health(), "w")

	r.Remove("w")
	d.Tick()
	assert.NotContains(t, d.Health(), "w")
	assert.Equal(t, uint64(2), d.Ticks())
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newRegistry(t)
	bindRender(t, r, "w", "append_response('.')")
	d := New(r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, 2*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return d.Ticks() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	resp, _ := response(t, r, "w")
	assert.GreaterOrEqual(t, len(resp), 3)
}

func TestThresholdFloor(t *testing.T) {
	h := newHealthTracker(0)
	assert.Equal(t, 1, h.threshold)
}
