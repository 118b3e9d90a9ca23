package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netrender/backend/internal/config"
	"github.com/netrender/backend/internal/dispatch"
	"github.com/netrender/backend/internal/engine"
	"github.com/netrender/backend/internal/session"
	"github.com/netrender/backend/internal/tick"
	"github.com/netrender/backend/internal/ws"
)

func startServer(t *testing.T, cfg config.ServerConfig) (string, *tick.Driver) {
	t.Helper()
	r := session.NewRegistry(session.EngineFactory(engine.Options{}))
	t.Cleanup(r.Close)
	driver := tick.New(r)
	s := ws.NewServer(cfg, r, dispatch.New(r), driver, zerolog.Nop())
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		s.Hub().CloseAll()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", driver
}

func TestSendRoundTrip(t *testing.T) {
	url, driver := startServer(t, config.ServerConfig{})
	c := NewWSClient(url, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	resp, err := c.Send(ctx, dispatch.Request{Widget: "w", Command: "set_render", Script: "respond('pong')"})
	require.NoError(t, err)
	assert.Equal(t, "1", resp.ID, "ids are assigned from the sequence")
	assert.Equal(t, "ok", resp.Status)

	driver.Tick()

	resp, err = c.Send(ctx, dispatch.Request{ID: "q", Widget: "w", Command: "get_response"})
	require.NoError(t, err)
	assert.Equal(t, "q", resp.ID)
	require.NotNil(t, resp.Response)
	assert.Equal(t, "pong", *resp.Response)

	resp, err = c.Send(ctx, dispatch.Request{Widget: "w", Command: "nope"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, 404, resp.Error.Code)
}

func TestConnectWithToken(t *testing.T) {
	url, _ := startServer(t, config.ServerConfig{AuthToken: "tok"})
	ctx := context.Background()

	err := NewWSClient(url, "wrong").Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")

	c := NewWSClient(url, "tok")
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "closing twice is fine")
}

func TestSendWithoutConnect(t *testing.T) {
	_, err := NewWSClient("ws://127.0.0.1:1/ws", "").Send(context.Background(), dispatch.Request{Widget: "w"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRecordOmitsEmptyFields(t *testing.T) {
	rec := record(dispatch.Request{ID: "1", Widget: "w", Code: "x"})
	assert.Equal(t, map[string]any{"id": "1", "widget": "w", "code": "x"}, rec)
}
