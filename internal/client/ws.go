// Package client talks to a netrender server over its WebSocket control
// channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/netrender/backend/internal/dispatch"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

var ErrNotConnected = errors.New("not connected")

// WSClient sends one request at a time and waits for its response.
type WSClient struct {
	url   string
	token string

	mu   sync.Mutex
	conn *websocket.Conn
	seq  uint64
}

// NewWSClient creates a client for the given WebSocket URL. A non-empty
// token is sent as a bearer token on the upgrade request.
func NewWSClient(url, token string) *WSClient {
	return &WSClient{url: url, token: token}
}

func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (HTTP %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.conn = conn
	return nil
}

// Send writes req and reads the matching response. An empty req.ID is
// replaced with a sequence number.
func (c *WSClient) Send(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return dispatch.Response{}, ErrNotConnected
	}

	c.seq++
	if req.ID == "" {
		req.ID = strconv.FormatUint(c.seq, 10)
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(record(req)); err != nil {
		c.dropLocked()
		return dispatch.Response{}, fmt.Errorf("write request: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
	for {
		var resp dispatch.Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.dropLocked()
			return dispatch.Response{}, fmt.Errorf("read response: %w", err)
		}
		// Parse errors carry no id; anything else must match.
		if resp.ID == req.ID || resp.ID == "" {
			return resp, nil
		}
	}
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.dropLocked()
	return nil
}

func (c *WSClient) dropLocked() {
	c.conn.Close()
	c.conn = nil
}

// record omits empty optional fields so the server sees them as absent.
func record(req dispatch.Request) map[string]any {
	rec := map[string]any{"id": req.ID, "widget": req.Widget}
	for k, v := range map[string]string{
		"command":          req.Command,
		"script":           req.Script,
		"code":             req.Code,
		"computing_script": req.ComputingScript,
	} {
		if v != "" {
			rec[k] = v
		}
	}
	return rec
}
