// Package ws serves the widget control channel over WebSocket together with
// a small HTTP API for inspection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/netrender/backend/internal/config"
	"github.com/netrender/backend/internal/dispatch"
	"github.com/netrender/backend/internal/metrics"
	"github.com/netrender/backend/internal/session"
	"github.com/netrender/backend/internal/tick"
)

// TickSource is the view of the tick driver the HTTP API reports.
type TickSource interface {
	Health() map[string]tick.Health
	Ticks() uint64
}

type Server struct {
	cfg            config.ServerConfig
	hub            *Hub
	dispatcher     *dispatch.Dispatcher
	registry       *session.Registry
	ticks          TickSource
	logger         zerolog.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	startedAt      time.Time
	proc           *process.Process
	httpServer     *http.Server

	readersMu sync.Mutex
	closing   bool
	readers   sync.WaitGroup
}

func NewServer(cfg config.ServerConfig, registry *session.Registry, dispatcher *dispatch.Dispatcher, ticks TickSource, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		hub:            NewHub(cfg.MaxConnections, logger),
		dispatcher:     dispatcher,
		registry:       registry,
		ticks:          ticks,
		logger:         logger,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		startedAt:      time.Now(),
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	} else {
		logger.Warn().Err(err).Msg("process stats unavailable")
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/ws", s.handleWS)
		r.Get("/api/widgets", s.handleWidgets)
		r.Get("/api/status", s.handleStatus)
	})
	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub.Full() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}

	c, err := s.hub.AddClient(conn)
	if err != nil {
		// Lost the race for the last slot after the pre-upgrade check.
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeTimeout))
		conn.Close()
		return
	}

	if !s.trackReader() {
		s.hub.RemoveClient(c)
		return
	}
	c.logger.Info().Str("remote", r.RemoteAddr).Msg("ws client connected")
	go s.readLoop(c)
}

// trackReader registers a read loop unless Shutdown has started.
func (s *Server) trackReader() bool {
	s.readersMu.Lock()
	defer s.readersMu.Unlock()
	if s.closing {
		return false
	}
	s.readers.Add(1)
	return true
}

// readLoop handles one request at a time for the connection c.
func (s *Server) readLoop(c *client) {
	defer s.readers.Done()
	defer func() {
		s.hub.RemoveClient(c)
		c.logger.Info().Msg("ws client disconnected")
	}()

	if s.cfg.ReadLimit > 0 {
		c.conn.SetReadLimit(s.cfg.ReadLimit)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("ws read failed")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		resp := s.handleFrame(context.Background(), data)
		out, err := json.Marshal(resp)
		if err != nil {
			c.logger.Error().Err(err).Msg("marshal response failed")
			continue
		}
		if !c.enqueue(out) {
			c.logger.Debug().Str("id", resp.ID).Msg("response dropped, client gone")
			return
		}
	}
}

// handleFrame decodes one text frame and dispatches it.
func (s *Server) handleFrame(ctx context.Context, data []byte) dispatch.Response {
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		resp := dispatch.ParseError(err)
		metrics.RecordRequest("", resp.Code(), 0)
		return resp
	}
	return s.dispatcher.Dispatch(ctx, rec)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// WidgetInfo is one row of GET /api/widgets.
type WidgetInfo struct {
	session.Summary
	Health              tick.Status `json:"health"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

func (s *Server) handleWidgets(w http.ResponseWriter, _ *http.Request) {
	var health map[string]tick.Health
	if s.ticks != nil {
		health = s.ticks.Health()
	}

	summaries := s.registry.Snapshot()
	out := make([]WidgetInfo, 0, len(summaries))
	for _, sum := range summaries {
		info := WidgetInfo{Summary: sum, Health: tick.StatusHealthy}
		if h, ok := health[sum.ID]; ok {
			info.Health = h.Status
			info.ConsecutiveFailures = h.ConsecutiveFailures
		}
		out = append(out, info)
	}
	writeJSON(w, out)
}

// Status is the body of GET /api/status.
type Status struct {
	Uptime     string  `json:"uptime"`
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Widgets    int     `json:"widgets"`
	Clients    int     `json:"clients"`
	Ticks      uint64  `json:"ticks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := Status{
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Widgets:    s.registry.Len(),
		Clients:    s.hub.ClientCount(),
	}
	if s.ticks != nil {
		st.Ticks = s.ticks.Ticks()
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			st.RSSBytes = mem.RSS
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			st.CPUPercent = cpu
		}
	}
	writeJSON(w, st)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.AuthToken
	if token == "" {
		return true
	}

	if r.URL.Query().Get("token") == token {
		return true
	}

	if r.Header.Get("X-Netrender-Token") == token {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, disconnects every client and waits for
// their read loops to finish any request in flight.
func (s *Server) Shutdown(ctx context.Context) error {
	s.readersMu.Lock()
	s.closing = true
	s.readersMu.Unlock()

	s.hub.CloseAll()
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
