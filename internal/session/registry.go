package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netrender/backend/internal/metrics"
)

// ErrClosed is returned by Use once the registry has been closed.
var ErrClosed = errors.New("registry closed")

// InitError reports a session bootstrap failure. The widget is left
// unregistered, so the next reference retries from scratch.
type InitError struct {
	Widget string
	Err    error
}

func (e *InitError) Error() string { return e.Err.Error() }
func (e *InitError) Unwrap() error { return e.Err }

// Registry maps widget ids to sessions. One mutex guards both the map and
// every operation performed on any session, so an interpreter is never
// entered from two goroutines at once.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	closed     bool
	nextLane   int
	factory    Factory
	initScript string
	logger     zerolog.Logger
	now        func() time.Time
}

type Option func(*Registry)

// WithInitScript runs path in every new session before it is registered.
func WithInitScript(path string) Option {
	return func(r *Registry) { r.initScript = path }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func NewRegistry(factory Factory, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		factory:  factory,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// getOrCreateLocked resolves id, creating and bootstrapping a session when
// absent. Nothing is inserted unless bootstrap succeeds. Caller must hold r.mu
// and may use the session only while holding it.
func (r *Registry) getOrCreateLocked(id string) (*Session, error) {
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if r.closed {
		return nil, ErrClosed
	}

	s := &Session{
		id:        id,
		lane:      r.nextLane,
		createdAt: r.now(),
		sources:   make(map[string]string),
		logger:    r.logger.With().Str("widget", id).Logger(),
	}

	interp, err := s.guardFactory(r.factory)
	if err != nil {
		metrics.RecordInitFailure()
		return nil, &InitError{Widget: id, Err: err}
	}
	s.interp = interp

	if r.initScript != "" {
		if err := s.runInit(r.initScript); err != nil {
			s.close()
			metrics.RecordInitFailure()
			return nil, &InitError{Widget: id, Err: err}
		}
	}
	if s.lastError != "" {
		err := &InitError{Widget: id, Err: fmt.Errorf("init script reported: %s", s.lastError)}
		s.close()
		metrics.RecordInitFailure()
		return nil, err
	}

	r.nextLane++
	r.sessions[id] = s
	metrics.SetSessions(len(r.sessions))
	s.logger.Info().Int("lane", s.lane).Msg("widget session created")
	return s, nil
}

// Use resolves or creates the session for id and runs fn on it, holding the
// registry lock for the whole call. Creation failures are returned as
// *InitError and fn is not called.
func (r *Registry) Use(id string, fn func(*Session) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getOrCreateLocked(id)
	if err != nil {
		return err
	}
	return fn(s)
}

// Remove closes and forgets the session for id. Removing an absent id is a
// no-op; the result reports whether a session existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	delete(r.sessions, id)
	s.close()
	metrics.SetSessions(len(r.sessions))
	s.logger.Info().Msg("widget session removed")
	return true
}

// ForEach calls fn for every session in creation order with the lock held
// for the whole sweep. fn must not call back into the Registry.
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.orderedLocked() {
		fn(s)
	}
}

func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns summaries of all sessions in creation order.
func (r *Registry) Snapshot() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := r.orderedLocked()
	out := make([]Summary, 0, len(ordered))
	for _, s := range ordered {
		out = append(out, s.summary())
	}
	return out
}

// Close removes every session and closes its interpreter. Later calls to
// Use fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	for id, s := range r.sessions {
		s.close()
		delete(r.sessions, id)
	}
	metrics.SetSessions(0)
}

// orderedLocked sorts by lane. Caller must hold r.mu.
func (r *Registry) orderedLocked() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].lane < out[j].lane })
	return out
}

func (s *Session) guardFactory(factory Factory) (interp Interpreter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return factory(s.id, s)
}
