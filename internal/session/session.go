package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/netrender/backend/internal/engine"
)

const (
	EntryRender  = "render"
	EntryCompute = "compute"
)

// Interpreter is the engine capability a Session drives. *engine.Engine
// satisfies it; tests substitute instrumented stubs.
type Interpreter interface {
	Bind(entry, source string) error
	Invoke(entry string) (bool, error)
	Bound(entry string) bool
	Exec(source string) error
	ExecFile(path string) error
	Entries() []string
	Close()
}

// Factory builds the interpreter for a new session. host is the session
// itself, so callbacks installed by the factory reach only that session.
type Factory func(widgetID string, host engine.Host) (Interpreter, error)

// EngineFactory returns a Factory producing gopher-lua engines.
func EngineFactory(opts engine.Options) Factory {
	return func(widgetID string, host engine.Host) (Interpreter, error) {
		o := opts
		o.WidgetID = widgetID
		e, err := engine.New(host, o)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// Session is one widget's interpreter plus the state scripts report through.
// Every method must be called with the owning Registry's lock held.
type Session struct {
	id        string
	lane      int
	createdAt time.Time
	interp    Interpreter
	response  string
	lastError string
	sources   map[string]string
	logger    zerolog.Logger
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Lane() int            { return s.lane }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// SetEntry compiles source and binds it as entry. On failure the previous
// binding stays callable and the error is recorded as the last error.
func (s *Session) SetEntry(entry, source string) error {
	s.ClearLastError()
	err := s.guard(func() error { return s.interp.Bind(entry, source) })
	if err != nil {
		return s.fail("couldn't set %s: %w", entry, err)
	}
	s.sources[entry] = source
	return nil
}

// InvokeEntry runs the callable bound as entry. With nothing bound it does
// nothing, so the last error of an earlier operation is kept.
func (s *Session) InvokeEntry(entry string) error {
	if !s.interp.Bound(entry) {
		return nil
	}
	s.ClearLastError()
	err := s.guard(func() error {
		_, err := s.interp.Invoke(entry)
		return err
	})
	if err != nil {
		return s.fail("couldn't call %s: %w", entry, err)
	}
	return nil
}

// RunAdHoc executes source once, outside any entry point.
func (s *Session) RunAdHoc(source string) error {
	s.ClearLastError()
	if err := s.guard(func() error { return s.interp.Exec(source) }); err != nil {
		return s.fail("couldn't execute script: %w", err)
	}
	return nil
}

func (s *Session) runInit(path string) error {
	if err := s.guard(func() error { return s.interp.ExecFile(path) }); err != nil {
		return s.fail("couldn't execute init script: %w", err)
	}
	return nil
}

// Entries returns the names of the bound entry points.
func (s *Session) Entries() []string {
	return s.interp.Entries()
}

// Sources returns the last successfully bound source of every entry.
func (s *Session) Sources() map[string]string {
	out := make(map[string]string, len(s.sources))
	for k, v := range s.sources {
		out[k] = v
	}
	return out
}

func (s *Session) AppendResponse(msg string) { s.response += msg }
func (s *Session) SetResponse(msg string)    { s.response = msg }
func (s *Session) ClearResponse()            { s.response = "" }
func (s *Session) Response() string          { return s.response }

func (s *Session) SetLastError(msg string) { s.lastError = msg }
func (s *Session) ClearLastError()         { s.lastError = "" }
func (s *Session) LastError() string       { return s.lastError }

// Log is the logging sink exposed to scripts as log(...).
func (s *Session) Log(msg string) {
	s.logger.Info().Msg(msg)
}

func (s *Session) fail(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	s.lastError = err.Error()
	s.logger.Debug().Err(err).Msg("script failed")
	return err
}

// guard converts a panic escaping the interpreter into an error so one
// widget can never take down the caller.
func (s *Session) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (s *Session) close() {
	if s.interp != nil {
		s.interp.Close()
		s.interp = nil
	}
}

// Summary is a point-in-time read-only view of a session.
type Summary struct {
	ID            string    `json:"id"`
	Lane          int       `json:"lane"`
	CreatedAt     time.Time `json:"createdAt"`
	Entries       []string  `json:"entries"`
	LastError     string    `json:"lastError,omitempty"`
	ResponseBytes int       `json:"responseBytes"`
}

func (s *Session) summary() Summary {
	entries := s.Entries()
	sort.Strings(entries)
	return Summary{
		ID:            s.id,
		Lane:          s.lane,
		CreatedAt:     s.createdAt,
		Entries:       entries,
		LastError:     s.lastError,
		ResponseBytes: len(s.response),
	}
}
