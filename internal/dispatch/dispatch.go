// Package dispatch validates control records, routes each to one session
// operation and builds exactly one response for it.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/netrender/backend/internal/metrics"
	"github.com/netrender/backend/internal/persist"
	"github.com/netrender/backend/internal/session"
)

const widgetStripes = 64

// Dispatcher is safe for concurrent use; all session access goes through the
// registry lock. Requests for one widget are serialized on a stripe lock
// until their store write is done, so the store sees changes in the order
// the registry applied them.
type Dispatcher struct {
	registry *session.Registry
	store    persist.Store
	logger   zerolog.Logger
	stripes  [widgetStripes]sync.Mutex
}

type Option func(*Dispatcher)

// WithStore records successful binds and removals in store.
func WithStore(store persist.Store) Option {
	return func(d *Dispatcher) { d.store = store }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func New(registry *session.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		store:    persist.Nop{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// change is a mutation to mirror into the store once the lock is released.
type change struct {
	widget string
	entry  string
	source string
	remove bool
}

// Dispatch handles one decoded record.
func (d *Dispatcher) Dispatch(ctx context.Context, rec map[string]any) Response {
	start := time.Now()

	req, err := DecodeRequest(rec)
	if err != nil {
		resp := Failure(requestID(rec), CodeBadRequest, "malformed request: %v", err)
		d.finish(commandLabel(""), resp, start)
		return resp
	}

	resp := d.handle(ctx, req)
	d.finish(commandLabel(req.Command), resp, start)
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, req Request) Response {
	if req.Widget != "" {
		mu := &d.stripes[xxhash.Sum64String(req.Widget)%widgetStripes]
		mu.Lock()
		defer mu.Unlock()
	}
	resp, ch := d.route(req)
	if ch != nil {
		d.record(ctx, *ch)
	}
	return resp
}

func (d *Dispatcher) finish(command string, resp Response, start time.Time) {
	metrics.RecordRequest(command, resp.Code(), time.Since(start))
	if resp.Error != nil {
		d.logger.Debug().
			Str("id", resp.ID).
			Int("code", resp.Error.Code).
			Str("message", resp.Error.Message).
			Msg("request rejected")
	}
}

func (d *Dispatcher) route(req Request) (Response, *change) {
	if req.Widget == "" {
		return Failure(req.ID, CodeBadRequest, "missing field 'widget'"), nil
	}

	cmd := canonical(req.Command)
	if cmd == CmdRemove {
		if d.registry.Remove(req.Widget) {
			return OK(req.ID), &change{widget: req.Widget, remove: true}
		}
		return OK(req.ID), nil
	}

	var (
		resp Response
		ch   *change
	)
	err := d.registry.Use(req.Widget, func(s *session.Session) error {
		resp, ch = d.apply(s, cmd, req)
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			return Failure(req.ID, CodeInternal, "server shutting down"), nil
		}
		var initErr *session.InitError
		if errors.As(err, &initErr) {
			d.logger.Warn().Str("widget", req.Widget).Err(initErr.Err).Msg("widget init failed")
		}
		return Failure(req.ID, CodeInternal, "init widget failed: %v", err), nil
	}
	return resp, ch
}

// apply runs with the registry lock held.
func (d *Dispatcher) apply(s *session.Session, cmd string, req Request) (Response, *change) {
	switch cmd {
	case "":
		if req.source() == "" {
			return Failure(req.ID, CodeBadRequest, "missing field 'command' or 'script'"), nil
		}
		return bind(s, CmdSetRender, session.EntryRender, req)
	case CmdSetRender:
		return bind(s, cmd, session.EntryRender, req)
	case CmdSetCompute:
		return bind(s, cmd, session.EntryCompute, req)
	case CmdGetResponse:
		if src := req.adHoc(); src != "" {
			// Failure is reported through last_error.
			_ = s.RunAdHoc(src)
		}
		return Result(req.ID, s.Response(), s.LastError()), nil
	case CmdCompute:
		_ = s.InvokeEntry(session.EntryCompute)
		return Result(req.ID, s.Response(), s.LastError()), nil
	case CmdClearResponse:
		s.ClearResponse()
		s.ClearLastError()
		return OK(req.ID), nil
	default:
		return Failure(req.ID, CodeNotFound, "unknown command '%s'", req.Command), nil
	}
}

func bind(s *session.Session, cmd, entry string, req Request) (Response, *change) {
	src := req.source()
	if src == "" {
		return Failure(req.ID, CodeBadRequest, "missing field 'script'"), nil
	}
	if err := s.SetEntry(entry, src); err != nil {
		return Failure(req.ID, CodeInternal, "%s failed: %s", cmd, s.LastError()), nil
	}
	return OK(req.ID), &change{widget: s.ID(), entry: entry, source: src}
}

func (d *Dispatcher) record(ctx context.Context, ch change) {
	if ch.remove {
		if err := d.store.Delete(ctx, ch.widget); err != nil {
			metrics.RecordStoreError("delete")
			d.logger.Error().Err(err).Str("widget", ch.widget).Msg("failed to delete persisted widget")
		}
		return
	}
	if err := d.store.SaveEntry(ctx, ch.widget, ch.entry, ch.source); err != nil {
		metrics.RecordStoreError("save")
		d.logger.Error().Err(err).Str("widget", ch.widget).Str("entry", ch.entry).Msg("failed to persist widget entry")
	}
}

// Restore rebuilds every persisted widget and rebinds its entries. Widgets
// that fail to initialize or rebind are logged and skipped. It returns the
// number of widgets restored.
func (d *Dispatcher) Restore(ctx context.Context) (int, error) {
	widgets, err := d.store.LoadAll(ctx)
	if err != nil {
		metrics.RecordStoreError("load")
		return 0, err
	}

	restored := 0
	for _, w := range widgets {
		names := make([]string, 0, len(w.Entries))
		for name := range w.Entries {
			names = append(names, name)
		}
		sort.Strings(names)

		err := d.registry.Use(w.ID, func(s *session.Session) error {
			for _, name := range names {
				if err := s.SetEntry(name, w.Entries[name]); err != nil {
					d.logger.Warn().Err(err).Str("widget", w.ID).Str("entry", name).Msg("failed to rebind persisted entry")
				}
			}
			return nil
		})
		if err != nil {
			d.logger.Warn().Err(err).Str("widget", w.ID).Msg("failed to restore widget")
			continue
		}
		restored++
	}
	if restored > 0 {
		d.logger.Info().Int("widgets", restored).Msg("restored persisted widgets")
	}
	return restored, nil
}
