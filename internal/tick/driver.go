// Package tick drives every widget's render entry at a fixed cadence.
package tick

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/netrender/backend/internal/metrics"
	"github.com/netrender/backend/internal/session"
)

// Driver sweeps the registry once per tick. It performs no network I/O.
type Driver struct {
	registry *session.Registry
	health   *healthTracker
	logger   zerolog.Logger
	now      func() time.Time
	ticks    atomic.Uint64
}

type Option func(*Driver)

// WithFailureThreshold sets how many consecutive render failures mark a
// widget failing.
func WithFailureThreshold(n int) Option {
	return func(d *Driver) { d.health = newHealthTracker(n) }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

func New(registry *session.Registry, opts ...Option) *Driver {
	d := &Driver{
		registry: registry,
		health:   newHealthTracker(30),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Result summarizes one sweep.
type Result struct {
	Visited  int
	Failures int
}

// Tick invokes the render entry of every session in creation order. A
// failing widget records its error and the sweep continues.
func (d *Driver) Tick() Result {
	start := d.now()

	var outcomes []outcome
	d.registry.ForEach(func(s *session.Session) {
		outcomes = append(outcomes, outcome{widget: s.ID(), err: s.InvokeEntry(session.EntryRender)})
	})

	res := Result{Visited: len(outcomes)}
	for _, o := range outcomes {
		if o.err != nil {
			res.Failures++
		}
	}
	d.ticks.Add(1)
	metrics.RecordTick(d.now().Sub(start), res.Failures)

	for _, t := range d.health.update(outcomes, start) {
		if t.status == StatusFailing {
			d.logger.Warn().
				Str("widget", t.widget).
				Int("failures", t.failures).
				Str("error", t.lastErr).
				Msg("widget render failing")
		} else {
			d.logger.Info().Str("widget", t.widget).Msg("widget render recovered")
		}
	}
	return res
}

// Run ticks every interval until ctx is cancelled.
func (d *Driver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info().Dur("interval", interval).Msg("tick driver started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Uint64("ticks", d.ticks.Load()).Msg("tick driver stopped")
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}

// Ticks returns the number of completed sweeps.
func (d *Driver) Ticks() uint64 { return d.ticks.Load() }

// Health returns the render health of every widget seen by the last sweep.
func (d *Driver) Health() map[string]Health { return d.health.snapshot() }
