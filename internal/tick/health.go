package tick

import (
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy Status = "healthy"
	StatusFailing Status = "failing"
)

// Health is a copy of one widget's render health.
type Health struct {
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastFailure         time.Time `json:"lastFailure"`
}

type widgetHealth struct {
	failures    int
	lastErr     string
	lastFail    time.Time
	lastEmitted Status
}

// healthTracker counts consecutive render failures per widget. The driver
// writes it after each sweep; HTTP handlers read it concurrently.
type healthTracker struct {
	mu        sync.Mutex
	threshold int
	widgets   map[string]*widgetHealth
}

func newHealthTracker(threshold int) *healthTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &healthTracker{threshold: threshold, widgets: make(map[string]*widgetHealth)}
}

// outcome is one render result collected during a sweep.
type outcome struct {
	widget string
	err    error
}

// transition reports a widget whose status changed in this update.
type transition struct {
	widget   string
	status   Status
	failures int
	lastErr  string
}

// update applies one sweep's outcomes. Widgets absent from the sweep were
// removed and are pruned.
func (h *healthTracker) update(outcomes []outcome, now time.Time) []transition {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]bool, len(outcomes))
	var changed []transition
	for _, o := range outcomes {
		seen[o.widget] = true
		wh, ok := h.widgets[o.widget]
		if !ok {
			wh = &widgetHealth{lastEmitted: StatusHealthy}
			h.widgets[o.widget] = wh
		}
		if o.err != nil {
			wh.failures++
			wh.lastErr = o.err.Error()
			wh.lastFail = now
		} else {
			wh.failures = 0
		}

		status := h.statusLocked(wh)
		if status != wh.lastEmitted {
			wh.lastEmitted = status
			changed = append(changed, transition{widget: o.widget, status: status, failures: wh.failures, lastErr: wh.lastErr})
		}
	}

	for id := range h.widgets {
		if !seen[id] {
			delete(h.widgets, id)
		}
	}
	return changed
}

// statusLocked computes the status of wh. Caller must hold h.mu.
func (h *healthTracker) statusLocked(wh *widgetHealth) Status {
	if wh.failures >= h.threshold {
		return StatusFailing
	}
	return StatusHealthy
}

func (h *healthTracker) snapshot() map[string]Health {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]Health, len(h.widgets))
	for id, wh := range h.widgets {
		out[id] = Health{
			Status:              h.statusLocked(wh),
			ConsecutiveFailures: wh.failures,
			LastError:           wh.lastErr,
			LastFailure:         wh.lastFail,
		}
	}
	return out
}
