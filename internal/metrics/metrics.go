package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netrender",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Commands handled, by command and response code.",
		},
		[]string{"command", "code"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "netrender",
			Subsystem: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Time from decoded request to built response.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)
	sessionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "netrender",
		Subsystem: "registry",
		Name:      "sessions",
		Help:      "Widget sessions currently registered.",
	})
	sessionInitFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netrender",
		Subsystem: "registry",
		Name:      "init_failures_total",
		Help:      "Session bootstraps that failed and were discarded.",
	})
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "netrender",
		Subsystem: "tick",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one sweep over all sessions.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .016, .033, .05, .1, .25},
	})
	tickFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netrender",
		Subsystem: "tick",
		Name:      "render_failures_total",
		Help:      "Render entry invocations that failed during a sweep.",
	})
	clients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "netrender",
		Subsystem: "ws",
		Name:      "clients",
		Help:      "Connected WebSocket clients.",
	})
	storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netrender",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Persistence operations that failed.",
		},
		[]string{"op"},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			requests, requestDuration,
			sessionsLive, sessionInitFailures,
			tickDuration, tickFailures,
			clients, storeErrors,
		)
	})
}

func RecordRequest(command string, code int, d time.Duration) {
	Register()
	if command == "" {
		command = "none"
	}
	requests.WithLabelValues(command, strconv.Itoa(code)).Inc()
	requestDuration.WithLabelValues(command).Observe(d.Seconds())
}

func SetSessions(n int) {
	Register()
	sessionsLive.Set(float64(n))
}

func RecordInitFailure() {
	Register()
	sessionInitFailures.Inc()
}

func RecordTick(d time.Duration, failures int) {
	Register()
	tickDuration.Observe(d.Seconds())
	tickFailures.Add(float64(failures))
}

func SetClients(n int) {
	Register()
	clients.Set(float64(n))
}

func RecordStoreError(op string) {
	Register()
	storeErrors.WithLabelValues(op).Inc()
}
