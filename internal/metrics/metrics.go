// Package metrics holds the Prometheus collectors of the tip ledger.
//
// All methods are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tipledger"

type Metrics struct {
	registry *prometheus.Registry

	depositsCredited prometheus.Counter
	depositScans     *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	tips             *prometheus.CounterVec
	provisioning     *prometheus.CounterVec
	tasks            *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		depositsCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deposits",
			Name:      "credited_total",
			Help:      "Deposit credits applied to the ledger.",
		}),
		depositScans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deposits",
			Name:      "scans_total",
			Help:      "Deposit scans by outcome.",
		}, []string{"outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "operations_total",
			Help:      "Settlement operations by kind and resulting status.",
		}, []string{"kind", "status"}),
		tips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tips",
			Name:      "transfers_total",
			Help:      "Peer-to-peer transfers by outcome.",
		}, []string{"outcome"}),
		provisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "accounts_total",
			Help:      "Provisioning attempts by resulting state.",
		}, []string{"state"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "handled_total",
			Help:      "Queue tasks handled by operation and outcome.",
		}, []string{"op", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Task handler latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		m.depositsCredited,
		m.depositScans,
		m.settlements,
		m.tips,
		m.provisioning,
		m.tasks,
		m.taskDuration,
		m.httpRequests,
		m.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DepositCredited() {
	if m == nil {
		return
	}
	m.depositsCredited.Inc()
}

func (m *Metrics) DepositScan(outcome string) {
	if m == nil {
		return
	}
	m.depositScans.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Settlement(kind, status string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) Tip(outcome string) {
	if m == nil {
		return
	}
	m.tips.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Provisioning(state string) {
	if m == nil {
		return
	}
	m.provisioning.WithLabelValues(state).Inc()
}

func (m *Metrics) Task(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(op, outcome).Inc()
	m.taskDuration.WithLabelValues(op).Observe(d.Seconds())
}

// InstrumentHandler records request counts and latency under route.
func (m *Metrics) InstrumentHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
