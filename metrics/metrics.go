// Package metrics provides Prometheus metrics for the ledger service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/coop-ledger/ledger"
)

// Metrics contains Prometheus metrics for ledger writes, integrity checks
// and the HTTP surface.
type Metrics struct {
	registry *prometheus.Registry

	writesTotal     *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec
	anomaliesTotal  *prometheus.CounterVec
	balanceDuration *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// New creates the metrics and registers them, with the Go and process
// collectors, on a fresh registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry}
	m.initMetrics()

	if err := registry.Register(m); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.writesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coop_ledger_writes_total",
			Help: "Total number of committed ledger writes",
		},
		[]string{"coop", "kind", "op"}, // op: insert, correct, purge
	)

	m.rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coop_ledger_rejections_total",
			Help: "Total number of rejected ledger writes",
		},
		[]string{"coop", "kind", "op", "code"},
	)

	m.anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coop_ledger_integrity_anomalies_total",
			Help: "Total number of integrity anomalies seen on reads",
		},
		[]string{"coop", "kind", "code"},
	)

	m.balanceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coop_ledger_balance_duration_seconds",
			Help:    "Time taken to derive a balance",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"coop", "balance"},
	)

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coop_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coop_http_request_duration_seconds",
			Help:    "Time taken to serve HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.collectors = []prometheus.Collector{
		m.writesTotal,
		m.rejectionsTotal,
		m.anomaliesTotal,
		m.balanceDuration,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	}
}

// Describe implements the Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records one served request. route is the chi route
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// =============================================================================
// LEDGER RECORDER
// =============================================================================

// ForCoop returns a ledger.Recorder that labels every signal with coop.
func (m *Metrics) ForCoop(coop string) ledger.Recorder {
	return &coopRecorder{m: m, coop: coop}
}

type coopRecorder struct {
	m    *Metrics
	coop string
}

func (r *coopRecorder) RecordWrite(kind ledger.Kind, op string) {
	r.m.writesTotal.WithLabelValues(r.coop, string(kind), op).Inc()
}

func (r *coopRecorder) RecordRejection(kind ledger.Kind, op string, err error) {
	r.m.rejectionsTotal.WithLabelValues(r.coop, string(kind), op, ledger.Code(err)).Inc()
}

func (r *coopRecorder) RecordAnomaly(a ledger.IntegrityAnomaly) {
	r.m.anomaliesTotal.WithLabelValues(r.coop, string(a.Kind), a.Code).Inc()
}

func (r *coopRecorder) ObserveBalance(name string, d time.Duration) {
	r.m.balanceDuration.WithLabelValues(r.coop, name).Observe(d.Seconds())
}
