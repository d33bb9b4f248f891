// Package metrics exposes pipeline counters to Prometheus on a dedicated
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the procura collectors.
type Metrics struct {
	Registry *prometheus.Registry

	runs           *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	normErrors     *prometheus.CounterVec
	fetchAttempts  *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	connectorState *prometheus.GaugeVec
}

// New creates and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}
	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procura",
		Name:      "runs_total",
		Help:      "Pipeline runs by connector and outcome status",
	}, []string{"connector", "status"})
	m.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procura",
		Name:      "decisions_total",
		Help:      "Reconciliation decisions by connector and kind",
	}, []string{"connector", "kind"})
	m.normErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procura",
		Name:      "normalization_errors_total",
		Help:      "Listings rejected by the normalizer",
	}, []string{"connector", "kind"})
	m.fetchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procura",
		Name:      "fetch_attempts_total",
		Help:      "Connector fetch attempts by result",
	}, []string{"connector", "result"})
	m.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "procura",
		Name:      "run_duration_seconds",
		Help:      "Wall time of pipeline runs",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"connector"})
	m.connectorState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procura",
		Name:      "connector_state",
		Help:      "Scheduler state of each connector (0 idle, 1 fetching, 2 reconciling, 3 committing, 4 failed)",
	}, []string{"connector"})

	m.Registry.MustRegister(
		m.runs, m.decisions, m.normErrors, m.fetchAttempts, m.runDuration, m.connectorState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RunFinished counts one run and observes its duration.
func (m *Metrics) RunFinished(connector, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(connector, status).Inc()
	m.runDuration.WithLabelValues(connector).Observe(d.Seconds())
}

// Decisions adds n decisions of one kind.
func (m *Metrics) Decisions(connector, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.decisions.WithLabelValues(connector, kind).Add(float64(n))
}

// NormalizationError counts one rejected listing.
func (m *Metrics) NormalizationError(connector, kind string) {
	if m == nil {
		return
	}
	m.normErrors.WithLabelValues(connector, kind).Inc()
}

// FetchAttempt counts one fetch call; result is "ok" or an error kind.
func (m *Metrics) FetchAttempt(connector, result string) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(connector, result).Inc()
}

// ConnectorState sets the scheduler state gauge.
func (m *Metrics) ConnectorState(connector string, state int) {
	if m == nil {
		return
	}
	m.connectorState.WithLabelValues(connector).Set(float64(state))
}
