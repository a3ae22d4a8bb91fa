// Package metrics exposes Prometheus metrics for the API and the project
// lifecycle operations.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gitgenie/genie/internal/orchestrator"
)

const namespace = "genie"

var (
	httpBuckets      = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	operationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}
)

// Metrics owns a registry with every genie collector.
type Metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	operationTotal    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   httpBuckets,
		}, []string{"method", "route", "status"}),
		operationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "operations_total",
			Help:      "Project lifecycle operations by outcome",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "operation_duration_seconds",
			Help:      "Duration of project lifecycle operations",
			Buckets:   operationBuckets,
		}, []string{"operation"}),
	}
	m.registry.MustRegister(
		m.requestTotal, m.requestDuration, m.operationTotal, m.operationDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// OperationFinished records one orchestrator operation, labelled with the
// kind of error it ended with.
func (m *Metrics) OperationFinished(op string, err error, d time.Duration) {
	m.operationTotal.WithLabelValues(op, orchestrator.Kind(err)).Inc()
	m.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveRequest records one HTTP request. route is the route pattern, not
// the raw path.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
