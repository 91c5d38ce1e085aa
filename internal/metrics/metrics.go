// Package metrics registers the Prometheus collectors shared by the
// services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors for one service process.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	inFlight     prometheus.Gauge

	pendingOps       *prometheus.GaugeVec
	reconcileResults *prometheus.CounterVec
	remoteCalls      *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry.
func New(service string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "stride_http_requests_total",
			Help:        "HTTP requests by method, path and status.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "stride_http_request_duration_seconds",
			Help:        "HTTP request latency.",
			ConstLabels: prometheus.Labels{"service": service},
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "path"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "stride_http_in_flight_requests",
			Help:        "Requests currently being served.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
		pendingOps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "stride_pending_ops",
			Help:        "Pending remote operations awaiting reconciliation, by status.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"status"}),
		reconcileResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "stride_reconcile_results_total",
			Help:        "Reconciliation attempts by outcome.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"outcome"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "stride_remote_calls_total",
			Help:        "Internal service-to-service calls by target and outcome.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"target", "outcome"}),
	}

	registry.MustRegister(m.httpRequests, m.httpDuration, m.inFlight,
		m.pendingOps, m.reconcileResults, m.remoteCalls)
	return m
}

// Handler exposes the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() { m.inFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.inFlight.Dec() }

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetPendingOps publishes the current depth of the pending-op log.
func (m *Metrics) SetPendingOps(status string, n int) {
	m.pendingOps.WithLabelValues(status).Set(float64(n))
}

// RecordReconcile counts a sweep attempt outcome: repaired, retried, or
// escalated.
func (m *Metrics) RecordReconcile(outcome string) {
	m.reconcileResults.WithLabelValues(outcome).Inc()
}

// RecordRemoteCall counts an internal call outcome.
func (m *Metrics) RecordRemoteCall(target, outcome string) {
	m.remoteCalls.WithLabelValues(target, outcome).Inc()
}
