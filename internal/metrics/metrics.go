// Package metrics exposes the Prometheus counters and histograms the
// request pipeline increments for every outcome kind (spec.md §7's
// "Metrics surface ... out of scope" collaborator — mandatory ambient
// stack, incidental label design).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's exported Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	discoveryWaits  prometheus.Counter
	abortGateTrips  prometheus.Counter
}

// New registers and returns a fresh collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelimitproxy",
			Name:      "requests_total",
			Help:      "Total proxied requests by outcome kind.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ratelimitproxy",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request handling duration by outcome kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		discoveryWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratelimitproxy",
			Name:      "discovery_waits_total",
			Help:      "Number of times a request waited on bucket discovery.",
		}),
		abortGateTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratelimitproxy",
			Name:      "abort_gate_trips_total",
			Help:      "Number of times the abort gate was armed by an upstream 429.",
		}),
	}

	reg.MustRegister(m.requestsTotal, m.requestDuration, m.discoveryWaits, m.abortGateTrips)
	return m
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(outcome string, seconds float64) {
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordDiscoveryWait increments the discovery-wait counter.
func (m *Metrics) RecordDiscoveryWait() {
	m.discoveryWaits.Inc()
}

// RecordAbortGateTrip increments the abort-gate counter.
func (m *Metrics) RecordAbortGateTrip() {
	m.abortGateTrips.Inc()
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
