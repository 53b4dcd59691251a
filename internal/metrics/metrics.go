// Package metrics provides Prometheus instrumentation for the flightz
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the
// global default) so that only flightz metrics appear on the /metrics
// endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the flightz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	CommandsTotal       *prometheus.CounterVec
	CommandDuration     *prometheus.HistogramVec
	OptimizationsTotal  *prometheus.CounterVec
	StoreSyncsTotal     *prometheus.CounterVec
	EventsPublished     *prometheus.CounterVec
	AuthFailuresTotal   prometheus.Counter
}

// New creates and registers all flightz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flightz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flightz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flightz_commands_total",
			Help: "Total number of flight commands processed, by command and outcome.",
		}, []string{"command", "outcome"}),

		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flightz_command_duration_seconds",
			Help:    "Flight command processing latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),

		OptimizationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flightz_optimizations_total",
			Help: "Total number of projection optimizer runs.",
		}, []string{"outcome"}),

		StoreSyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flightz_store_syncs_total",
			Help: "Total number of downstream flag store synchronizations.",
		}, []string{"outcome"}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flightz_events_published_total",
			Help: "Total number of domain events committed.",
		}, []string{"event"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flightz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CommandsTotal,
		m.CommandDuration,
		m.OptimizationsTotal,
		m.StoreSyncsTotal,
		m.EventsPublished,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveCommand records one processed command with its outcome
// ("applied", "noop", or "error").
func (m *Metrics) ObserveCommand(command, outcome string, elapsed time.Duration) {
	m.CommandsTotal.WithLabelValues(command, outcome).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// RecordOptimization increments the optimizer outcome counter.
func (m *Metrics) RecordOptimization(optimized bool) {
	outcome := "unchanged"
	if optimized {
		outcome = "optimized"
	}
	m.OptimizationsTotal.WithLabelValues(outcome).Inc()
}

// RecordStoreSync increments the downstream sync counter.
func (m *Metrics) RecordStoreSync(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StoreSyncsTotal.WithLabelValues(outcome).Inc()
}

// RecordEvent increments the published event counter for an event name.
func (m *Metrics) RecordEvent(event string) {
	m.EventsPublished.WithLabelValues(event).Inc()
}
