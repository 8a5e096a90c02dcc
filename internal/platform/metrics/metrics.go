// Package metrics provides Prometheus metrics for the Epic bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing, which keeps unit tests free of registry plumbing.
type Metrics struct {
	FHIRRequests        *prometheus.CounterVec
	FHIRRetries         *prometheus.CounterVec
	FHIRRequestDuration *prometheus.HistogramVec
	TokenRefreshes      *prometheus.CounterVec
	Imports             *prometheus.CounterVec
	AutoMatchResults    *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FHIRRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epic_fhir_requests_total",
			Help: "Epic FHIR requests by resource and final outcome",
		}, []string{"resource", "outcome"}),
		FHIRRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epic_fhir_retries_total",
			Help: "Epic FHIR request retries by reason",
		}, []string{"reason"}),
		FHIRRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "epic_fhir_request_duration_seconds",
			Help:    "Epic FHIR request duration including retries",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40},
		}, []string{"resource"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epic_token_refreshes_total",
			Help: "Epic OAuth token refresh attempts by outcome",
		}, []string{"outcome"}),
		Imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epic_case_imports_total",
			Help: "Epic case import attempts by status",
		}, []string{"status"}),
		AutoMatchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epic_auto_match_results_total",
			Help: "Auto-match outcomes by mapping type and action",
		}, []string{"mapping_type", "action"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "epic_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.FHIRRequests,
		m.FHIRRetries,
		m.FHIRRequestDuration,
		m.TokenRefreshes,
		m.Imports,
		m.AutoMatchResults,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPRequestDuration,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFHIRRequest(resource, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FHIRRequests.WithLabelValues(resource, outcome).Inc()
	m.FHIRRequestDuration.WithLabelValues(resource).Observe(d.Seconds())
}

func (m *Metrics) IncFHIRRetry(reason string) {
	if m == nil {
		return
	}
	m.FHIRRetries.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncTokenRefresh(outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncImport(status string) {
	if m == nil {
		return
	}
	m.Imports.WithLabelValues(status).Inc()
}

func (m *Metrics) AddAutoMatch(mappingType, action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.AutoMatchResults.WithLabelValues(mappingType, action).Add(float64(n))
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
