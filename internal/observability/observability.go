// Package observability carries the proxy's structured-event and metrics
// sinks as a dependency-injected struct, instead of the package-level
// singletons the specification's design notes call out for replacement. One
// Sinks is constructed in cmd/harbor/main.go and threaded through every
// component that needs to log or record a metric.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Metrics holds every collector named in the specification's stable metric
// contract (§6). Names and label sets are part of that contract and must
// not change independently of it.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	AuthAttemptsTotal    *prometheus.CounterVec
	RateLimitEventsTotal *prometheus.CounterVec
	CircuitBreakerEvents *prometheus.CounterVec

	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	BackendUp           *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec
	RoutesTotal         prometheus.Gauge
	ActiveConnections   prometheus.Gauge
}

// NewMetrics registers the full metric set against reg. Pass
// prometheus.NewRegistry() for isolated tests, or
// prometheus.DefaultRegisterer for the process registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "l8e_proxy_requests_total",
			Help: "Total requests processed by the proxy core.",
		}, []string{"route", "method", "status"}),

		AuthAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "l8e_auth_attempts_total",
			Help: "Total authentication attempts made by the auth middleware.",
		}, []string{"route", "outcome"}),

		RateLimitEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "l8e_rate_limit_events_total",
			Help: "Total rate-limit middleware decisions.",
		}, []string{"route", "outcome"}),

		CircuitBreakerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "l8e_circuit_breaker_events_total",
			Help: "Total circuit breaker state transitions.",
		}, []string{"route", "backend", "to_state"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "l8e_proxy_request_duration_seconds",
			Help:    "Request latency observed by the proxy core.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route", "method"}),

		RequestSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "l8e_proxy_request_size_bytes",
			Help:    "Request body size observed by the proxy core.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}, []string{"route"}),

		ResponseSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "l8e_proxy_response_size_bytes",
			Help:    "Response body size observed by the proxy core.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}, []string{"route"}),

		BackendUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "l8e_backend_up",
			Help: "1 if the backend is UP, 0 otherwise (DOWN or UNKNOWN).",
		}, []string{"route", "backend"}),

		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "l8e_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open.",
		}, []string{"route", "backend"}),

		RoutesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "l8e_routes_total",
			Help: "Number of routes in the current snapshot.",
		}),

		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "l8e_proxy_active_connections",
			Help: "Number of in-flight proxied requests.",
		}),
	}
}

// Sinks bundles every observability dependency a component might need.
// Components accept a *Sinks rather than reaching for package-level state.
type Sinks struct {
	Log     *zap.SugaredLogger
	Metrics *Metrics
	Tracer  trace.Tracer
}
