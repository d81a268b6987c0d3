package proxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the dispatcher.
type Metrics struct {
	requestsTotal       *prometheus.CounterVec
	upstreamDuration    *prometheus.HistogramVec
	upstreamRetries     *prometheus.CounterVec
	forbiddenTotal      *prometheus.CounterVec
	rateLimitedTotal    *prometheus.CounterVec
	breakerTransitions  *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	upstreamErrorsTotal *prometheus.CounterVec
}

// NewMetrics registers dispatcher metrics with registerer. A nil registerer
// uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avamtls",
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Total number of requests handled by the dispatcher",
			},
			[]string{"route", "status"},
		),
		upstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "avamtls",
				Subsystem: "proxy",
				Name:      "upstream_duration_seconds",
				Help:      "Time until the upstream response headers arrived",
				Buckets: []float64{
					.001, .005, .01, .025,
					.05, .1, .25, .5,
					1, 2.5, 5, 10,
				},
			},
			[]string{"route"},
		),
		upstreamRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avamtls",
				Subsystem: "proxy",
				Name:      "upstream_retries_total",
				Help:      "Total number of upstream retries on a fresh connection",
			},
			[]string{"upstream"},
		),
		forbiddenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avamtls",
				Subsystem: "proxy",
				Name:      "forbidden_total",
				Help:      "Total number of requests refused for missing or invalid client identity",
			},
			[]string{"route", "reason"},
		),
		rateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avamtls",
				Subsystem: "proxy",
				Name:      "rate_limited_total",
				Help:      "Total number of requests rejected by a route rate limit",
			},
			[]string{"route"},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avamtls",
				Subsystem: "proxy",
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total number of upstream circuit breaker state transitions",
			},
			[]string{"upstream", "from", "to"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "avamtls",
				Subsystem: "proxy",
				Name:      "circuit_breaker_state",
				Help:      "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"upstream"},
		),
		upstreamErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avamtls",
				Subsystem: "proxy",
				Name:      "upstream_errors_total",
				Help:      "Total number of failed upstream requests",
			},
			[]string{"route", "error_type"},
		),
	}
}

func (m *Metrics) recordRequest(route string, status int) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) recordUpstream(route string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) recordRetry(upstream string) {
	if m == nil {
		return
	}
	m.upstreamRetries.WithLabelValues(upstream).Inc()
}

func (m *Metrics) recordForbidden(route, reason string) {
	if m == nil {
		return
	}
	m.forbiddenTotal.WithLabelValues(route, reason).Inc()
}

func (m *Metrics) recordRateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(route).Inc()
}

func (m *Metrics) recordBreakerTransition(upstream, from, to string, state int) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(upstream, from, to).Inc()
	m.breakerState.WithLabelValues(upstream).Set(float64(state))
}

func (m *Metrics) recordUpstreamError(route, errorType string) {
	if m == nil {
		return
	}
	m.upstreamErrorsTotal.WithLabelValues(route, errorType).Inc()
}
