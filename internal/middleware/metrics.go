package middleware

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for middleware operations.
type Metrics struct {
	requestDuration *prometheus.HistogramVec
	panicsRecovered prometheus.Counter
}

// NewMetrics registers middleware metrics with registerer. A nil registerer
// uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "avamtls",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests served by the proxy",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "status"},
		),
		panicsRecovered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "avamtls",
				Subsystem: "http",
				Name:      "panics_recovered_total",
				Help:      "Total number of panics recovered in handlers",
			},
		),
	}
}

func (m *Metrics) recordRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) recordPanic() {
	if m == nil {
		return
	}
	m.panicsRecovered.Inc()
}
