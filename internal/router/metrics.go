package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the routing table.
type Metrics struct {
	rules    prometheus.Gauge
	resolves *prometheus.CounterVec
}

// NewMetrics creates routing metrics registered on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		rules: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avamtls",
				Subsystem: "router",
				Name:      "rules",
				Help:      "Number of rules in the installed routing table",
			},
		),
		resolves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avamtls",
				Subsystem: "router",
				Name:      "resolves_total",
				Help:      "Total number of route lookups by result",
			},
			[]string{"result"},
		),
	}
}

// SetRules records the size of the installed table.
func (m *Metrics) SetRules(n int) {
	if m != nil {
		m.rules.Set(float64(n))
	}
}

// RecordResolve records a lookup outcome.
func (m *Metrics) RecordResolve(err error) {
	if m == nil {
		return
	}
	result := "matched"
	if err != nil {
		result = "no_route"
	}
	m.resolves.WithLabelValues(result).Inc()
}
