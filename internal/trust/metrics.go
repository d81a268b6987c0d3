package trust

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for certificate verification.
type Metrics struct {
	verificationTotal    *prometheus.CounterVec
	verificationDuration prometheus.Histogram
	anchorExpiry         *prometheus.GaugeVec
}

// NewMetrics creates trust store metrics registered on registerer.
// A nil registerer leaves the collectors unregistered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		verificationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avamtls",
				Subsystem: "trust",
				Name:      "verifications_total",
				Help:      "Total number of client certificate verifications",
			},
			[]string{"result", "reason"},
		),
		verificationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "avamtls",
				Subsystem: "trust",
				Name:      "verification_duration_seconds",
				Help:      "Client certificate chain verification duration in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
			},
		),
		anchorExpiry: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "avamtls",
				Subsystem: "trust",
				Name:      "anchor_expiry_timestamp_seconds",
				Help:      "Expiry time of each trust anchor in unix seconds",
			},
			[]string{"subject"},
		),
	}
}

// RecordVerification records one verification outcome. An empty reason
// means success.
func (m *Metrics) RecordVerification(reason Reason, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	label := "valid"
	if reason != "" {
		result = "failure"
		label = string(reason)
	}
	m.verificationTotal.WithLabelValues(result, label).Inc()
	m.verificationDuration.Observe(duration.Seconds())
}

// SetAnchorExpiry records the expiry of an anchor.
func (m *Metrics) SetAnchorExpiry(subject string, notAfter time.Time) {
	if m == nil {
		return
	}
	m.anchorExpiry.WithLabelValues(subject).Set(float64(notAfter.Unix()))
}
