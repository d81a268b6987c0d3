package tls

import (
	"crypto/tls"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for TLS termination.
type Metrics struct {
	handshakesTotal    *prometheus.CounterVec
	handshakeDuration  *prometheus.HistogramVec
	handshakeErrors    *prometheus.CounterVec
	clientCertResults  *prometheus.CounterVec
	certificateExpiry  *prometheus.GaugeVec
	certificateReloads *prometheus.CounterVec
	activeSessions     prometheus.Gauge
}

// NewMetrics creates TLS metrics registered on registerer.
// A nil registerer leaves the collectors unregistered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		handshakesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avamtls",
				Subsystem: "tls",
				Name:      "handshakes_total",
				Help:      "Total number of TLS handshakes by result, policy and version",
			},
			[]string{"result", "policy", "version"},
		),
		handshakeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "avamtls",
				Subsystem: "tls",
				Name:      "handshake_duration_seconds",
				Help:      "TLS handshake duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"result"},
		),
		handshakeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avamtls",
				Subsystem: "tls",
				Name:      "handshake_errors_total",
				Help:      "Total number of failed TLS handshakes by reason",
			},
			[]string{"reason", "policy"},
		),
		clientCertResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avamtls",
				Subsystem: "tls",
				Name:      "client_certificates_total",
				Help:      "Client certificate outcomes of established sessions",
			},
			[]string{"policy", "result"},
		),
		certificateExpiry: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "avamtls",
				Subsystem: "tls",
				Name:      "certificate_expiry_timestamp_seconds",
				Help:      "Expiry time of the served certificate in unix seconds",
			},
			[]string{"subject"},
		),
		certificateReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avamtls",
				Subsystem: "tls",
				Name:      "certificate_reloads_total",
				Help:      "Total number of server certificate reloads by result",
			},
			[]string{"result"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avamtls",
				Subsystem: "tls",
				Name:      "active_sessions",
				Help:      "Number of established TLS sessions currently open",
			},
		),
	}
}

// RecordHandshake records a completed handshake.
func (m *Metrics) RecordHandshake(session *Session, duration time.Duration) {
	if m == nil {
		return
	}
	m.handshakesTotal.WithLabelValues("success", session.Policy.String(), VersionName(session.Version)).Inc()
	m.handshakeDuration.WithLabelValues("success").Observe(duration.Seconds())

	result := "absent"
	switch {
	case session.Identity != nil:
		result = "verified"
	case session.VerifyError != nil:
		result = "rejected"
	}
	m.clientCertResults.WithLabelValues(session.Policy.String(), result).Inc()
}

// RecordHandshakeError records a failed handshake.
func (m *Metrics) RecordHandshakeError(err *HandshakeError, duration time.Duration) {
	if m == nil {
		return
	}
	m.handshakesTotal.WithLabelValues("failure", err.Policy.String(), "").Inc()
	m.handshakeDuration.WithLabelValues("failure").Observe(duration.Seconds())
	m.handshakeErrors.WithLabelValues(err.Reason, err.Policy.String()).Inc()
}

// RecordCertificate records the expiry of a served certificate.
func (m *Metrics) RecordCertificate(cert *tls.Certificate) {
	if m == nil || cert == nil || cert.Leaf == nil {
		return
	}
	m.certificateExpiry.WithLabelValues(cert.Leaf.Subject.String()).Set(float64(cert.Leaf.NotAfter.Unix()))
}

// RecordReload records a certificate reload attempt.
func (m *Metrics) RecordReload(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.certificateReloads.WithLabelValues(result).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.activeSessions.Dec()
	}
}
