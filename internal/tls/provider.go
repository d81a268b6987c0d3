package tls

import (
	"context"
	"crypto/tls"
	"sync/atomic"
)

// CertificateProvider supplies the server certificate presented to clients.
type CertificateProvider interface {
	// GetCertificate returns the certificate for a client hello.
	GetCertificate(ctx context.Context, info *tls.ClientHelloInfo) (*tls.Certificate, error)

	// Watch returns a channel of certificate events. It is closed on Close.
	Watch(ctx context.Context) <-chan CertificateEvent

	// Close releases resources held by the provider.
	Close() error
}

// CertificateEventType represents the type of certificate event.
type CertificateEventType int

// Certificate event type constants.
const (
	CertificateEventLoaded CertificateEventType = iota
	CertificateEventReloaded
	CertificateEventError
)

// String returns the string representation of the event type.
func (t CertificateEventType) String() string {
	switch t {
	case CertificateEventLoaded:
		return "loaded"
	case CertificateEventReloaded:
		return "reloaded"
	case CertificateEventError:
		return "error"
	default:
		return "unknown"
	}
}

// CertificateEvent represents an event from a certificate provider.
type CertificateEvent struct {
	Type        CertificateEventType
	Certificate *tls.Certificate
	Error       error
	Message     string
}

// StaticProvider serves one fixed certificate.
type StaticProvider struct {
	cert   *tls.Certificate
	closed atomic.Bool
	events chan CertificateEvent
}

// NewStaticProvider creates a provider for cert.
func NewStaticProvider(cert *tls.Certificate) *StaticProvider {
	return &StaticProvider{
		cert:   cert,
		events: make(chan CertificateEvent),
	}
}

// GetCertificate returns the fixed certificate.
func (p *StaticProvider) GetCertificate(_ context.Context, _ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}
	if p.cert == nil {
		return nil, ErrCertificateNotFound
	}
	return p.cert, nil
}

// Watch returns a channel that only closes.
func (p *StaticProvider) Watch(_ context.Context) <-chan CertificateEvent {
	return p.events
}

// Close marks the provider as closed.
func (p *StaticProvider) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		close(p.events)
	}
	return nil
}

var _ CertificateProvider = (*StaticProvider)(nil)
