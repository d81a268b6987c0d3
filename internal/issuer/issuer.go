// Package issuer signs client certificate requests with the proxy's CA so
// the resulting certificates verify against the trust store.
package issuer

import (
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// DefaultLifetime is the validity of an issued certificate when none is given.
const DefaultLifetime = 24 * time.Hour

// Options controls a single issuance.
type Options struct {
	// Lifetime is the validity counted from the issuance time.
	Lifetime time.Duration
	// DNSNames become the subject alternative names. When empty the names
	// requested in the CSR are used.
	DNSNames []string
}

// Issuer signs CSRs with a CA certificate and key.
type Issuer struct {
	cert   *x509.Certificate
	key    crypto.Signer
	now    func() time.Time
	logger observability.Logger
}

// Option is a functional option for configuring the issuer.
type Option func(*Issuer)

// WithLogger sets the logger for the issuer.
func WithLogger(logger observability.Logger) Option {
	return func(i *Issuer) {
		i.logger = logger
	}
}

// WithClock overrides the issuance clock.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// Load reads the PEM CA certificate and private key from disk.
func Load(certFile, keyFile string, opts ...Option) (*Issuer, error) {
	certPEM, err := os.ReadFile(certFile) //nolint:gosec // operator-supplied CA path
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate %s: %w", certFile, err)
	}
	keyPEM, err := os.ReadFile(keyFile) //nolint:gosec // operator-supplied CA key path
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key %s: %w", keyFile, err)
	}
	return New(certPEM, keyPEM, opts...)
}

// New builds an issuer from a PEM CA certificate and its matching key.
func New(certPEM, keyPEM []byte, opts ...Option) (*Issuer, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA key pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	if !cert.IsCA || cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotCA, cert.Subject.String())
	}
	key, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported CA key type %T", pair.PrivateKey)
	}

	i := &Issuer{
		cert:   cert,
		key:    key,
		now:    time.Now,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Certificate returns the signing CA certificate.
func (i *Issuer) Certificate() *x509.Certificate {
	return i.cert
}

// ParseCSR decodes the first PEM certificate request in data and checks
// that it is signed by the key it carries.
func ParseCSR(data []byte) (*x509.CertificateRequest, error) {
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST" {
			continue
		}

		csr, err := x509.ParseCertificateRequest(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCSR, err)
		}
		if err := csr.CheckSignature(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCSRSignature, err)
		}
		return csr, nil
	}
	return nil, fmt.Errorf("%w: no CERTIFICATE REQUEST block", ErrInvalidCSR)
}

// Issue signs csr as a client certificate and returns it PEM encoded. The
// subject and public key come from the request.
func (i *Issuer) Issue(csr *x509.CertificateRequest, opts Options) ([]byte, error) {
	lifetime := opts.Lifetime
	if lifetime == 0 {
		lifetime = DefaultLifetime
	}
	if lifetime < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLifetime, lifetime)
	}

	now := i.now()
	notAfter := now.Add(lifetime)
	if notAfter.After(i.cert.NotAfter) {
		return nil, fmt.Errorf("%w: %s outlives the CA (not after %s)",
			ErrInvalidLifetime, lifetime, i.cert.NotAfter.Format(time.RFC3339))
	}

	dnsNames := opts.DNSNames
	if len(dnsNames) == 0 {
		dnsNames = csr.DNSNames
	}

	tmpl := &x509.Certificate{
		SerialNumber: serialNumber(),
		Subject:      csr.Subject,
		NotBefore:    now,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		DNSNames:     dnsNames,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, i.cert, csr.PublicKey, i.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}

	i.logger.Info("client certificate issued",
		observability.String("subject", csr.Subject.String()),
		observability.String("serial", tmpl.SerialNumber.Text(16)),
		observability.Time("not_after", notAfter),
		observability.Strings("dns_names", dnsNames),
	)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// serialNumber derives a positive 122-bit serial from a random UUID.
func serialNumber() *big.Int {
	id := uuid.New()
	return new(big.Int).SetBytes(id[:])
}
