package trust

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// TrustAnchor is a root CA certificate used only for signature verification.
type TrustAnchor struct {
	Certificate *x509.Certificate
	PublicKey   crypto.PublicKey
	Subject     string
	Fingerprint string
}

// Store holds the trust anchors and optional revocation lists. It is
// immutable after construction.
type Store struct {
	anchors []*TrustAnchor
	pool    *x509.CertPool
	crl     *revocationSet
	crlPath string
	now     func() time.Time
	logger  observability.Logger
	metrics *Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger observability.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics for the store.
func WithMetrics(metrics *Metrics) Option {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// WithCRLFile enables revocation checking against the CRL bundle at path.
func WithCRLFile(path string) Option {
	return func(s *Store) {
		s.crlPath = path
	}
}

// Load reads a PEM bundle of one or more CA certificates from path.
func Load(path string, opts ...Option) (*Store, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied CA path
	if err != nil {
		return nil, newLoadError(path, "failed to read CA bundle", err)
	}

	store, err := build(data, opts)
	if err != nil {
		var lerr *LoadError
		if errors.As(err, &lerr) && lerr.Path == "" {
			lerr.Path = path
		}
		return nil, err
	}
	return store, nil
}

// LoadPEM builds a Store from PEM-encoded CA certificates.
func LoadPEM(data []byte, opts ...Option) (*Store, error) {
	return build(data, opts)
}

func build(data []byte, opts []Option) (*Store, error) {
	s := &Store{
		now:    time.Now,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	anchors, err := parseAnchors(data)
	if err != nil {
		return nil, err
	}

	s.anchors = anchors
	s.pool = x509.NewCertPool()
	for _, a := range anchors {
		s.pool.AddCert(a.Certificate)
		s.metrics.SetAnchorExpiry(a.Subject, a.Certificate.NotAfter)
		if s.now().After(a.Certificate.NotAfter) {
			s.logger.Warn("trust anchor has expired",
				observability.String("subject", a.Subject),
				observability.Time("not_after", a.Certificate.NotAfter),
			)
		}
	}

	if s.crlPath != "" {
		if err := s.loadCRL(); err != nil {
			return nil, err
		}
	}

	s.logger.Info("trust store loaded",
		observability.Int("anchors", len(s.anchors)),
		observability.Bool("crl", s.crl != nil),
	)

	return s, nil
}

func parseAnchors(data []byte) ([]*TrustAnchor, error) {
	var anchors []*TrustAnchor

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, newLoadError("", fmt.Sprintf("certificate %d failed to parse", len(anchors)), err)
		}
		if !cert.IsCA {
			return nil, newLoadError("", fmt.Sprintf("certificate %q is not a CA", cert.Subject.String()), nil)
		}

		anchors = append(anchors, &TrustAnchor{
			Certificate: cert,
			PublicKey:   cert.PublicKey,
			Subject:     cert.Subject.String(),
			Fingerprint: Fingerprint(cert),
		})
	}

	if len(anchors) == 0 {
		return nil, newLoadError("", "no PEM certificate found", nil)
	}
	return anchors, nil
}

func (s *Store) loadCRL() error {
	data, err := os.ReadFile(s.crlPath)
	if err != nil {
		return newLoadError(s.crlPath, "failed to read CRL", err)
	}

	set, err := parseRevocationLists(data, s.anchors)
	if err != nil {
		return newLoadError(s.crlPath, "invalid CRL", err)
	}

	if set.stale(s.now()) {
		s.logger.Warn("CRL is past its next update time",
			observability.String("path", s.crlPath),
			observability.Time("next_update", set.nextUpdate),
		)
	}

	s.crl = set
	return nil
}

// Anchors returns the loaded trust anchors.
func (s *Store) Anchors() []*TrustAnchor {
	out := make([]*TrustAnchor, len(s.anchors))
	copy(out, s.anchors)
	return out
}

// Pool returns a CertPool holding the anchors.
func (s *Store) Pool() *x509.CertPool {
	return s.pool.Clone()
}

// Verify checks that chain[0] chains up to an anchor through the remaining
// certificates and is valid for client authentication.
func (s *Store) Verify(chain []*x509.Certificate) (*ClientIdentity, error) {
	start := time.Now()

	identity, err := s.verify(chain)

	var reason Reason
	if err != nil {
		reason = ReasonInvalidChain
		var verr *VerificationError
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
	}
	s.metrics.RecordVerification(reason, time.Since(start))

	return identity, err
}

func (s *Store) verify(chain []*x509.Certificate) (*ClientIdentity, error) {
	if len(chain) == 0 || chain[0] == nil {
		return nil, NewVerificationError(ReasonNoCertificate, "", ErrNoCertificate)
	}

	leaf := chain[0]
	subject := leaf.Subject.String()
	now := s.now()

	if now.Before(leaf.NotBefore) {
		return nil, NewVerificationError(ReasonNotYetValid, subject,
			fmt.Errorf("valid from %s", leaf.NotBefore.UTC().Format(time.RFC3339)))
	}
	if now.After(leaf.NotAfter) {
		return nil, NewVerificationError(ReasonExpired, subject,
			fmt.Errorf("expired at %s", leaf.NotAfter.UTC().Format(time.RFC3339)))
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		if c != nil {
			intermediates.AddCert(c)
		}
	}

	verified, err := leaf.Verify(x509.VerifyOptions{
		Roots:         s.pool,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, NewVerificationError(classifyChainError(err, now), subject, err)
	}

	path := verified[0]
	if s.crl != nil {
		for _, c := range path[:len(path)-1] {
			if s.crl.isRevoked(c) {
				return nil, NewVerificationError(ReasonRevoked, subject,
					fmt.Errorf("serial %s of %q is revoked", FormatSerial(c), c.Subject.String()))
			}
		}
	}

	return NewClientIdentity(leaf, path), nil
}

func classifyChainError(err error, now time.Time) Reason {
	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) {
		return ReasonUntrustedIssuer
	}

	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
		if invalid.Cert != nil && now.Before(invalid.Cert.NotBefore) {
			return ReasonNotYetValid
		}
		return ReasonExpired
	}

	return ReasonInvalidChain
}
