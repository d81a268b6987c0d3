package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"time"

	"github.com/vyrodovalexey/avamtls/internal/observability"
	"github.com/vyrodovalexey/avamtls/internal/trust"
)

// DefaultHandshakeTimeout bounds a handshake when no timeout is configured.
const DefaultHandshakeTimeout = 10 * time.Second

// Verifier validates a presented client chain. *trust.Store implements it.
type Verifier interface {
	Verify(chain []*x509.Certificate) (*trust.ClientIdentity, error)
}

// TerminatorConfig holds the negotiated protocol parameters.
type TerminatorConfig struct {
	MinVersion       uint16
	MaxVersion       uint16
	CipherSuites     []uint16
	CurvePreferences []tls.CurveID
	HandshakeTimeout time.Duration
	NextProtos       []string
}

// Terminator performs server-side TLS handshakes and applies the client
// certificate policy of the requested host.
type Terminator struct {
	config   TerminatorConfig
	provider CertificateProvider
	verifier Verifier
	resolver PolicyResolver
	logger   observability.Logger
	metrics  *Metrics
	base     *tls.Config
}

// TerminatorOption is a functional option for configuring Terminator.
type TerminatorOption func(*Terminator)

// WithTerminatorLogger sets the logger.
func WithTerminatorLogger(logger observability.Logger) TerminatorOption {
	return func(t *Terminator) {
		t.logger = logger
	}
}

// WithTerminatorMetrics sets the metrics recorder.
func WithTerminatorMetrics(metrics *Metrics) TerminatorOption {
	return func(t *Terminator) {
		t.metrics = metrics
	}
}

// NewTerminator creates a Terminator. resolver may be nil, in which case
// every handshake uses PolicyRequired.
func NewTerminator(
	cfg TerminatorConfig,
	provider CertificateProvider,
	verifier Verifier,
	resolver PolicyResolver,
	opts ...TerminatorOption,
) (*Terminator, error) {
	if provider == nil {
		return nil, NewCertificateError("", "certificate provider is required")
	}
	if verifier == nil {
		return nil, errors.New("client certificate verifier is required")
	}
	if resolver == nil {
		resolver = StaticPolicy(PolicyRequired)
	}

	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if cfg.MaxVersion == 0 {
		cfg.MaxVersion = tls.VersionTLS13
	}
	if cfg.MaxVersion < cfg.MinVersion {
		return nil, ErrTLSVersionInvalid
	}
	if len(cfg.CipherSuites) == 0 {
		cfg.CipherSuites = DefaultSecureCipherSuites()
	}
	if len(cfg.CurvePreferences) == 0 {
		cfg.CurvePreferences = DefaultCurvePreferences()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"h2", "http/1.1"}
	}

	t := &Terminator{
		config:   cfg,
		provider: provider,
		verifier: verifier,
		resolver: resolver,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.base = t.buildBaseConfig()
	return t, nil
}

func (t *Terminator) buildBaseConfig() *tls.Config {
	return &tls.Config{
		MinVersion:       t.config.MinVersion,
		MaxVersion:       t.config.MaxVersion,
		CipherSuites:     t.config.CipherSuites,
		CurvePreferences: t.config.CurvePreferences,
		NextProtos:       t.config.NextProtos,
		ClientAuth:       tls.NoClientCert,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return t.provider.GetCertificate(hello.Context(), hello)
		},
	}
}

// BaseConfig returns a copy of the configuration shared by all handshakes,
// without any per-connection policy.
func (t *Terminator) BaseConfig() *tls.Config {
	return t.base.Clone()
}

// HandshakeTimeout returns the effective handshake timeout.
func (t *Terminator) HandshakeTimeout() time.Duration {
	return t.config.HandshakeTimeout
}

// Handshake runs the server handshake on conn. On success the returned
// session is Established and holds the *tls.Conn. On failure conn is closed
// and the error is a *HandshakeError.
func (t *Terminator) Handshake(ctx context.Context, conn net.Conn) (*Session, error) {
	start := time.Now()
	session := newSession(conn.RemoteAddr().String())
	session.transition(ConnHandshaking)

	// Default until the client hello names a host.
	session.Policy = t.resolver.HandshakePolicy("")

	cfg := t.base.Clone()
	cfg.GetConfigForClient = t.configForClient(session)

	tlsConn := tls.Server(conn, cfg)

	hctx, cancel := context.WithTimeout(ctx, t.config.HandshakeTimeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(hctx); err != nil {
		session.transition(ConnFailed)
		_ = tlsConn.Close()

		herr := newHandshakeError(hctx, session.ServerName, session.RemoteAddr, session.Policy, err)
		t.metrics.RecordHandshakeError(herr, time.Since(start))
		t.logger.Debug("tls handshake failed",
			observability.String("remote_addr", herr.RemoteAddr),
			observability.String("server_name", herr.ServerName),
			observability.String("policy", herr.Policy.String()),
			observability.String("reason", herr.Reason),
			observability.Error(err),
		)
		return nil, herr
	}

	state := tlsConn.ConnectionState()
	session.Version = state.Version
	session.CipherSuite = state.CipherSuite
	session.NegotiatedProtocol = state.NegotiatedProtocol
	if session.ServerName == "" {
		session.ServerName = state.ServerName
	}
	session.EstablishedAt = time.Now()
	session.conn = tlsConn
	session.transition(ConnEstablished)

	t.metrics.RecordHandshake(session, time.Since(start))
	t.logSession(session)

	return session, nil
}

func (t *Terminator) configForClient(session *Session) func(*tls.ClientHelloInfo) (*tls.Config, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		policy := t.resolver.HandshakePolicy(hello.ServerName)
		session.ServerName = hello.ServerName
		session.Policy = policy

		cfg := t.base.Clone()
		cfg.ClientAuth = policy.ClientAuth()
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return t.verifyPeer(session, cs)
		}
		return cfg, nil
	}
}

// verifyPeer checks the presented chain against the trust store. Under
// PolicyOptional a rejected chain is recorded on the session instead of
// failing the handshake.
func (t *Terminator) verifyPeer(session *Session, cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		if session.Policy == PolicyRequired {
			return trust.NewVerificationError(trust.ReasonNoCertificate, "", ErrClientCertRequired)
		}
		return nil
	}
	if session.Policy == PolicyNone {
		return nil
	}

	identity, err := t.verifier.Verify(cs.PeerCertificates)
	if err == nil {
		session.Identity = identity
		session.VerifyError = nil
		return nil
	}

	var verr *trust.VerificationError
	if !errors.As(err, &verr) {
		verr = trust.NewVerificationError(trust.ReasonInvalidChain, cs.PeerCertificates[0].Subject.String(), err)
	}
	if session.Policy == PolicyRequired {
		return verr
	}

	session.VerifyError = verr
	return nil
}

func (t *Terminator) logSession(session *Session) {
	fields := []observability.Field{
		observability.String("session_id", session.ID),
		observability.String("remote_addr", session.RemoteAddr),
		observability.String("server_name", session.ServerName),
		observability.String("policy", session.Policy.String()),
		observability.String("version", VersionName(session.Version)),
		observability.String("cipher_suite", CipherSuiteName(session.CipherSuite)),
		observability.String("alpn", session.NegotiatedProtocol),
	}
	switch {
	case session.Identity != nil:
		fields = append(fields, observability.String("client_subject", session.Identity.SubjectDN))
	case session.VerifyError != nil:
		fields = append(fields, observability.String("client_verify_error", string(session.VerifyError.Reason)))
	}
	t.logger.Debug("tls session established", fields...)
}
