package trust

import (
	"errors"
	"fmt"
)

// Reason classifies why a client certificate failed verification.
type Reason string

// Verification failure reasons.
const (
	ReasonNoCertificate   Reason = "no_certificate"
	ReasonExpired         Reason = "expired"
	ReasonNotYetValid     Reason = "not_yet_valid"
	ReasonUntrustedIssuer Reason = "untrusted_issuer"
	ReasonRevoked         Reason = "revoked"
	ReasonInvalidChain    Reason = "invalid_chain"
)

// Sentinel errors matched by *VerificationError through errors.Is.
var (
	// ErrNoCertificate indicates that no client certificate was provided.
	ErrNoCertificate = errors.New("no client certificate provided")

	// ErrCertificateExpired indicates that a certificate in the chain has expired.
	ErrCertificateExpired = errors.New("certificate has expired")

	// ErrCertificateNotYetValid indicates that a certificate is not yet valid.
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")

	// ErrUntrustedIssuer indicates that the chain does not lead to a trust anchor.
	ErrUntrustedIssuer = errors.New("certificate issuer is not trusted")

	// ErrCertificateRevoked indicates that a certificate is listed in the CRL.
	ErrCertificateRevoked = errors.New("certificate has been revoked")

	// ErrInvalidChain indicates any other chain building failure.
	ErrInvalidChain = errors.New("invalid certificate chain")

	// ErrLoadFailed is matched by every *LoadError.
	ErrLoadFailed = errors.New("trust store load failed")
)

var reasonSentinels = map[Reason]error{
	ReasonNoCertificate:   ErrNoCertificate,
	ReasonExpired:         ErrCertificateExpired,
	ReasonNotYetValid:     ErrCertificateNotYetValid,
	ReasonUntrustedIssuer: ErrUntrustedIssuer,
	ReasonRevoked:         ErrCertificateRevoked,
	ReasonInvalidChain:    ErrInvalidChain,
}

// VerificationError is returned when a client certificate is rejected.
type VerificationError struct {
	Reason  Reason
	Subject string
	Cause   error
}

// Error implements the error interface.
func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("client certificate verification failed (%s)", e.Reason)
	if e.Subject != "" {
		msg += " for " + e.Subject
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *VerificationError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error's reason.
func (e *VerificationError) Is(target error) bool {
	sentinel, ok := reasonSentinels[e.Reason]
	return ok && target == sentinel
}

// NewVerificationError creates a new VerificationError.
func NewVerificationError(reason Reason, subject string, cause error) *VerificationError {
	return &VerificationError{Reason: reason, Subject: subject, Cause: cause}
}

// LoadError is a fatal error loading the trust anchor bundle or CRL.
type LoadError struct {
	Path    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	msg := "trust store: " + e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("trust store %s: %s", e.Path, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrLoadFailed.
func (e *LoadError) Is(target error) bool {
	return target == ErrLoadFailed
}

func newLoadError(path, message string, cause error) *LoadError {
	return &LoadError{Path: path, Message: message, Cause: cause}
}
