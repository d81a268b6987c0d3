package tls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/vyrodovalexey/avamtls/internal/trust"
)

// Common sentinel errors for TLS operations.
var (
	// ErrCertificateNotFound indicates that no server certificate is loaded.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrProviderClosed indicates that the certificate provider has been closed.
	ErrProviderClosed = errors.New("certificate provider closed")

	// ErrCipherSuiteInvalid indicates that a cipher suite is invalid.
	ErrCipherSuiteInvalid = errors.New("invalid cipher suite")

	// ErrTLSVersionInvalid indicates that a TLS version is invalid.
	ErrTLSVersionInvalid = errors.New("invalid TLS version")

	// ErrPolicyInvalid indicates an unknown verification policy.
	ErrPolicyInvalid = errors.New("invalid verification policy")

	// ErrClientCertRequired indicates that a required client certificate was not sent.
	ErrClientCertRequired = errors.New("client certificate required")

	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("tls listener closed")
)

// Handshake failure reasons used in logs and metrics.
const (
	ReasonTimeout       = "timeout"
	ReasonClientClosed  = "client_closed"
	ReasonNoCertificate = "no_certificate"
	ReasonProtocol      = "protocol"
)

// CertificateError represents a server certificate loading error.
type CertificateError struct {
	Path    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *CertificateError) Error() string {
	msg := "certificate error"
	if e.Path != "" {
		msg += " at " + e.Path
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *CertificateError) Unwrap() error {
	return e.Cause
}

// NewCertificateError creates a new CertificateError.
func NewCertificateError(path, message string) *CertificateError {
	return &CertificateError{Path: path, Message: message}
}

// NewCertificateErrorWithCause creates a new CertificateError with a cause.
func NewCertificateErrorWithCause(path, message string, cause error) *CertificateError {
	return &CertificateError{Path: path, Message: message, Cause: cause}
}

// HandshakeError is returned when a client handshake fails. It affects only
// the connection it occurred on.
type HandshakeError struct {
	ServerName string
	RemoteAddr string
	Policy     Policy
	Reason     string
	Cause      error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "tls handshake failed (%s)", e.Reason)
	if e.RemoteAddr != "" {
		sb.WriteString(" from " + e.RemoteAddr)
	}
	if e.ServerName != "" {
		sb.WriteString(" for " + e.ServerName)
	}
	if e.Cause != nil {
		sb.WriteString(": " + e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Cause
}

// newHandshakeError classifies cause into a reason label.
func newHandshakeError(ctx context.Context, serverName, remoteAddr string, policy Policy, cause error) *HandshakeError {
	return &HandshakeError{
		ServerName: serverName,
		RemoteAddr: remoteAddr,
		Policy:     policy,
		Reason:     classifyHandshakeError(ctx, cause),
		Cause:      cause,
	}
}

func classifyHandshakeError(ctx context.Context, err error) string {
	var verr *trust.VerificationError
	if errors.As(err, &verr) {
		return string(verr.Reason)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}

	if errors.Is(err, ErrClientCertRequired) ||
		strings.Contains(err.Error(), "didn't provide a certificate") {
		return ReasonNoCertificate
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return ReasonClientClosed
	}

	return ReasonProtocol
}
