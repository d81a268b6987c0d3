package issuer

import "errors"

// Sentinel errors for certificate issuance.
var (
	// ErrInvalidCSR indicates that the input holds no parseable certificate request.
	ErrInvalidCSR = errors.New("invalid certificate signing request")

	// ErrCSRSignature indicates that the request is not signed by its own key.
	ErrCSRSignature = errors.New("certificate signing request signature mismatch")

	// ErrNotCA indicates that the signing certificate cannot issue certificates.
	ErrNotCA = errors.New("signing certificate is not a CA")

	// ErrInvalidLifetime indicates a non-positive lifetime or one outliving the CA.
	ErrInvalidLifetime = errors.New("invalid certificate lifetime")
)
