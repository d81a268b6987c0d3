package proxy

import (
	"net/http"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/trust"
)

// Values of the verify header.
const (
	VerifySuccess = "SUCCESS"
	VerifyNone    = "NONE"
)

// IdentityHeaders names the headers that carry the client identity upstream.
type IdentityHeaders struct {
	Subject     string
	Issuer      string
	Serial      string
	Fingerprint string
	Verify      string
}

// DefaultIdentityHeaders returns the default header names.
func DefaultIdentityHeaders() IdentityHeaders {
	return IdentityHeaders{
		Subject:     config.DefaultSubjectHeader,
		Issuer:      config.DefaultIssuerHeader,
		Serial:      config.DefaultSerialHeader,
		Fingerprint: config.DefaultFingerprintHeader,
		Verify:      config.DefaultVerifyHeader,
	}
}

// IdentityHeadersFromConfig fills unset names with defaults.
func IdentityHeadersFromConfig(cfg config.IdentityHeadersConfig) IdentityHeaders {
	h := DefaultIdentityHeaders()
	if cfg.Subject != "" {
		h.Subject = cfg.Subject
	}
	if cfg.Issuer != "" {
		h.Issuer = cfg.Issuer
	}
	if cfg.Serial != "" {
		h.Serial = cfg.Serial
	}
	if cfg.Fingerprint != "" {
		h.Fingerprint = cfg.Fingerprint
	}
	if cfg.Verify != "" {
		h.Verify = cfg.Verify
	}
	return h
}

func (h IdentityHeaders) names() []string {
	return []string{h.Subject, h.Issuer, h.Serial, h.Fingerprint, h.Verify}
}

// Strip removes every identity header, so a client cannot forge one.
func (h IdentityHeaders) Strip(header http.Header) {
	for _, name := range h.names() {
		header.Del(name)
	}
}

// Apply strips client-supplied identity headers and writes the verified
// identity, or only the NONE marker when identity is nil.
func (h IdentityHeaders) Apply(header http.Header, identity *trust.ClientIdentity) {
	h.Strip(header)

	if identity == nil {
		header.Set(h.Verify, VerifyNone)
		return
	}

	header.Set(h.Subject, identity.SubjectDN)
	header.Set(h.Issuer, identity.IssuerDN)
	header.Set(h.Serial, identity.SerialNumber)
	header.Set(h.Fingerprint, identity.Fingerprint)
	header.Set(h.Verify, VerifySuccess)
}
