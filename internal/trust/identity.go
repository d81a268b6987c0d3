package trust

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ClientIdentity is derived from a verified client certificate. It lives as
// long as the TLS session it was verified on.
type ClientIdentity struct {
	SubjectDN      string    `json:"subject_dn"`
	IssuerDN       string    `json:"issuer_dn"`
	CommonName     string    `json:"common_name,omitempty"`
	SerialNumber   string    `json:"serial_number"`
	Fingerprint    string    `json:"fingerprint"`
	NotBefore      time.Time `json:"not_before"`
	NotAfter       time.Time `json:"not_after"`
	DNSNames       []string  `json:"dns_names,omitempty"`
	EmailAddresses []string  `json:"email_addresses,omitempty"`
	URIs           []string  `json:"uris,omitempty"`

	// Chain is the verified chain, leaf first, ending at the trust anchor.
	Chain []*x509.Certificate `json:"-"`
}

// NewClientIdentity extracts the identity fields of leaf.
func NewClientIdentity(leaf *x509.Certificate, chain []*x509.Certificate) *ClientIdentity {
	id := &ClientIdentity{
		SubjectDN:      leaf.Subject.String(),
		IssuerDN:       leaf.Issuer.String(),
		CommonName:     leaf.Subject.CommonName,
		SerialNumber:   FormatSerial(leaf),
		Fingerprint:    Fingerprint(leaf),
		NotBefore:      leaf.NotBefore,
		NotAfter:       leaf.NotAfter,
		DNSNames:       leaf.DNSNames,
		EmailAddresses: leaf.EmailAddresses,
		Chain:          chain,
	}
	for _, u := range leaf.URIs {
		id.URIs = append(id.URIs, u.String())
	}
	return id
}

// ValidAt reports whether t falls inside the certificate validity window.
func (c *ClientIdentity) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}

// Fingerprint returns the lowercase hex SHA-256 of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// FormatSerial returns the serial number as uppercase hex.
func FormatSerial(cert *x509.Certificate) string {
	if cert.SerialNumber == nil {
		return ""
	}
	return strings.ToUpper(fmt.Sprintf("%x", cert.SerialNumber))
}
