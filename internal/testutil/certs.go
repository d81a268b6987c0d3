// Package testutil provides in-memory PKI and helpers shared by package tests.
package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// CA is a throwaway certificate authority.
type CA struct {
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
	CertPEM []byte
	KeyPEM  []byte
}

// Issued is a certificate issued by a CA together with its key.
type Issued struct {
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
	CertPEM []byte
	KeyPEM  []byte
}

// TLSCertificate returns the pair as a tls.Certificate, with chain appended.
func (i *Issued) TLSCertificate(t testing.TB, chain ...*Issued) tls.Certificate {
	t.Helper()

	certPEM := append([]byte{}, i.CertPEM...)
	for _, c := range chain {
		certPEM = append(certPEM, c.CertPEM...)
	}
	cert, err := tls.X509KeyPair(certPEM, i.KeyPEM)
	require.NoError(t, err)
	return cert
}

// CertOption mutates a certificate template before signing.
type CertOption func(*x509.Certificate)

// WithValidity sets the validity window.
func WithValidity(notBefore, notAfter time.Time) CertOption {
	return func(c *x509.Certificate) {
		c.NotBefore = notBefore
		c.NotAfter = notAfter
	}
}

// WithSerial sets the serial number.
func WithSerial(serial int64) CertOption {
	return func(c *x509.Certificate) {
		c.SerialNumber = big.NewInt(serial)
	}
}

// WithExtKeyUsage replaces the extended key usages.
func WithExtKeyUsage(usages ...x509.ExtKeyUsage) CertOption {
	return func(c *x509.Certificate) {
		c.ExtKeyUsage = usages
	}
}

// WithOrganization sets the subject organization.
func WithOrganization(org ...string) CertOption {
	return func(c *x509.Certificate) {
		c.Subject.Organization = org
	}
}

// NewCA creates a self-signed root CA.
func NewCA(t testing.TB, commonName string, opts ...CertOption) *CA {
	t.Helper()

	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          randomSerial(t),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"avamtls test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, opt := range opts {
		opt(tmpl)
	}

	cert, certPEM := sign(t, tmpl, tmpl, &key.PublicKey, key)
	return &CA{Cert: cert, Key: key, CertPEM: certPEM, KeyPEM: encodeKey(t, key)}
}

// Intermediate issues an intermediate CA signed by ca.
func (ca *CA) Intermediate(t testing.TB, commonName string) *CA {
	t.Helper()

	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          randomSerial(t),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	cert, certPEM := sign(t, tmpl, ca.Cert, &key.PublicKey, ca.Key)
	return &CA{Cert: cert, Key: key, CertPEM: certPEM, KeyPEM: encodeKey(t, key)}
}

// Server issues a server certificate for the given DNS names and IPs. The
// first host becomes the common name.
func (ca *CA) Server(t testing.TB, hosts ...string) *Issued {
	t.Helper()

	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	tmpl := &x509.Certificate{
		SerialNumber: randomSerial(t),
		Subject:      pkix.Name{CommonName: hosts[0]},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	return ca.issue(t, tmpl)
}

// Client issues a client certificate with the given common name.
func (ca *CA) Client(t testing.TB, commonName string, opts ...CertOption) *Issued {
	t.Helper()

	tmpl := &x509.Certificate{
		SerialNumber: randomSerial(t),
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"avamtls test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{commonName + ".clients.test"},
	}
	for _, opt := range opts {
		opt(tmpl)
	}

	return ca.issue(t, tmpl)
}

// CRL returns a PEM-encoded revocation list signed by ca listing serials.
func (ca *CA) CRL(t testing.TB, serials ...*big.Int) []byte {
	t.Helper()

	entries := make([]x509.RevocationListEntry, 0, len(serials))
	for _, s := range serials {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   s,
			RevocationTime: time.Now().Add(-time.Minute),
		})
	}

	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                time.Now().Add(-time.Hour),
		NextUpdate:                time.Now().Add(24 * time.Hour),
		RevokedCertificateEntries: entries,
	}

	der, err := x509.CreateRevocationList(rand.Reader, tmpl, ca.Cert, ca.Key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
}

func (ca *CA) issue(t testing.TB, tmpl *x509.Certificate) *Issued {
	t.Helper()

	key := newKey(t)
	cert, certPEM := sign(t, tmpl, ca.Cert, &key.PublicKey, ca.Key)

	return &Issued{
		Cert:    cert,
		Key:     key,
		CertPEM: certPEM,
		KeyPEM:  encodeKey(t, key),
	}
}

// CSR is a PEM certificate signing request together with its key.
type CSR struct {
	Key    *ecdsa.PrivateKey
	PEM    []byte
	KeyPEM []byte
}

// NewCSR creates a signed certificate request for commonName.
func NewCSR(t testing.TB, commonName string, dnsNames ...string) *CSR {
	t.Helper()

	key := newKey(t)
	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName, Organization: []string{"avamtls test"}},
		DNSNames: dnsNames,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	require.NoError(t, err)

	return &CSR{
		Key:    key,
		PEM:    pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}),
		KeyPEM: encodeKey(t, key),
	}
}

// WriteFile writes data under dir and returns the full path.
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func encodeKey(t testing.TB, key *ecdsa.PrivateKey) []byte {
	t.Helper()

	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func randomSerial(t testing.TB) *big.Int {
	t.Helper()

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	require.NoError(t, err)
	return serial.Add(serial, big.NewInt(1))
}

func sign(
	t testing.TB,
	tmpl, parent *x509.Certificate,
	pub crypto.PublicKey,
	signer crypto.Signer,
) (*x509.Certificate, []byte) {
	t.Helper()

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
