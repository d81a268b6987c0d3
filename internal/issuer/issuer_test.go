package issuer

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tu "github.com/vyrodovalexey/avamtls/internal/testutil"
	"github.com/vyrodovalexey/avamtls/internal/trust"
)

func longLivedCA(t *testing.T) *tu.CA {
	t.Helper()
	return tu.NewCA(t, "issuing root", tu.WithValidity(time.Now().Add(-time.Hour), time.Now().Add(30*24*time.Hour)))
}

func decodeCert(t *testing.T, data []byte) *x509.Certificate {
	t.Helper()

	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	require.Equal(t, "CERTIFICATE", block.Type)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestIssuer_IssuedCertificateVerifies(t *testing.T) {
	t.Parallel()

	ca := longLivedCA(t)
	iss, err := New(ca.CertPEM, ca.KeyPEM)
	require.NoError(t, err)

	req := tu.NewCSR(t, "alice", "alice.requested.test")
	csr, err := ParseCSR(req.PEM)
	require.NoError(t, err)

	out, err := iss.Issue(csr, Options{
		Lifetime: 2 * time.Hour,
		DNSNames: []string{"a.clients.test", "b.clients.test"},
	})
	require.NoError(t, err)

	cert := decodeCert(t, out)
	assert.Equal(t, "alice", cert.Subject.CommonName)
	assert.Equal(t, ca.Cert.Subject.String(), cert.Issuer.String())
	assert.Equal(t, []string{"a.clients.test", "b.clients.test"}, cert.DNSNames)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
	assert.Equal(t, 2*time.Hour, cert.NotAfter.Sub(cert.NotBefore))
	assert.Positive(t, cert.SerialNumber.Sign())

	// The issued certificate pairs with the requester's key.
	_, err = tls.X509KeyPair(out, req.KeyPEM)
	require.NoError(t, err)

	store, err := trust.LoadPEM(ca.CertPEM)
	require.NoError(t, err)
	id, err := store.Verify([]*x509.Certificate{cert})
	require.NoError(t, err)
	assert.Equal(t, "alice", id.CommonName)
	assert.Equal(t, cert.DNSNames, id.DNSNames)
}

func TestIssuer_Issue(t *testing.T) {
	t.Parallel()

	ca := longLivedCA(t)
	now := time.Now().Truncate(time.Second)
	iss, err := New(ca.CertPEM, ca.KeyPEM, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	csr, err := ParseCSR(tu.NewCSR(t, "bob", "bob.requested.test").PEM)
	require.NoError(t, err)

	tests := []struct {
		name         string
		opts         Options
		wantErr      error
		wantNotAfter time.Time
		wantDNS      []string
	}{
		{
			name:         "default lifetime",
			opts:         Options{},
			wantNotAfter: now.Add(DefaultLifetime),
			wantDNS:      []string{"bob.requested.test"},
		},
		{
			name:         "configured names replace requested ones",
			opts:         Options{Lifetime: time.Hour, DNSNames: []string{"svc.test"}},
			wantNotAfter: now.Add(time.Hour),
			wantDNS:      []string{"svc.test"},
		},
		{
			name:    "negative lifetime",
			opts:    Options{Lifetime: -time.Hour},
			wantErr: ErrInvalidLifetime,
		},
		{
			name:    "outlives the CA",
			opts:    Options{Lifetime: 365 * 24 * time.Hour},
			wantErr: ErrInvalidLifetime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out, err := iss.Issue(csr, tt.opts)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, out)
				return
			}
			require.NoError(t, err)

			cert := decodeCert(t, out)
			assert.True(t, cert.NotBefore.Equal(now))
			assert.True(t, cert.NotAfter.Equal(tt.wantNotAfter))
			assert.Equal(t, tt.wantDNS, cert.DNSNames)
		})
	}
}

func TestIssuer_SerialsAreUnique(t *testing.T) {
	t.Parallel()

	ca := longLivedCA(t)
	iss, err := New(ca.CertPEM, ca.KeyPEM)
	require.NoError(t, err)
	csr, err := ParseCSR(tu.NewCSR(t, "carol").PEM)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for range 5 {
		out, err := iss.Issue(csr, Options{Lifetime: time.Hour})
		require.NoError(t, err)
		serial := decodeCert(t, out).SerialNumber.String()
		assert.False(t, seen[serial], "serial %s reused", serial)
		seen[serial] = true
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	ca := longLivedCA(t)
	other := tu.NewCA(t, "other root")
	leaf := ca.Client(t, "not-a-ca")

	tests := []struct {
		name    string
		certPEM []byte
		keyPEM  []byte
		wantIs  error
		wantErr string
	}{
		{name: "leaf certificate", certPEM: leaf.CertPEM, keyPEM: leaf.KeyPEM, wantIs: ErrNotCA},
		{name: "mismatched key", certPEM: ca.CertPEM, keyPEM: other.KeyPEM, wantErr: "key pair"},
		{name: "garbage", certPEM: []byte("nope"), keyPEM: []byte("nope"), wantErr: "key pair"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(tt.certPEM, tt.keyPEM)
			require.Error(t, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ca := longLivedCA(t)
	certFile := tu.WriteFile(t, dir, "ca.crt", ca.CertPEM)
	keyFile := tu.WriteFile(t, dir, "ca.key", ca.KeyPEM)

	iss, err := Load(certFile, keyFile)
	require.NoError(t, err)
	assert.True(t, iss.Certificate().Equal(ca.Cert))

	_, err = Load(certFile, filepath.Join(dir, "absent.key"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CA key")

	_, err = Load(filepath.Join(dir, "absent.crt"), keyFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CA certificate")
}

func TestParseCSR(t *testing.T) {
	t.Parallel()

	ca := longLivedCA(t)
	req := tu.NewCSR(t, "dave", "dave.test")

	block, _ := pem.Decode(req.PEM)
	require.NotNil(t, block)
	tampered := append([]byte{}, block.Bytes...)
	tampered[len(tampered)-1] ^= 0xff
	tamperedPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: tampered})

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "valid", data: req.PEM},
		{name: "valid after other blocks", data: append(append([]byte{}, ca.CertPEM...), req.PEM...)},
		{name: "empty", data: nil, wantErr: ErrInvalidCSR},
		{name: "certificate only", data: ca.CertPEM, wantErr: ErrInvalidCSR},
		{name: "corrupt block", data: []byte("-----BEGIN CERTIFICATE REQUEST-----\nAAAA\n-----END CERTIFICATE REQUEST-----\n"), wantErr: ErrInvalidCSR},
		{name: "bad signature", data: tamperedPEM, wantErr: ErrCSRSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			csr, err := ParseCSR(tt.data)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "dave", csr.Subject.CommonName)
			assert.Equal(t, []string{"dave.test"}, csr.DNSNames)
		})
	}
}
