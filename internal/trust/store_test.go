package trust

import (
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tu "github.com/vyrodovalexey/avamtls/internal/testutil"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	root := tu.NewCA(t, "Root A")
	other := tu.NewCA(t, "Root B")
	leaf := root.Client(t, "not-a-ca")

	bundle := append(append([]byte{}, root.CertPEM...), other.CertPEM...)

	tests := []struct {
		name        string
		data        []byte
		wantAnchors int
		wantErr     string
	}{
		{name: "single anchor", data: root.CertPEM, wantAnchors: 1},
		{name: "bundle", data: bundle, wantAnchors: 2},
		{name: "empty file", data: []byte{}, wantErr: "no PEM certificate found"},
		{name: "garbage", data: []byte("not pem"), wantErr: "no PEM certificate found"},
		{name: "corrupt block", data: []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"), wantErr: "failed to parse"},
		{name: "leaf is not a CA", data: leaf.CertPEM, wantErr: "is not a CA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := tu.WriteFile(t, dir, tt.name+".pem", tt.data)

			store, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrLoadFailed)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Contains(t, err.Error(), path)
				return
			}
			require.NoError(t, err)
			assert.Len(t, store.Anchors(), tt.wantAnchors)
			assert.NotNil(t, store.Pool())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load("/nonexistent/ca.pem")
	require.Error(t, err)

	var lerr *LoadError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, "/nonexistent/ca.pem", lerr.Path)
}

func TestStore_Verify(t *testing.T) {
	t.Parallel()

	root := tu.NewCA(t, "Root")
	intermediate := root.Intermediate(t, "Issuing CA")
	unknown := tu.NewCA(t, "Rogue Root")

	store, err := LoadPEM(root.CertPEM)
	require.NoError(t, err)

	direct := root.Client(t, "alice")
	viaIntermediate := intermediate.Client(t, "bob")
	rogue := unknown.Client(t, "mallory")
	serverOnly := root.Client(t, "svc", tu.WithExtKeyUsage(x509.ExtKeyUsageServerAuth))
	expired := root.Client(t, "old", tu.WithValidity(time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour)))
	future := root.Client(t, "new", tu.WithValidity(time.Now().Add(24*time.Hour), time.Now().Add(48*time.Hour)))

	tests := []struct {
		name       string
		chain      []*x509.Certificate
		wantReason Reason
		wantCN     string
	}{
		{name: "direct leaf", chain: []*x509.Certificate{direct.Cert}, wantCN: "alice"},
		{name: "leaf via intermediate", chain: []*x509.Certificate{viaIntermediate.Cert, intermediate.Cert}, wantCN: "bob"},
		{name: "missing intermediate", chain: []*x509.Certificate{viaIntermediate.Cert}, wantReason: ReasonUntrustedIssuer},
		{name: "unknown issuer", chain: []*x509.Certificate{rogue.Cert}, wantReason: ReasonUntrustedIssuer},
		{name: "no certificate", chain: nil, wantReason: ReasonNoCertificate},
		{name: "expired", chain: []*x509.Certificate{expired.Cert}, wantReason: ReasonExpired},
		{name: "not yet valid", chain: []*x509.Certificate{future.Cert}, wantReason: ReasonNotYetValid},
		{name: "wrong key usage", chain: []*x509.Certificate{serverOnly.Cert}, wantReason: ReasonInvalidChain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			identity, err := store.Verify(tt.chain)
			if tt.wantReason != "" {
				require.Error(t, err)
				assert.Nil(t, identity)

				var verr *VerificationError
				require.True(t, errors.As(err, &verr))
				assert.Equal(t, tt.wantReason, verr.Reason)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, identity)
			assert.Equal(t, tt.wantCN, identity.CommonName)
			assert.Contains(t, identity.SubjectDN, "CN="+tt.wantCN)
			assert.Equal(t, tt.chain[0].Issuer.String(), identity.IssuerDN)
			assert.Equal(t, root.Cert.Subject.String(), identity.Chain[len(identity.Chain)-1].Subject.String())
		})
	}
}

func TestStore_Verify_UnknownIssuerSentinel(t *testing.T) {
	t.Parallel()

	store, err := LoadPEM(tu.NewCA(t, "Root").CertPEM)
	require.NoError(t, err)

	_, err = store.Verify([]*x509.Certificate{tu.NewCA(t, "Other").Client(t, "eve").Cert})
	assert.ErrorIs(t, err, ErrUntrustedIssuer)
	assert.NotErrorIs(t, err, ErrCertificateExpired)
}

func TestStore_Verify_WithClock(t *testing.T) {
	t.Parallel()

	root := tu.NewCA(t, "Root", tu.WithValidity(time.Now().Add(-time.Hour), time.Now().Add(365*24*time.Hour)))
	leaf := root.Client(t, "alice")

	later := func() time.Time { return leaf.Cert.NotAfter.Add(time.Minute) }
	store, err := LoadPEM(root.CertPEM, WithClock(later))
	require.NoError(t, err)

	_, err = store.Verify([]*x509.Certificate{leaf.Cert})
	assert.ErrorIs(t, err, ErrCertificateExpired)
}

func TestStore_Verify_CRL(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	root := tu.NewCA(t, "Root")
	revoked := root.Client(t, "revoked")
	good := root.Client(t, "good")

	crlPath := tu.WriteFile(t, dir, "ca.crl", root.CRL(t, revoked.Cert.SerialNumber))
	caPath := tu.WriteFile(t, dir, "ca.pem", root.CertPEM)

	store, err := Load(caPath, WithCRLFile(crlPath))
	require.NoError(t, err)

	_, err = store.Verify([]*x509.Certificate{revoked.Cert})
	var verr *VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ReasonRevoked, verr.Reason)
	assert.ErrorIs(t, err, ErrCertificateRevoked)

	identity, err := store.Verify([]*x509.Certificate{good.Cert})
	require.NoError(t, err)
	assert.Equal(t, "good", identity.CommonName)
}

func TestStore_CRLNotSignedByAnchor(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	root := tu.NewCA(t, "Root")
	other := tu.NewCA(t, "Other")

	crlPath := tu.WriteFile(t, dir, "other.crl", other.CRL(t))
	_, err := LoadPEM(root.CertPEM, WithCRLFile(crlPath))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.Contains(t, err.Error(), "not issued by a trust anchor")

	_, err = LoadPEM(root.CertPEM, WithCRLFile(tu.WriteFile(t, dir, "empty.crl", []byte("x"))))
	assert.ErrorIs(t, err, ErrLoadFailed)

	_, err = LoadPEM(root.CertPEM, WithCRLFile("/nonexistent.crl"))
	assert.ErrorIs(t, err, ErrLoadFailed)
}

func TestStore_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	root := tu.NewCA(t, "Root")
	store, err := LoadPEM(root.CertPEM, WithMetrics(metrics))
	require.NoError(t, err)

	_, _ = store.Verify([]*x509.Certificate{root.Client(t, "alice").Cert})
	_, _ = store.Verify(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.verificationTotal.WithLabelValues("success", "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.verificationTotal.WithLabelValues("failure", "no_certificate")))
	assert.Equal(t, float64(root.Cert.NotAfter.Unix()),
		testutil.ToFloat64(metrics.anchorExpiry.WithLabelValues(root.Cert.Subject.String())))
}

func TestStore_AnchorsIsCopy(t *testing.T) {
	t.Parallel()

	store, err := LoadPEM(tu.NewCA(t, "Root").CertPEM)
	require.NoError(t, err)

	anchors := store.Anchors()
	anchors[0] = nil
	assert.NotNil(t, store.Anchors()[0])
}
