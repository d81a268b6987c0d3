package tls

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tu "github.com/vyrodovalexey/avamtls/internal/testutil"
)

func writeKeyPair(t *testing.T, dir string, issued *tu.Issued) (certFile, keyFile string) {
	t.Helper()
	certFile = tu.WriteFile(t, dir, "server.crt", issued.CertPEM)
	keyFile = tu.WriteFile(t, dir, "server.key", issued.KeyPEM)
	return certFile, keyFile
}

func TestNewFileProvider(t *testing.T) {
	t.Parallel()

	ca := tu.NewCA(t, "provider root")
	dir := t.TempDir()
	certFile, keyFile := writeKeyPair(t, dir, ca.Server(t))

	t.Run("loads key pair", func(t *testing.T) {
		t.Parallel()

		p, err := NewFileProvider(certFile, keyFile)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Close() })

		cert, err := p.GetCertificate(context.Background(), nil)
		require.NoError(t, err)
		require.NotNil(t, cert.Leaf)
		assert.Equal(t, "localhost", cert.Leaf.Subject.CommonName)
	})

	t.Run("missing paths", func(t *testing.T) {
		t.Parallel()

		_, err := NewFileProvider("", keyFile)
		var certErr *CertificateError
		assert.ErrorAs(t, err, &certErr)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		_, err := NewFileProvider(filepath.Join(dir, "absent.crt"), keyFile)
		var certErr *CertificateError
		require.ErrorAs(t, err, &certErr)
		assert.Contains(t, certErr.Path, "absent.crt")
	})

	t.Run("closed provider", func(t *testing.T) {
		t.Parallel()

		p, err := NewFileProvider(certFile, keyFile)
		require.NoError(t, err)
		require.NoError(t, p.Close())
		require.NoError(t, p.Close())

		_, err = p.GetCertificate(context.Background(), nil)
		assert.ErrorIs(t, err, ErrProviderClosed)
		assert.ErrorIs(t, p.Start(context.Background()), ErrProviderClosed)
	})
}

func TestFileProvider_Reload(t *testing.T) {
	t.Parallel()

	ca := tu.NewCA(t, "provider root")
	dir := t.TempDir()
	certFile, keyFile := writeKeyPair(t, dir, ca.Server(t, "one.test"))

	metrics := NewMetrics(prometheus.NewRegistry())
	p, err := NewFileProvider(certFile, keyFile, WithFileProviderMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	writeKeyPair(t, dir, ca.Server(t, "two.test"))
	require.NoError(t, p.Reload())

	cert, err := p.GetCertificate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "two.test", cert.Leaf.Subject.CommonName)

	// A broken key pair keeps the previous certificate.
	require.NoError(t, os.WriteFile(keyFile, []byte("garbage"), 0o600))
	assert.Error(t, p.Reload())

	cert, err = p.GetCertificate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "two.test", cert.Leaf.Subject.CommonName)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.certificateReloads.WithLabelValues("success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.certificateReloads.WithLabelValues("error")))
}

func TestFileProvider_WatchesFiles(t *testing.T) {
	t.Parallel()

	ca := tu.NewCA(t, "provider root")
	dir := t.TempDir()
	certFile, keyFile := writeKeyPair(t, dir, ca.Server(t, "one.test"))

	p, err := NewFileProvider(certFile, keyFile, WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, p.Start(ctx))

	events := p.Watch(ctx)
	select {
	case ev := <-events:
		assert.Equal(t, CertificateEventLoaded, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no loaded event")
	}

	writeKeyPair(t, dir, ca.Server(t, "two.test"))

	assert.Eventually(t, func() bool {
		cert, err := p.GetCertificate(ctx, nil)
		return err == nil && cert.Leaf.Subject.CommonName == "two.test"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFileProvider_ServesHandshakes(t *testing.T) {
	t.Parallel()

	pki := newTestPKI(t)
	dir := t.TempDir()
	certFile, keyFile := writeKeyPair(t, dir, pki.ca.Server(t, "localhost"))

	p, err := NewFileProvider(certFile, keyFile)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	term, err := NewTerminator(TerminatorConfig{}, p, pki.store, StaticPolicy(PolicyNone))
	require.NoError(t, err)

	session, err := handshake(t, term, pki.clientConfig())
	require.NoError(t, err)
	assert.Equal(t, "localhost", session.Conn().ConnectionState().ServerName)
}
