package main

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamtls/internal/issuer"
	"github.com/vyrodovalexey/avamtls/internal/observability"
	tu "github.com/vyrodovalexey/avamtls/internal/testutil"
	"github.com/vyrodovalexey/avamtls/internal/trust"
)

func TestParseIssueFlags(t *testing.T) {
	t.Setenv("AVAMTLS_CA_CERT", "/etc/avamtls/ca.crt")
	t.Setenv("AVAMTLS_CA_KEY", "/etc/avamtls/ca.key")

	f, err := parseIssueFlags(flag.NewFlagSet(issueCommand, flag.ContinueOnError), nil)
	require.NoError(t, err)
	assert.Equal(t, "/etc/avamtls/ca.crt", f.caCert)
	assert.Equal(t, "/etc/avamtls/ca.key", f.caKey)
	assert.Equal(t, "-", f.csrPath)
	assert.Equal(t, "-", f.outPath)
	assert.Equal(t, issuer.DefaultLifetime, f.lifetime)

	f, err = parseIssueFlags(flag.NewFlagSet(issueCommand, flag.ContinueOnError),
		[]string{"-csr", "in.csr", "-out", "out.crt", "-lifetime", "72h", "-dns", "a.test,b.test"})
	require.NoError(t, err)
	assert.Equal(t, "in.csr", f.csrPath)
	assert.Equal(t, "out.crt", f.outPath)
	assert.Equal(t, 72*time.Hour, f.lifetime)
	assert.Equal(t, "a.test,b.test", f.dnsNames)

	t.Setenv("AVAMTLS_CA_KEY", "")
	_, err = parseIssueFlags(flag.NewFlagSet(issueCommand, flag.ContinueOnError), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-ca-key")
}

func TestSplitNames(t *testing.T) {
	t.Parallel()

	assert.Nil(t, splitNames(""))
	assert.Equal(t, []string{"a.test", "b.test"}, splitNames(" a.test, ,b.test ,"))
}

func TestRunIssue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ca := tu.NewCA(t, "issue root", tu.WithValidity(time.Now().Add(-time.Hour), time.Now().Add(7*24*time.Hour)))
	req := tu.NewCSR(t, "svc-client", "requested.test")
	base := issueFlags{
		caCert:   tu.WriteFile(t, dir, "ca.crt", ca.CertPEM),
		caKey:    tu.WriteFile(t, dir, "ca.key", ca.KeyPEM),
		csrPath:  "-",
		outPath:  "-",
		lifetime: 12 * time.Hour,
	}
	store, err := trust.LoadPEM(ca.CertPEM)
	require.NoError(t, err)

	verify := func(t *testing.T, certPEM []byte) *x509.Certificate {
		t.Helper()

		block, _ := pem.Decode(certPEM)
		require.NotNil(t, block)
		cert, err := x509.ParseCertificate(block.Bytes)
		require.NoError(t, err)
		_, err = store.Verify([]*x509.Certificate{cert})
		require.NoError(t, err)
		return cert
	}

	t.Run("stdin to stdout", func(t *testing.T) {
		t.Parallel()

		var out bytes.Buffer
		f := base
		f.dnsNames = "edge.test"
		require.NoError(t, runIssue(f, bytes.NewReader(req.PEM), &out, observability.NopLogger()))

		cert := verify(t, out.Bytes())
		assert.Equal(t, "svc-client", cert.Subject.CommonName)
		assert.Equal(t, []string{"edge.test"}, cert.DNSNames)
		assert.Equal(t, 12*time.Hour, cert.NotAfter.Sub(cert.NotBefore))
	})

	t.Run("files", func(t *testing.T) {
		t.Parallel()

		fdir := t.TempDir()
		f := base
		f.csrPath = tu.WriteFile(t, fdir, "client.csr", req.PEM)
		f.outPath = filepath.Join(fdir, "client.crt")
		require.NoError(t, runIssue(f, strings.NewReader(""), &bytes.Buffer{}, observability.NopLogger()))

		data, err := os.ReadFile(f.outPath)
		require.NoError(t, err)
		cert := verify(t, data)
		assert.Equal(t, []string{"requested.test"}, cert.DNSNames)
	})

	t.Run("invalid request", func(t *testing.T) {
		t.Parallel()

		var out bytes.Buffer
		err := runIssue(base, strings.NewReader("not a csr"), &out, observability.NopLogger())
		require.ErrorIs(t, err, issuer.ErrInvalidCSR)
		assert.Zero(t, out.Len())
	})

	t.Run("lifetime beyond CA", func(t *testing.T) {
		t.Parallel()

		f := base
		f.lifetime = 30 * 24 * time.Hour
		err := runIssue(f, bytes.NewReader(req.PEM), &bytes.Buffer{}, observability.NopLogger())
		require.ErrorIs(t, err, issuer.ErrInvalidLifetime)
	})

	t.Run("missing CA key", func(t *testing.T) {
		t.Parallel()

		f := base
		f.caKey = filepath.Join(dir, "absent.key")
		err := runIssue(f, bytes.NewReader(req.PEM), &bytes.Buffer{}, observability.NopLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CA key")
	})
}
