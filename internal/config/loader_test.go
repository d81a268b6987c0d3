package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfigYAML = `
tls:
  certFile: /etc/avamtls/server.crt
  keyFile: /etc/avamtls/server.key
trustAnchor:
  caFile: /etc/avamtls/ca.crt
routes:
  - name: test
    pathPrefix: /test
    upstream: http://127.0.0.1:9000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "avamtls.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, minimalConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, DefaultBind, cfg.Listener.Bind)
	assert.Equal(t, DefaultPort, cfg.Listener.Port)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.Listener.HandshakeTimeout.Duration())
	assert.Equal(t, DefaultKeepaliveTimeout, cfg.Listener.KeepaliveTimeout.Duration())
	assert.Equal(t, "0.0.0.0:8443", cfg.Listener.Address())
	assert.Equal(t, DefaultMinVersion, cfg.TLS.MinVersion)
	assert.Equal(t, DefaultMaxIdleConnsPerHost, cfg.Upstream.MaxIdleConnsPerHost)
	assert.True(t, cfg.Upstream.ForwardedHeaders)
	assert.Equal(t, DefaultSubjectHeader, cfg.IdentityHeaders.Subject)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, DefaultMetricsAddress, cfg.Metrics.Address)

	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, VerificationRequired, cfg.Routes[0].Verification)
	assert.NoError(t, ValidateConfig(cfg))
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, `
listener:
  port: 9443
  handshakeTimeout: 2s
  maxConnections: 100
tls:
  certFile: a.crt
  keyFile: a.key
  minVersion: TLS13
trustAnchor:
  caFile: ca.crt
  crlFile: ca.crl
upstream:
  forwardedHeaders: false
  circuitBreaker:
    enabled: true
identityHeaders:
  subject: X-SSL-Client-DN
routes:
  - name: public
    host: "*.example.com"
    pathPrefix: /
    upstream: https://backend:8443
    verification: none
    rateLimit:
      requestsPerSecond: 2.5
metrics:
  enabled: false
`))
	require.NoError(t, err)

	assert.Equal(t, 9443, cfg.Listener.Port)
	assert.Equal(t, 2*time.Second, cfg.Listener.HandshakeTimeout.Duration())
	assert.Equal(t, 100, cfg.Listener.MaxConnections)
	assert.Equal(t, "TLS13", cfg.TLS.MinVersion)
	assert.Equal(t, "TLS13", cfg.TLS.MaxVersion)
	assert.Equal(t, "ca.crl", cfg.TrustAnchor.CRLFile)
	assert.False(t, cfg.Upstream.ForwardedHeaders)
	assert.True(t, cfg.Upstream.CircuitBreaker.Enabled)
	assert.Equal(t, DefaultBreakerThreshold, cfg.Upstream.CircuitBreaker.Threshold)
	assert.Equal(t, "X-SSL-Client-DN", cfg.IdentityHeaders.Subject)
	assert.Equal(t, DefaultIssuerHeader, cfg.IdentityHeaders.Issuer)
	assert.False(t, cfg.Metrics.Enabled)

	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, VerificationNone, cfg.Routes[0].Verification)
	require.True(t, cfg.Routes[0].RateLimit.Enabled())
	assert.Equal(t, 3, cfg.Routes[0].RateLimit.Burst)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig("/nonexistent/path/avamtls.yaml")
	require.Error(t, err)

	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Message, "failed to read config file")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfigFromReader_InvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := LoadConfigFromReader(strings.NewReader("listener: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadConfigFromReader_InvalidDuration(t *testing.T) {
	t.Parallel()

	_, err := LoadConfigFromReader(strings.NewReader("listener:\n  handshakeTimeout: soon\n"))
	require.Error(t, err)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("AVAMTLS_TEST_UPSTREAM", "http://10.0.0.1:8080")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "set variable", input: "${AVAMTLS_TEST_UPSTREAM}", want: "http://10.0.0.1:8080"},
		{name: "default ignored when set", input: "${AVAMTLS_TEST_UPSTREAM:-x}", want: "http://10.0.0.1:8080"},
		{name: "default used when unset", input: "${AVAMTLS_TEST_UNSET:-fallback}", want: "fallback"},
		{name: "unset without default", input: "a${AVAMTLS_TEST_UNSET}b", want: "ab"},
		{name: "escaped dollar", input: "$${AVAMTLS_TEST_UPSTREAM}", want: "${AVAMTLS_TEST_UPSTREAM}"},
		{name: "no variables", input: "plain", want: "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteEnvVars(tt.input))
		})
	}
}

func TestLoad_MissingFilesReportedSeparately(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, minimalConfigYAML))
	require.Error(t, err)

	var errs ConfigErrors
	require.True(t, errors.As(err, &errs))

	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"tls.certFile", "tls.keyFile", "trustAnchor.caFile"}, fields)
}

func TestLoad_Success(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"server.crt", "server.key", "ca.crt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	cfg, err := Load(writeConfig(t, `
tls:
  certFile: `+filepath.Join(dir, "server.crt")+`
  keyFile: `+filepath.Join(dir, "server.key")+`
trustAnchor:
  caFile: `+filepath.Join(dir, "ca.crt")+`
routes:
  - name: root
    pathPrefix: /
    upstream: http://127.0.0.1:9000
    verification: optional
`))
	require.NoError(t, err)
	assert.Equal(t, VerificationOptional, cfg.Routes[0].Verification)
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration())

	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(b))

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Zero(t, d)

	assert.Error(t, d.UnmarshalJSON([]byte(`"fast"`)))
}

func TestRateLimitConfig_EffectiveBurst(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  RateLimitConfig
		want int
	}{
		{name: "explicit burst", cfg: RateLimitConfig{RequestsPerSecond: 10, Burst: 4}, want: 4},
		{name: "whole rate", cfg: RateLimitConfig{RequestsPerSecond: 10}, want: 10},
		{name: "fractional rate rounds up", cfg: RateLimitConfig{RequestsPerSecond: 0.5}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.cfg.EffectiveBurst())
		})
	}
}
