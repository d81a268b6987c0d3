package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/proxy"
	"github.com/vyrodovalexey/avamtls/internal/router"
	tu "github.com/vyrodovalexey/avamtls/internal/testutil"
	tlspkg "github.com/vyrodovalexey/avamtls/internal/tls"
	"github.com/vyrodovalexey/avamtls/internal/trust"
)

type stack struct {
	ca       *tu.CA
	gateway  *Gateway
	upstream *httptest.Server
	hits     *atomic.Int32
}

func newStack(t *testing.T) *stack {
	t.Helper()

	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("X-Seen-Subject", r.Header.Get("X-Client-Subject-DN"))
		w.Header().Set("X-Seen-Verify", r.Header.Get("X-Client-Verify"))
		_, _ = io.WriteString(w, "upstream:"+r.URL.Path)
	}))
	t.Cleanup(upstream.Close)
	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	table, err := router.New([]router.Rule{
		{Name: "public", PathPrefix: "/public", Upstream: target, Policy: tlspkg.PolicyNone},
		{Name: "secure", PathPrefix: "/", Upstream: target, Policy: tlspkg.PolicyRequired},
	})
	require.NoError(t, err)
	holder := router.NewHolder(table)

	ca := tu.NewCA(t, "gateway test root")
	store, err := trust.LoadPEM(ca.CertPEM)
	require.NoError(t, err)
	cert := ca.Server(t).TLSCertificate(t)

	term, err := tlspkg.NewTerminator(tlspkg.TerminatorConfig{HandshakeTimeout: 2 * time.Second},
		tlspkg.NewStaticProvider(&cert), store, holder)
	require.NoError(t, err)

	gw, err := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: 2 * time.Second}, term, proxy.NewDispatcher(holder))
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(func() {
		if gw.IsRunning() {
			_ = gw.Stop(context.Background())
		}
	})

	return &stack{ca: ca, gateway: gw, upstream: upstream, hits: &hits}
}

func (s *stack) client(t *testing.T, certs ...tls.Certificate) *http.Client {
	t.Helper()

	roots := x509.NewCertPool()
	roots.AddCert(s.ca.Cert)
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			RootCAs:      roots,
			ServerName:   "localhost",
			Certificates: certs,
			MinVersion:   tls.VersionTLS12,
		},
	}
	t.Cleanup(transport.CloseIdleConnections)
	return &http.Client{Transport: transport, Timeout: 5 * time.Second}
}

func (s *stack) url(path string) string {
	return "https://" + s.gateway.Addr().String() + path
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	handler := http.NotFoundHandler()

	_, err := New(Config{Address: ":0"}, nil, handler)
	assert.ErrorIs(t, err, ErrMissingTerminator)

	ca := tu.NewCA(t, "root")
	store, err := trust.LoadPEM(ca.CertPEM)
	require.NoError(t, err)
	cert := ca.Server(t).TLSCertificate(t)
	term, err := tlspkg.NewTerminator(tlspkg.TerminatorConfig{}, tlspkg.NewStaticProvider(&cert), store, nil)
	require.NoError(t, err)

	_, err = New(Config{Address: ":0"}, term, nil)
	assert.ErrorIs(t, err, ErrMissingHandler)

	_, err = New(Config{}, term, handler)
	assert.ErrorIs(t, err, ErrMissingAddress)

	gw, err := New(Config{Address: ":0"}, term, handler)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, gw.State())
	assert.Equal(t, config.DefaultShutdownTimeout, gw.config.ShutdownTimeout)
	assert.Nil(t, gw.Addr())
	assert.Zero(t, gw.Uptime())

	assert.ErrorIs(t, gw.Stop(context.Background()), ErrNotRunning)
}

func TestGateway_StartBindFailure(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	taken := s.gateway.Addr().String()

	store, err := trust.LoadPEM(s.ca.CertPEM)
	require.NoError(t, err)
	cert := s.ca.Server(t).TLSCertificate(t)
	term, err := tlspkg.NewTerminator(tlspkg.TerminatorConfig{}, tlspkg.NewStaticProvider(&cert), store, nil)
	require.NoError(t, err)

	gw, err := New(Config{Address: taken}, term, http.NotFoundHandler())
	require.NoError(t, err)

	err = gw.Start(context.Background())
	var lerr *ListenError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, taken, lerr.Address)
	assert.Contains(t, err.Error(), taken)
	assert.Equal(t, StateStopped, gw.State())
}

func TestConfigFromListener(t *testing.T) {
	t.Parallel()

	cfg := ConfigFromListener(config.ListenerConfig{
		Bind:             "127.0.0.1",
		Port:             8443,
		MaxConnections:   100,
		KeepaliveTimeout: config.Duration(time.Minute),
		ShutdownTimeout:  config.Duration(5 * time.Second),
	})
	assert.Equal(t, Config{
		Address:         "127.0.0.1:8443",
		MaxConnections:  100,
		IdleTimeout:     time.Minute,
		ShutdownTimeout: 5 * time.Second,
	}, cfg)
}

func TestGateway_EndToEnd(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	assert.True(t, s.gateway.IsRunning())
	assert.ErrorIs(t, s.gateway.Start(context.Background()), ErrAlreadyStarted)

	alice := s.ca.Client(t, "alice").TLSCertificate(t)

	tests := []struct {
		name        string
		certs       []tls.Certificate
		path        string
		wantStatus  int
		wantVerify  string
		wantSubject bool
	}{
		{name: "verified client on required route", certs: []tls.Certificate{alice}, path: "/orders",
			wantStatus: http.StatusOK, wantVerify: "SUCCESS", wantSubject: true},
		{name: "anonymous client on required route", path: "/orders", wantStatus: http.StatusForbidden},
		{name: "anonymous client on public route", path: "/public/docs",
			wantStatus: http.StatusOK, wantVerify: "NONE"},
		{name: "verified client on public route", certs: []tls.Certificate{alice}, path: "/public",
			wantStatus: http.StatusOK, wantVerify: "NONE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := s.hits.Load()

			resp, err := s.client(t, tt.certs...).Get(s.url(tt.path))
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, resp.StatusCode, string(body))
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, before, s.hits.Load(), "upstream must not be contacted")
				return
			}

			assert.Equal(t, "upstream:"+tt.path, string(body))
			assert.Equal(t, tt.wantVerify, resp.Header.Get("X-Seen-Verify"))
			if tt.wantSubject {
				assert.Contains(t, resp.Header.Get("X-Seen-Subject"), "CN=alice")
			} else {
				assert.Empty(t, resp.Header.Get("X-Seen-Subject"))
			}
		})
	}
}

func TestGateway_UntrustedClient(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	client := s.client(t, tu.NewCA(t, "foreign root").Client(t, "mallory").TLSCertificate(t))

	// The catch-all group mixes none and required rules, so the handshake
	// is optional and the failure is decided per request.
	resp, err := client.Get(s.url("/orders"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), proxy.CodeVerificationFailed)
	assert.Zero(t, s.hits.Load())

	resp, err = client.Get(s.url("/public"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "NONE", resp.Header.Get("X-Seen-Verify"))
	assert.Equal(t, int32(1), s.hits.Load())
}

func TestGateway_StopDrainsAndCloses(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	client := s.client(t, s.ca.Client(t, "alice").TLSCertificate(t))

	resp, err := client.Get(s.url("/orders"))
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	require.Eventually(t, func() bool {
		return s.gateway.Registry().Len() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, s.gateway.Uptime(), time.Duration(0))

	require.NoError(t, s.gateway.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.gateway.State())

	client.CloseIdleConnections()
	_, err = client.Get(s.url("/orders"))
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}
