package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordReload(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.RecordReload("certificate", nil)
	m.RecordReload("certificate", errors.New("bad pem"))
	m.RecordReload("routes", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("certificate", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("certificate", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("routes", "success")))
}

func TestMetrics_SetBuildInfo(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.SetBuildInfo("1.0.0", "abc123", "2026-01-01")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.buildInfo.WithLabelValues("1.0.0", "abc123", "2026-01-01")))
}

func TestMetricsServer_Handler(t *testing.T) {
	t.Parallel()

	srv := NewMetricsServer(NewMetrics(), MetricsServerConfig{}, nil)
	h := srv.Handler()

	tests := []struct {
		name       string
		path       string
		ready      bool
		wantStatus int
		wantBody   string
	}{
		{name: "liveness", path: "/healthz", wantStatus: http.StatusOK, wantBody: "ok"},
		{name: "readiness before ready", path: "/readyz", wantStatus: http.StatusServiceUnavailable, wantBody: "not ready"},
		{name: "readiness after ready", path: "/readyz", ready: true, wantStatus: http.StatusOK, wantBody: "ready"},
		{name: "metrics", path: "/metrics", ready: true, wantStatus: http.StatusOK, wantBody: "avamtls_start_time_seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv.SetReady(tt.ready)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestMetricsServer_StartStop(t *testing.T) {
	t.Parallel()

	srv := NewMetricsServer(NewMetrics(), MetricsServerConfig{Address: "127.0.0.1:0"}, nil)
	require.NoError(t, srv.Start(context.Background()))
	require.Error(t, srv.Start(context.Background()))

	addr := srv.Addr()
	require.NotNil(t, addr)

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
	assert.Nil(t, srv.Addr())
}
