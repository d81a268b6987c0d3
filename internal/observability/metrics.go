package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsNamespace is the Prometheus namespace shared by every collector.
const MetricsNamespace = "avamtls"

// Metrics holds the process-wide Prometheus registry and the build metrics.
// Component metrics (tls, proxy, config) register on Registry().
type Metrics struct {
	registry  *prometheus.Registry
	buildInfo *prometheus.GaugeVec
	startTime prometheus.Gauge
	reloads   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance backed by a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "build_info",
			Help:      "Build information for the proxy",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the proxy in unix seconds",
		},
	)

	m.reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "reloads_total",
			Help:      "Total number of reload attempts by kind and result",
		},
		[]string{"kind", "result"},
	)

	m.registry.MustRegister(
		m.buildInfo,
		m.startTime,
		m.reloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.startTime.SetToCurrentTime()

	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// RecordReload records a reload attempt. kind is "certificate" or "routes".
func (m *Metrics) RecordReload(kind string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.reloads.WithLabelValues(kind, result).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics:   true,
		ErrorHandling:       promhttp.ContinueOnError,
		MaxRequestsInFlight: 10,
	})
}

// MetricsServerConfig configures the plain-HTTP metrics and health listener.
type MetricsServerConfig struct {
	Address      string
	Path         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultMetricsServerConfig returns a MetricsServerConfig with default values.
func DefaultMetricsServerConfig() MetricsServerConfig {
	return MetricsServerConfig{
		Address:      ":9090",
		Path:         "/metrics",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// MetricsServer serves /metrics, /healthz and /readyz.
type MetricsServer struct {
	config   MetricsServerConfig
	metrics  *Metrics
	logger   Logger
	ready    atomic.Bool
	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewMetricsServer creates a new metrics server. It reports not ready until
// SetReady(true) is called.
func NewMetricsServer(metrics *Metrics, cfg MetricsServerConfig, logger Logger) *MetricsServer {
	defaults := DefaultMetricsServerConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if logger == nil {
		logger = NopLogger()
	}

	return &MetricsServer{
		config:  cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// SetReady flips the readiness probe.
func (s *MetricsServer) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler returns the mux served by the metrics server.
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			writeProbe(w, http.StatusServiceUnavailable, "not ready")
			return
		}
		writeProbe(w, http.StatusOK, "ready")
	})
	return mux
}

func writeProbe(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// Start binds the listener and serves in the background.
func (s *MetricsServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("metrics server already started")
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	s.logger.Info("metrics server started",
		String("address", ln.Addr().String()),
		String("path", s.config.Path),
	)

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *MetricsServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down gracefully.
func (s *MetricsServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
