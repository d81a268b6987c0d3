package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/gateway"
	"github.com/vyrodovalexey/avamtls/internal/middleware"
	"github.com/vyrodovalexey/avamtls/internal/observability"
	"github.com/vyrodovalexey/avamtls/internal/proxy"
	"github.com/vyrodovalexey/avamtls/internal/router"
	tlspkg "github.com/vyrodovalexey/avamtls/internal/tls"
	"github.com/vyrodovalexey/avamtls/internal/trust"
)

// application holds all application components.
type application struct {
	config     *config.Config
	configPath string
	logger     observability.Logger

	metrics       *observability.Metrics
	metricsServer *observability.MetricsServer
	tracer        *observability.Tracer

	provider *tlspkg.FileProvider
	holder   *router.Holder
	gateway  *gateway.Gateway
	watcher  *config.Watcher

	cancel context.CancelFunc
}

// newApplication builds every component from cfg without binding sockets.
func newApplication(cfg *config.Config, configPath string, logger observability.Logger) (_ *application, err error) {
	app := &application{
		config:     cfg,
		configPath: configPath,
		logger:     logger,
		metrics:    observability.NewMetrics(),
	}
	app.metrics.SetBuildInfo(version, gitCommit, buildTime)
	reg := app.metrics.Registry()

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer
	defer func() {
		if err != nil {
			app.abort()
		}
	}()

	store, err := trust.Load(cfg.TrustAnchor.CAFile,
		trust.WithLogger(logger),
		trust.WithMetrics(trust.NewMetrics(reg)),
		trust.WithCRLFile(cfg.TrustAnchor.CRLFile),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust anchors: %w", err)
	}

	tlsMetrics := tlspkg.NewMetrics(reg)
	provider, err := tlspkg.NewFileProvider(cfg.TLS.CertFile, cfg.TLS.KeyFile,
		tlspkg.WithFileProviderLogger(logger),
		tlspkg.WithFileProviderMetrics(tlsMetrics),
		tlspkg.WithDebounceDelay(cfg.TLS.ReloadInterval.Duration()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	app.provider = provider

	table, err := buildTable(cfg.Routes)
	if err != nil {
		return nil, err
	}
	app.holder = router.NewHolder(table, router.WithMetrics(router.NewMetrics(reg)))

	termCfg, err := terminatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	terminator, err := tlspkg.NewTerminator(termCfg, provider, store, app.holder,
		tlspkg.WithTerminatorLogger(logger),
		tlspkg.WithTerminatorMetrics(tlsMetrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS terminator: %w", err)
	}

	handler := buildHandler(cfg, app.holder, logger, app.metrics, tracer)

	gw, err := gateway.New(gateway.ConfigFromListener(cfg.Listener), terminator, handler,
		gateway.WithLogger(logger),
		gateway.WithRegistry(tlspkg.NewSessionRegistry(tlsMetrics)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	app.gateway = gw

	if cfg.Metrics.Enabled {
		app.metricsServer = observability.NewMetricsServer(app.metrics, observability.MetricsServerConfig{
			Address: cfg.Metrics.Address,
			Path:    cfg.Metrics.Path,
		}, logger)
	}

	return app, nil
}

// buildTable compiles the configured routes.
func buildTable(routes []config.RouteConfig) (*router.Table, error) {
	rules, err := router.RulesFromConfig(routes)
	if err != nil {
		return nil, fmt.Errorf("failed to build routes: %w", err)
	}
	table, err := router.New(rules)
	if err != nil {
		return nil, fmt.Errorf("failed to build routing table: %w", err)
	}
	return table, nil
}

// terminatorConfig converts the listener and TLS settings.
func terminatorConfig(cfg *config.Config) (tlspkg.TerminatorConfig, error) {
	minVersion, err := tlspkg.ParseVersion(cfg.TLS.MinVersion)
	if err != nil {
		return tlspkg.TerminatorConfig{}, err
	}
	maxVersion, err := tlspkg.ParseVersion(cfg.TLS.MaxVersion)
	if err != nil {
		return tlspkg.TerminatorConfig{}, err
	}
	suites, err := tlspkg.ParseCipherSuites(cfg.TLS.CipherSuites)
	if err != nil {
		return tlspkg.TerminatorConfig{}, err
	}
	curves, err := tlspkg.ParseCurvePreferences(cfg.TLS.CurvePreferences)
	if err != nil {
		return tlspkg.TerminatorConfig{}, err
	}

	return tlspkg.TerminatorConfig{
		MinVersion:       minVersion,
		MaxVersion:       maxVersion,
		CipherSuites:     suites,
		CurvePreferences: curves,
		HandshakeTimeout: cfg.Listener.HandshakeTimeout.Duration(),
	}, nil
}

// buildHandler assembles the dispatcher and the middleware chain.
// The execution order (outermost executes first):
// Recovery -> RequestID -> AccessLog -> Tracing -> [dispatcher]
func buildHandler(
	cfg *config.Config,
	holder *router.Holder,
	logger observability.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
) http.Handler {
	reg := metrics.Registry()
	proxyMetrics := proxy.NewMetrics(reg)
	tcfg := proxy.TransportConfigFromConfig(cfg.Upstream)

	var dispatcher *proxy.Dispatcher
	retrying := proxy.NewRetryingTransport(proxy.NewTransport(tcfg), tcfg, logger,
		func(req *http.Request, err error) {
			dispatcher.RecordRetry(req, err)
		},
	)
	transport := proxy.NewBreakerTransport(retrying,
		proxy.BreakerConfigFromConfig(cfg.Upstream.CircuitBreaker), logger, proxyMetrics)

	dispatcher = proxy.NewDispatcher(holder,
		proxy.WithLogger(logger),
		proxy.WithMetrics(proxyMetrics),
		proxy.WithTransport(transport),
		proxy.WithIdentityHeaders(proxy.IdentityHeadersFromConfig(cfg.IdentityHeaders)),
		proxy.WithForwardedHeaders(cfg.Upstream.ForwardedHeaders),
	)

	mwMetrics := middleware.NewMetrics(reg)

	var h http.Handler = dispatcher
	h = observability.TracingMiddleware(tracer)(h)
	h = middleware.AccessLog(logger, mwMetrics)(h)
	h = middleware.RequestID()(h)
	h = middleware.Recovery(logger, mwMetrics)(h)

	return h
}

// start runs the certificate watcher, the metrics server, the gateway and
// the configuration watcher.
func (a *application) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	if err := a.provider.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start certificate watcher: %w", err)
	}
	go a.watchCertificates(runCtx)

	if a.metricsServer != nil {
		if err := a.metricsServer.Start(runCtx); err != nil {
			return err
		}
	}

	if err := a.gateway.Start(runCtx); err != nil {
		return err
	}

	a.watcher = startConfigWatcher(runCtx, a)

	if a.metricsServer != nil {
		a.metricsServer.SetReady(true)
	}
	return nil
}

// shutdown stops every component, draining the gateway within the
// configured shutdown timeout.
func (a *application) shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Listener.ShutdownTimeout.Duration())
	defer cancel()

	if a.metricsServer != nil {
		a.metricsServer.SetReady(false)
	}

	if a.watcher != nil {
		_ = a.watcher.Stop()
	}

	if a.gateway != nil && a.gateway.IsRunning() {
		if err := a.gateway.Stop(shutdownCtx); err != nil {
			a.logger.Error("failed to stop gateway gracefully", observability.Error(err))
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(shutdownCtx); err != nil {
			a.logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}

	if a.tracer != nil {
		if err := a.tracer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("failed to shutdown tracer", observability.Error(err))
		}
	}

	a.close()
	a.logger.Info("avamtls stopped")
}

// abort releases everything newApplication acquired when construction fails.
func (a *application) abort() {
	if err := a.tracer.Shutdown(context.Background()); err != nil {
		a.logger.Warn("failed to shutdown tracer", observability.Error(err))
	}
	a.close()
}

// close releases resources that do not need draining.
func (a *application) close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.provider != nil {
		_ = a.provider.Close()
	}
}
