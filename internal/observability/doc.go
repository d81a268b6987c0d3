// Package observability provides logging, metrics, and tracing
// functionality for the mTLS proxy.
//
// # Logging
//
// The Logger interface wraps zap with a small set of field helpers:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("handshake failed",
//	    observability.String("server_name", "api.example.com"),
//	    observability.String("policy", "required"),
//	)
//
// Certificates, private keys and raw handshake bytes are never passed to the logger.
//
// # Metrics
//
// Every component registers its collectors on one *prometheus.Registry. The
// MetricsServer exposes it together with liveness and readiness endpoints:
//
//	srv := observability.NewMetricsServer(registry, observability.MetricsServerConfig{Address: ":9090"})
//	_ = srv.Start(ctx)
//
// # Tracing
//
// OpenTelemetry tracing with an optional OTLP gRPC exporter:
//
//	tracer, err := observability.NewTracer(observability.TracerConfig{ServiceName: "avamtls"})
//	defer tracer.Shutdown(ctx)
package observability
