// Package config provides configuration types and loading for the
// mTLS proxy.
//
// This package defines the configuration model, YAML loading with
// environment variable substitution, validation, startup file checks
// and file watching for route hot-reload.
//
// # Configuration Loading
//
//	cfg, err := config.Load("avamtls.yaml")
//	if err != nil {
//	    var cerr *config.ConfigError
//	    if errors.As(err, &cerr) {
//	        log.Fatalf("invalid %s: %s", cerr.Field, cerr.Message)
//	    }
//	}
//
// # File Watching
//
// Only the routes section is applied on reload. Listener, TLS and trust
// anchor settings require a restart.
//
//	watcher, err := config.NewWatcher(path, func(cfg *config.Config) {
//	    // rebuild the routing table
//	}, config.WithLogger(logger))
//	_ = watcher.Start(ctx)
package config
