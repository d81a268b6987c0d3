package main

import (
	"context"
	"reflect"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/observability"
	tlspkg "github.com/vyrodovalexey/avamtls/internal/tls"
)

const (
	reloadKindRoutes      = "routes"
	reloadKindCertificate = "certificate"
)

// startConfigWatcher watches the configuration file and swaps the routing
// table on change. A watcher that cannot start is logged, not fatal.
func startConfigWatcher(ctx context.Context, app *application) *config.Watcher {
	watcher, err := config.NewWatcher(app.configPath, app.reloadConfig,
		config.WithLogger(app.logger),
		config.WithInitialConfig(app.config),
		config.WithErrorCallback(func(err error) {
			app.metrics.RecordReload(reloadKindRoutes, err)
		}),
	)
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}

	return watcher
}

// reloadConfig installs the routes of newCfg. Every other section is bound
// at startup; changes to it are reported and ignored.
func (a *application) reloadConfig(newCfg *config.Config) {
	if sections := restartRequired(a.config, newCfg); len(sections) > 0 {
		a.logger.Warn("configuration changes require a restart and were ignored",
			observability.Strings("sections", sections),
		)
	}

	table, err := buildTable(newCfg.Routes)
	a.metrics.RecordReload(reloadKindRoutes, err)
	if err != nil {
		a.logger.Error("route reload rejected, keeping previous routes", observability.Error(err))
		return
	}

	a.holder.Store(table)
	a.logger.Info("routes reloaded", observability.Int("routes", table.Len()))
}

// restartRequired lists the configuration sections that differ between the
// running and the new configuration and cannot be applied live.
func restartRequired(running, next *config.Config) []string {
	var sections []string
	check := func(name string, a, b interface{}) {
		if !reflect.DeepEqual(a, b) {
			sections = append(sections, name)
		}
	}

	check("listener", running.Listener, next.Listener)
	check("tls", running.TLS, next.TLS)
	check("trustAnchor", running.TrustAnchor, next.TrustAnchor)
	check("upstream", running.Upstream, next.Upstream)
	check("identityHeaders", running.IdentityHeaders, next.IdentityHeaders)
	check("logging", running.Logging, next.Logging)
	check("metrics", running.Metrics, next.Metrics)
	check("tracing", running.Tracing, next.Tracing)

	return sections
}

// watchCertificates counts server certificate reloads until the provider
// closes its event channel.
func (a *application) watchCertificates(ctx context.Context) {
	for event := range a.provider.Watch(ctx) {
		switch event.Type {
		case tlspkg.CertificateEventReloaded:
			a.metrics.RecordReload(reloadKindCertificate, nil)
		case tlspkg.CertificateEventError:
			a.metrics.RecordReload(reloadKindCertificate, event.Error)
		case tlspkg.CertificateEventLoaded:
		}
	}
}
