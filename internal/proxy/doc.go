// Package proxy forwards requests from the mTLS listener to upstream
// services.
//
// The Dispatcher resolves a routing rule for each request, enforces the
// rule's verification policy against the TLS session stored in the request
// context, and forwards through httputil.ReverseProxy. Requests that fail
// the policy are answered with 403 before any byte reaches the upstream.
//
// Upstream traffic goes through a shared keep-alive transport. A
// connection-level failure that happens before the request body was read is
// retried once on a fresh connection; a second failure answers 502. An
// optional per-upstream circuit breaker and per-route token bucket sit in
// front of the upstream.
//
// # Usage
//
//	transport := proxy.NewRetryingTransport(
//	    proxy.NewTransport(tcfg), tcfg, logger, nil,
//	)
//	d := proxy.NewDispatcher(holder,
//	    proxy.WithLogger(logger),
//	    proxy.WithTransport(transport),
//	)
//	http.Handle("/", d)
package proxy
