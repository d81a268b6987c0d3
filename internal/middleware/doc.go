// Package middleware provides the HTTP middleware wrapped around the proxy
// dispatcher.
//
//   - RequestID: X-Request-ID propagation and generation
//   - Recovery: panic recovery with a JSON 500
//   - AccessLog: one structured line per request with route and client subject
//
// # Usage
//
//	handler := middleware.Recovery(logger, metrics)(
//	    middleware.RequestID()(
//	        middleware.AccessLog(logger, metrics)(dispatcher),
//	    ),
//	)
package middleware
