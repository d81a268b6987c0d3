package middleware

import (
	"net"
	"net/http"
	"time"

	"github.com/vyrodovalexey/avamtls/internal/observability"
	tlspkg "github.com/vyrodovalexey/avamtls/internal/tls"
)

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush implements http.Flusher interface for streaming support.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// AccessLog returns a middleware that logs one line per request with the
// matched route and the client's subject DN. Certificates and keys are
// never logged.
func AccessLog(logger observability.Logger, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx, route := observability.ContextWithRouteRecorder(r.Context())
			r = r.WithContext(ctx)

			rw := &responseWriter{
				ResponseWriter: w,
				status:         http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			metrics.recordRequest(r.Method, rw.status, duration)

			fields := []observability.Field{
				observability.String("method", r.Method),
				observability.String("host", r.Host),
				observability.String("path", r.URL.Path),
				observability.Int("status", rw.status),
				observability.Int("size", rw.size),
				observability.Duration("duration", duration),
				observability.String("remote_addr", clientIP(r)),
				observability.String("route", route.Route()),
				observability.String("proto", r.Proto),
			}
			if session := tlspkg.SessionFromContext(r.Context()); session.Verified() {
				fields = append(fields, observability.String("client_subject", session.Identity.SubjectDN))
			}

			logger.WithContext(r.Context()).Info("access", fields...)
		})
	}
}

// clientIP returns the peer address without port. The proxy terminates
// client TLS itself, so forwarding headers from the client are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
