package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avamtls/internal/observability"
	"github.com/vyrodovalexey/avamtls/internal/router"
	tlspkg "github.com/vyrodovalexey/avamtls/internal/tls"
	"github.com/vyrodovalexey/avamtls/internal/trust"
)

var dispatchTracer = otel.Tracer("avamtls/proxy")

// Resolver maps a request host and path to a routing rule.
type Resolver interface {
	Resolve(host, path string) (*router.Rule, error)
}

// Dispatcher forwards requests to the upstream of the matching rule once the
// rule's verification policy is satisfied.
type Dispatcher struct {
	resolver  Resolver
	headers   IdentityHeaders
	forwarded bool
	transport http.RoundTripper
	logger    observability.Logger
	metrics   *Metrics
	limiters  routeLimiters
	proxy     *httputil.ReverseProxy
	now       func() time.Time
}

// Option is a functional option for configuring the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics for the dispatcher.
func WithMetrics(metrics *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithTransport sets the upstream transport. It defaults to a retrying
// transport over NewTransport with zero timeouts.
func WithTransport(transport http.RoundTripper) Option {
	return func(d *Dispatcher) {
		d.transport = transport
	}
}

// WithIdentityHeaders overrides the identity header names.
func WithIdentityHeaders(headers IdentityHeaders) Option {
	return func(d *Dispatcher) {
		d.headers = headers
	}
}

// WithForwardedHeaders controls whether X-Forwarded-For, X-Forwarded-Host
// and X-Forwarded-Proto are set on forwarded requests. Enabled by default.
func WithForwardedHeaders(enabled bool) Option {
	return func(d *Dispatcher) {
		d.forwarded = enabled
	}
}

// NewDispatcher creates a dispatcher resolving rules through resolver.
func NewDispatcher(resolver Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver:  resolver,
		headers:   DefaultIdentityHeaders(),
		forwarded: true,
		logger:    observability.NopLogger(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.transport == nil {
		cfg := TransportConfig{}
		d.transport = NewRetryingTransport(NewTransport(cfg), cfg, d.logger, d.RecordRetry)
	}

	d.proxy = &httputil.ReverseProxy{
		Rewrite:        d.rewrite,
		Transport:      d.transport,
		FlushInterval:  -1,
		ErrorHandler:   d.handleUpstreamError,
		ModifyResponse: d.modifyResponse,
	}

	return d
}

// RecordRetry counts one upstream retry. It is the retry callback given to
// NewRetryingTransport.
func (d *Dispatcher) RecordRetry(req *http.Request, _ error) {
	d.metrics.recordRetry(req.URL.Host)
}

// dispatchContextKey carries the resolved rule and identity into Rewrite.
type dispatchContextKey struct{}

type dispatch struct {
	rule     *router.Rule
	identity *trust.ClientIdentity
	started  time.Time
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := dispatchTracer.Start(r.Context(), "proxy.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	routeName := ""
	defer func() {
		d.metrics.recordRequest(routeName, rw.status)
		span.SetAttributes(attribute.Int("http.response.status_code", rw.status))
	}()

	if !isCanonicalPath(r.URL.Path) {
		d.logger.Debug("non-canonical request path",
			observability.String("host", r.Host),
			observability.String("path", r.URL.Path),
			observability.String("remote_addr", r.RemoteAddr),
		)
		writeError(rw, http.StatusBadRequest, CodeInvalidPath, ErrNonCanonicalPath.Error())
		return
	}

	rule, err := d.resolver.Resolve(r.Host, r.URL.Path)
	if err != nil {
		d.logger.Debug("no route",
			observability.String("host", r.Host),
			observability.String("path", r.URL.Path),
		)
		writeError(rw, http.StatusNotFound, CodeNoRoute, "no matching route")
		return
	}
	routeName = rule.Name
	observability.RecordRoute(ctx, rule.Name)
	span.SetAttributes(
		attribute.String("route.name", rule.Name),
		attribute.String("route.policy", rule.Policy.String()),
		attribute.String("upstream.host", rule.Upstream.Host),
	)

	session := tlspkg.SessionFromContext(ctx)
	identity, ok := d.authorize(rw, r, rule, session)
	if !ok {
		return
	}

	if allowed, wait := d.limiters.allow(rule, d.now()); !allowed {
		d.metrics.recordRateLimited(rule.Name)
		rw.Header().Set("Retry-After", retryAfter(wait))
		writeError(rw, http.StatusTooManyRequests, CodeRateLimited, ErrRateLimited.Error())
		return
	}

	if identity != nil {
		span.SetAttributes(attribute.String("client.subject", identity.SubjectDN))
	}

	ctx = context.WithValue(ctx, dispatchContextKey{}, &dispatch{
		rule:     rule,
		identity: identity,
		started:  d.now(),
	})
	d.proxy.ServeHTTP(rw, r.WithContext(ctx))
}

// isCanonicalPath reports whether the decoded path p is already in
// path.Clean form, a trailing slash allowed. Routing and the upstream then
// see the same path.
func isCanonicalPath(p string) bool {
	if p == "" || p == "*" {
		return true
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned == p
}

// authorize enforces the rule's policy against the session. It writes the
// refusal and returns false when the request must not be forwarded.
func (d *Dispatcher) authorize(
	w http.ResponseWriter,
	r *http.Request,
	rule *router.Rule,
	session *tlspkg.Session,
) (*trust.ClientIdentity, bool) {
	switch rule.Policy {
	case tlspkg.PolicyNone:
		return nil, true

	case tlspkg.PolicyOptional:
		if session.PresentedInvalid() {
			d.refuse(w, r, rule, session.VerifyError)
			return nil, false
		}
		if session.Verified() {
			return session.Identity, true
		}
		return nil, true

	default:
		if session.Verified() {
			return session.Identity, true
		}
		var verr *trust.VerificationError
		if session.PresentedInvalid() {
			verr = session.VerifyError
		}
		d.refuse(w, r, rule, verr)
		return nil, false
	}
}

// refuse answers 403. verr is nil when no certificate was presented.
func (d *Dispatcher) refuse(
	w http.ResponseWriter,
	r *http.Request,
	rule *router.Rule,
	verr *trust.VerificationError,
) {
	if verr == nil {
		d.metrics.recordForbidden(rule.Name, string(trust.ReasonNoCertificate))
		d.logger.Info("client certificate required",
			observability.String("route", rule.Name),
			observability.String("remote_addr", r.RemoteAddr),
		)
		writeError(w, http.StatusForbidden, CodeForbidden, ErrForbidden.Error())
		return
	}

	d.metrics.recordForbidden(rule.Name, string(verr.Reason))
	d.logger.Info("client certificate verification failed",
		observability.String("route", rule.Name),
		observability.String("remote_addr", r.RemoteAddr),
		observability.String("reason", string(verr.Reason)),
		observability.String("subject", verr.Subject),
	)
	writeError(w, http.StatusForbidden, CodeVerificationFailed, verr.Error())
}

// rewrite builds the outbound request.
func (d *Dispatcher) rewrite(pr *httputil.ProxyRequest) {
	dp, _ := pr.In.Context().Value(dispatchContextKey{}).(*dispatch)
	if dp == nil {
		return
	}

	pr.SetURL(dp.rule.Upstream)
	if d.forwarded {
		pr.SetXForwarded()
	}
	d.headers.Apply(pr.Out.Header, dp.identity)
	observability.InjectTraceContext(pr.Out.Context(), pr.Out.Header)
}

// modifyResponse records upstream latency. The response is passed through
// unchanged.
func (d *Dispatcher) modifyResponse(resp *http.Response) error {
	if dp, ok := resp.Request.Context().Value(dispatchContextKey{}).(*dispatch); ok {
		d.metrics.recordUpstream(dp.rule.Name, d.now().Sub(dp.started))
	}
	return nil
}

// handleUpstreamError answers a failed upstream exchange with 502.
func (d *Dispatcher) handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	dp, _ := r.Context().Value(dispatchContextKey{}).(*dispatch)
	routeName, upstream := "", ""
	if dp != nil {
		routeName, upstream = dp.rule.Name, dp.rule.Upstream.Host
		d.metrics.recordUpstream(routeName, d.now().Sub(dp.started))
	}

	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		d.metrics.recordUpstreamError(routeName, "client_canceled")
		d.logger.Debug("client went away before the upstream answered",
			observability.String("route", routeName),
			observability.String("upstream", upstream),
		)
		w.WriteHeader(statusClientClosedRequest)
		return
	}

	perr := NewUpstreamError(routeName, upstream, err)
	observability.RecordError(r.Context(), perr)

	if errors.Is(err, ErrCircuitOpen) {
		d.metrics.recordUpstreamError(routeName, "circuit_open")
		writeError(w, http.StatusBadGateway, CodeUpstreamUnavailable, ErrCircuitOpen.Error())
		return
	}

	d.metrics.recordUpstreamError(routeName, "transport")
	d.logger.Warn("upstream unavailable",
		observability.String("route", routeName),
		observability.String("upstream", upstream),
		observability.Error(err),
	)
	writeError(w, http.StatusBadGateway, CodeUpstreamUnavailable, ErrUpstreamUnavailable.Error())
}

// statusClientClosedRequest is recorded when the client cancels. The client
// never sees it.
const statusClientClosedRequest = 499

// statusWriter captures the response status.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

// WriteHeader captures the status code.
func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write writes body bytes, implying a 200 status.
func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for streaming responses.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
