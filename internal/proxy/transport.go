package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/observability"
	"github.com/vyrodovalexey/avamtls/internal/retry"
)

// TransportConfig configures the upstream connection pool.
type TransportConfig struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	RetryBackoff          time.Duration
}

// TransportConfigFromConfig converts upstream configuration.
func TransportConfigFromConfig(cfg config.UpstreamConfig) TransportConfig {
	return TransportConfig{
		DialTimeout:           cfg.DialTimeout.Duration(),
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout.Duration(),
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout.Duration(),
		RetryBackoff:          cfg.RetryBackoff.Duration(),
	}
}

// NewTransport returns the shared keep-alive transport for upstreams.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          0,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   cfg.DialTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

// newFreshTransport returns a transport that never reuses connections.
func newFreshTransport(cfg TransportConfig) *http.Transport {
	t := NewTransport(cfg)
	t.DisableKeepAlives = true
	return t
}

// RetryingTransport sends through the shared pool and, on a connection-level
// failure before any request body byte was consumed, retries exactly once
// on a fresh connection.
type RetryingTransport struct {
	pooled  http.RoundTripper
	fresh   func() http.RoundTripper
	retry   *retry.Config
	logger  observability.Logger
	onRetry func(req *http.Request, err error)
}

// NewRetryingTransport creates a RetryingTransport over pooled.
func NewRetryingTransport(
	pooled http.RoundTripper,
	cfg TransportConfig,
	logger observability.Logger,
	onRetry func(req *http.Request, err error),
) *RetryingTransport {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RetryingTransport{
		pooled: pooled,
		fresh:  func() http.RoundTripper { return newFreshTransport(cfg) },
		retry: &retry.Config{
			MaxRetries:     1,
			InitialBackoff: cfg.RetryBackoff,
			MaxBackoff:     time.Second,
		},
		logger:  logger,
		onRetry: onRetry,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *RetryingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body *trackedBody
	if req.Body != nil && req.Body != http.NoBody {
		body = newTrackedBody(req.Body)
	}

	var resp *http.Response
	err := retry.Do(req.Context(), t.retry, func(attempt int) error {
		out := req
		rt := t.pooled
		if attempt > 0 {
			out = req.Clone(req.Context())
			rt = t.fresh()
		}
		if body != nil {
			out.Body = body.attach()
		}

		var err error
		resp, err = rt.RoundTrip(out)
		return err
	}, &retry.Options{
		ShouldRetry: func(err error) bool {
			if req.Context().Err() != nil || !isConnectionError(err) {
				return false
			}
			return body == nil || body.detach() == 0
		},
		OnRetry: func(_ int, err error, _ time.Duration) {
			t.logger.Debug("retrying upstream request on a fresh connection",
				observability.String("upstream", req.URL.Host),
				observability.Error(err),
			)
			if t.onRetry != nil {
				t.onRetry(req, err)
			}
		},
	})

	if body != nil && err != nil {
		_ = body.Close()
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// isConnectionError reports whether err is a connection-level failure
// worth one retry.
func isConnectionError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial" || !opErr.Timeout()
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// trackedBody shares one request body across attempts and records whether
// any attempt consumed bytes from it.
type trackedBody struct {
	mu     sync.Mutex
	rc     io.ReadCloser
	read   int64
	closed bool
	gen    int
}

func newTrackedBody(rc io.ReadCloser) *trackedBody {
	return &trackedBody{rc: rc}
}

// attach returns a reader bound to a new attempt. Readers of earlier
// attempts stop working.
func (b *trackedBody) attach() io.ReadCloser {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	return &attemptBody{body: b, gen: b.gen}
}

// detach invalidates the current attempt and returns the bytes read so far.
func (b *trackedBody) detach() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	return b.read
}

func (b *trackedBody) readFor(gen int, p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen || b.closed {
		return 0, errBodyDetached
	}
	n, err := b.rc.Read(p)
	b.read += int64(n)
	return n, err
}

// Close closes the underlying body.
func (b *trackedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.rc.Close()
}

var errBodyDetached = errors.New("request body detached from attempt")

type attemptBody struct {
	body *trackedBody
	gen  int
}

func (a *attemptBody) Read(p []byte) (int, error) {
	return a.body.readFor(a.gen, p)
}

// Close is a no-op. The transport closes the body of a failed attempt, and
// the shared body must survive for the retry; the server closes it after
// the handler returns.
func (a *attemptBody) Close() error {
	return nil
}
