package proxy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/observability"
)

var breakerTracer = otel.Tracer("avamtls/circuitbreaker")

// BreakerConfig configures the per-upstream circuit breakers.
type BreakerConfig struct {
	Enabled   bool
	Threshold int
	Timeout   time.Duration
}

// BreakerConfigFromConfig converts circuit breaker configuration.
func BreakerConfigFromConfig(cfg config.CircuitBreakerConfig) BreakerConfig {
	return BreakerConfig{
		Enabled:   cfg.Enabled,
		Threshold: cfg.Threshold,
		Timeout:   cfg.Timeout.Duration(),
	}
}

// BreakerTransport rejects requests to an upstream whose breaker is open.
// Only transport failures count; any upstream response, including 5xx, is
// a success.
type BreakerTransport struct {
	next     http.RoundTripper
	cfg      BreakerConfig
	logger   observability.Logger
	metrics  *Metrics
	breakers sync.Map // upstream host -> *gobreaker.CircuitBreaker
}

// NewBreakerTransport wraps next with circuit breakers keyed by upstream host.
func NewBreakerTransport(
	next http.RoundTripper,
	cfg BreakerConfig,
	logger observability.Logger,
	metrics *Metrics,
) *BreakerTransport {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = config.DefaultBreakerThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultBreakerTimeout
	}
	return &BreakerTransport{
		next:    next,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *BreakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.cfg.Enabled {
		return t.next.RoundTrip(req)
	}

	cb := t.breaker(req.URL.Host)
	result, err := cb.Execute(func() (interface{}, error) {
		return t.next.RoundTrip(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			t.logger.Warn("circuit breaker rejected upstream request",
				observability.String("upstream", req.URL.Host),
				observability.String("state", cb.State().String()),
			)
			if req.Body != nil {
				_ = req.Body.Close()
			}
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

// State returns the breaker state of upstream, closed if none exists yet.
func (t *BreakerTransport) State(upstream string) gobreaker.State {
	if v, ok := t.breakers.Load(upstream); ok {
		return v.(*gobreaker.CircuitBreaker).State()
	}
	return gobreaker.StateClosed
}

func (t *BreakerTransport) breaker(upstream string) *gobreaker.CircuitBreaker {
	if v, ok := t.breakers.Load(upstream); ok {
		return v.(*gobreaker.CircuitBreaker)
	}

	threshold := safeIntToUint32(t.cfg.Threshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        upstream,
		MaxRequests: 1,
		Timeout:     t.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: t.onStateChange,
	})

	actual, _ := t.breakers.LoadOrStore(upstream, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

func (t *BreakerTransport) onStateChange(name string, from, to gobreaker.State) {
	t.logger.Info("circuit breaker state change",
		observability.String("upstream", name),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
	)
	t.metrics.recordBreakerTransition(name, from.String(), to.String(), int(to))

	_, span := breakerTracer.Start(context.Background(),
		"circuitbreaker.state_change",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.AddEvent("state_change", trace.WithAttributes(
		attribute.String("circuitbreaker.upstream", name),
		attribute.String("circuitbreaker.from", from.String()),
		attribute.String("circuitbreaker.to", to.String()),
	))
	span.End()
}

// safeIntToUint32 clamps n to the uint32 range.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
