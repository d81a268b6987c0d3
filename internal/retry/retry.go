package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	// DefaultMaxRetries is the number of extra attempts after the first.
	DefaultMaxRetries = 1

	// DefaultInitialBackoff is the default initial backoff duration.
	DefaultInitialBackoff = 10 * time.Millisecond

	// DefaultMaxBackoff is the default maximum backoff duration.
	DefaultMaxBackoff = time.Second

	// MaxJitterFactor is the maximum allowed jitter factor.
	MaxJitterFactor = 1.0
)

// Config contains retry configuration parameters.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	// Zero disables retrying.
	MaxRetries int

	// InitialBackoff is the wait before the first retry. Zero retries
	// immediately.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// JitterFactor adds up to this fraction of the backoff at random.
	JitterFactor float64
}

// DefaultConfig returns a single retry after a short pause.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

func (c *Config) maxRetries() int {
	if c.MaxRetries < 0 {
		return 0
	}
	return c.MaxRetries
}

func (c *Config) maxBackoff() time.Duration {
	if c.MaxBackoff <= 0 {
		return DefaultMaxBackoff
	}
	return c.MaxBackoff
}

func (c *Config) jitterFactor() float64 {
	switch {
	case c.JitterFactor < 0:
		return 0
	case c.JitterFactor > MaxJitterFactor:
		return MaxJitterFactor
	default:
		return c.JitterFactor
	}
}

// Func is one attempt. attempt starts at 0.
type Func func(attempt int) error

// ShouldRetryFunc determines if an error should trigger a retry.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before each retry attempt.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Options contains optional retry behavior configuration.
type Options struct {
	// ShouldRetry determines if an error should trigger a retry.
	// If nil, all errors are retried.
	ShouldRetry ShouldRetryFunc

	// OnRetry is called before each retry attempt.
	OnRetry OnRetryFunc
}

// Do runs fn until it succeeds, returns a non-retryable error, or runs out
// of attempts. The last error is returned.
func Do(ctx context.Context, cfg *Config, fn Func, opts *Options) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if opts == nil {
		opts = &Options{}
	}

	maxRetries := cfg.maxRetries()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}

		backoff := CalculateBackoff(attempt, cfg.InitialBackoff, cfg.maxBackoff(), cfg.jitterFactor())
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, lastErr, backoff)
		}
		if backoff <= 0 {
			continue
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// CalculateBackoff returns initial*2^attempt plus jitter, capped at max.
func CalculateBackoff(attempt int, initial, maxBackoff time.Duration, jitterFactor float64) time.Duration {
	if initial <= 0 {
		return 0
	}

	backoff := float64(initial) * math.Pow(2, float64(attempt))

	//nolint:gosec // G404: jitter for retry timing is not security-sensitive
	backoff += backoff * jitterFactor * rand.Float64()

	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}
