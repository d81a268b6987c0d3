package proxy

import (
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avamtls/internal/router"
)

// routeLimiter is the bucket of one route together with the limit it was
// built for.
type routeLimiter struct {
	limit   router.RateLimit
	limiter *rate.Limiter
}

// routeLimiters holds one token bucket per rate-limited route name. A reload
// that changes a route's limit replaces its bucket.
type routeLimiters struct {
	mu       sync.Mutex
	limiters map[string]*routeLimiter
}

// limiterFor returns the bucket for rule, creating or replacing it when the
// limit changed.
func (l *routeLimiters) limiterFor(rule *router.Rule) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limiters == nil {
		l.limiters = make(map[string]*routeLimiter)
	}
	if rl, ok := l.limiters[rule.Name]; ok && rl.limit == *rule.RateLimit {
		return rl.limiter
	}

	rl := &routeLimiter{
		limit:   *rule.RateLimit,
		limiter: rate.NewLimiter(rate.Limit(rule.RateLimit.RequestsPerSecond), rule.RateLimit.Burst),
	}
	l.limiters[rule.Name] = rl
	return rl.limiter
}

// len returns the number of buckets held.
func (l *routeLimiters) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// allow reports whether rule may serve a request now. When it may not, the
// second value is how long until a token is available.
func (l *routeLimiters) allow(rule *router.Rule, now time.Time) (bool, time.Duration) {
	if rule.RateLimit == nil || rule.RateLimit.RequestsPerSecond <= 0 {
		return true, 0
	}

	r := l.limiterFor(rule).ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// retryAfter formats d as whole seconds for the Retry-After header.
func retryAfter(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
