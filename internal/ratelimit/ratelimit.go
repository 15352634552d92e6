// Package ratelimit wraps a GCRA rate limiter behind the single question
// the scheduler asks: may this scope act now, and if not, when.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// Limiter answers rate-limit checks per scope key. A denied check never
// consumes quota for a later one.
type Limiter struct {
	limiter *throttled.GCRARateLimiter
}

// New creates a Limiter allowing perMinute sustained requests with the
// given burst headroom per scope.
func New(perMinute, burst int) (*Limiter, error) {
	st, err := memstore.New(65536)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit store: %w", err)
	}

	quota := throttled.RateQuota{
		MaxRate:  throttled.PerMin(perMinute),
		MaxBurst: burst,
	}
	gcra, err := throttled.NewGCRARateLimiter(st, quota)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	return &Limiter{limiter: gcra}, nil
}

// Allow reports whether the scope may act now. When denied, retryAfter
// is how long until the next permitted attempt.
func (l *Limiter) Allow(scope string) (ok bool, retryAfter time.Duration, err error) {
	limited, result, err := l.limiter.RateLimit(scope, 1)
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}
	if limited {
		return false, result.RetryAfter, nil
	}
	return true, 0, nil
}
