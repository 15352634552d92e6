package scheduler

import (
	"time"

	"github.com/postcrafter/postcrafter-api/internal/domain"
)

// RetryPolicy decides whether and when a failed execution is retried.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Delay returns the backoff before the given retry attempt (1-based):
// BaseDelay doubled per attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether an execution with the given terminal
// status and prior retry count gets another attempt. Only failures and
// timeouts are retried; cancellation and success never are.
func (p RetryPolicy) ShouldRetry(status domain.ExecutionStatus, retryCount int) bool {
	if status != domain.ExecutionFailed && status != domain.ExecutionTimeout {
		return false
	}
	return retryCount < p.MaxRetries
}
