package outreach

import (
	"time"

	"github.com/ignite/outreach-engine/internal/pkg/httpretry"
)

// RetryPolicy governs transient dispatch failures: exponential backoff
// capped at MaxDelay, at most MaxAttempts attempts per step.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultRetryPolicy allows 3 attempts, 30s then 60s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute}
}

// Backoff returns the delay before the retry that follows attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return httpretry.Backoff(p.BaseDelay, p.MaxDelay, attempt, p.Jitter)
}

// Exhausted reports whether no further attempt is allowed after attempt.
func (p RetryPolicy) Exhausted(attempt int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 3
	}
	return attempt >= max
}
