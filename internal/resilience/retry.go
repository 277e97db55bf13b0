package resilience

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the retry loop for one dependency call.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff: base * 2^attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff before jitter.
	MaxDelay time.Duration
	// PerAttemptTimeout is the deadline applied to each individual try.
	PerAttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the production retry policy: three
// attempts, 500ms base, 10s cap, 5s per-attempt deadline to keep a
// voice conversation responsive.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		PerAttemptTimeout: 5 * time.Second,
	}
}

// withDefaults fills zero fields from the default policy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.PerAttemptTimeout <= 0 {
		p.PerAttemptTimeout = def.PerAttemptTimeout
	}
	return p
}

// backoff returns the delay before retry number attempt (0-based),
// jittered to avoid synchronized retries across concurrent sessions.
// The returned delay is always at least base * 2^attempt.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay << uint(attempt) //nolint:gosec // attempt is small
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(p.BaseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
	return delay + jitter
}
