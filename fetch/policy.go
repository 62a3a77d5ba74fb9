package fetch

import (
	"fmt"
	"math"
	nethttp "net/http"
	"slices"
	"time"
)

// DefaultAttemptTimeout bounds a single HTTP attempt when the policy leaves it unset
const DefaultAttemptTimeout = 30 * time.Second

// DefaultRetryableStatusCodes are retried unless a policy says otherwise.
var DefaultRetryableStatusCodes = []int{
	nethttp.StatusTooManyRequests,
	nethttp.StatusInternalServerError,
	nethttp.StatusBadGateway,
	nethttp.StatusServiceUnavailable,
	nethttp.StatusGatewayTimeout,
}

// RetryPolicy configures how Execute retries an upstream. It is a value type;
// Execute never mutates it.
type RetryPolicy struct {
	// MaxAttempts is the total number of HTTP calls allowed, including the first.
	MaxAttempts int
	// InitialDelay is the sleep before the second attempt.
	InitialDelay time.Duration
	// BackoffMultiplier scales the delay after every retry; must be >= 1.
	BackoffMultiplier float64
	// RetryableStatusCodes lists statuses that trigger another attempt.
	RetryableStatusCodes []int
	// MaxDelay caps a single computed delay. Zero leaves the formula uncapped.
	MaxDelay time.Duration
	// AttemptTimeout bounds each HTTP attempt. Zero means DefaultAttemptTimeout.
	AttemptTimeout time.Duration
	// TreatEmptyAsFailure rejects well-formed but empty payloads ([], {}, null, "")
	// with InvalidShape before the validation rule runs.
	TreatEmptyAsFailure bool
}

// SingleAttempt returns a policy that never retries.
func SingleAttempt() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:          1,
		BackoffMultiplier:    1,
		RetryableStatusCodes: slices.Clone(DefaultRetryableStatusCodes),
		AttemptTimeout:       DefaultAttemptTimeout,
	}
}

// ExponentialBackoff returns a policy retrying the default status set.
func ExponentialBackoff(maxAttempts int, initialDelay time.Duration, multiplier float64) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:          maxAttempts,
		InitialDelay:         initialDelay,
		BackoffMultiplier:    multiplier,
		RetryableStatusCodes: slices.Clone(DefaultRetryableStatusCodes),
		AttemptTimeout:       DefaultAttemptTimeout,
	}
}

// RateLimitBackoff is the chat-completion policy: 3 attempts, 1s, doubling, 429 only.
func RateLimitBackoff() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:          3,
		InitialDelay:         time.Second,
		BackoffMultiplier:    2,
		RetryableStatusCodes: []int{nethttp.StatusTooManyRequests},
		AttemptTimeout:       DefaultAttemptTimeout,
	}
}

// Validate checks the policy invariants.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("initial delay cannot be negative")
	}
	if p.BackoffMultiplier < 1 || math.IsNaN(p.BackoffMultiplier) || math.IsInf(p.BackoffMultiplier, 0) {
		return fmt.Errorf("backoff multiplier must be a finite number >= 1, got %v", p.BackoffMultiplier)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max delay cannot be negative")
	}
	if p.AttemptTimeout < 0 {
		return fmt.Errorf("attempt timeout cannot be negative")
	}
	return nil
}

// IsRetryableStatus reports whether status is in RetryableStatusCodes.
func (p RetryPolicy) IsRetryableStatus(status int) bool {
	return slices.Contains(p.RetryableStatusCodes, status)
}

// Delay returns the sleep that precedes attempt+1, for attempt >= 1:
// InitialDelay * BackoffMultiplier^(attempt-1), limited by MaxDelay when set.
// Results beyond the range of time.Duration saturate at its maximum.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.InitialDelay <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p RetryPolicy) attemptTimeout() time.Duration {
	if p.AttemptTimeout <= 0 {
		return DefaultAttemptTimeout
	}
	return p.AttemptTimeout
}
