package upstream

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"

	"github.com/gaborage/communityassist/config"
	"github.com/gaborage/communityassist/fetch"
	"github.com/gaborage/communityassist/logger"
)

// Breaker stops calling an upstream after repeated unavailability.
// Only failures that say the upstream is down trip it: NetworkFailure,
// RetryExhausted and UpstreamServerError. Client errors and bad payloads
// count as successes, and cancellations are ignored.
// A nil *Breaker runs calls directly.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[fetch.Outcome]
}

// NewBreaker creates a breaker named name, or returns nil when cfg is disabled.
func NewBreaker(name string, cfg config.BreakerConfig, log logger.Logger) *Breaker {
	if !cfg.Enabled {
		return nil
	}
	if log == nil {
		log = logger.Nop()
	}

	failures := cfg.Failures
	if failures == 0 {
		failures = 1
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
		IsExcluded: func(err error) bool {
			return fetch.IsKind(err, fetch.Cancelled)
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker[fetch.Outcome](settings)}
}

// Execute runs call through the breaker. The returned error is the outcome's
// Failure, or ErrCircuitOpen when the call was rejected.
func (b *Breaker) Execute(call func() fetch.Outcome) (fetch.Outcome, error) {
	if b == nil {
		out := call()
		return out, out.Err()
	}

	out, err := b.cb.Execute(func() (fetch.Outcome, error) {
		out := call()
		return out, out.Err()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fetch.Outcome{}, fmt.Errorf("%w: %s: %w", ErrCircuitOpen, b.cb.Name(), err)
	}
	return out, err
}

// State returns the breaker state name, "disabled" for a nil breaker.
func (b *Breaker) State() string {
	if b == nil {
		return "disabled"
	}
	return b.cb.State().String()
}

func countsAsFailure(err error) bool {
	switch fetch.KindOf(err) {
	case fetch.NetworkFailure, fetch.RetryExhausted, fetch.UpstreamServerError:
		return true
	default:
		return false
	}
}
