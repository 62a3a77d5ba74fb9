// Package upstream holds the collaborators that turn application requests into
// fetch calls: the zipcode weather service and the chat-completion provider used
// for chat and news. Each client owns its URL layout, credentials, retry policy
// and validation rule; the fetch package stays free of configuration.
package upstream

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/gaborage/communityassist/cache"
	"github.com/gaborage/communityassist/config"
	"github.com/gaborage/communityassist/fetch"
)

var (
	// ErrCircuitOpen is returned without calling the upstream while its breaker is open.
	ErrCircuitOpen = errors.New("upstream: circuit open")

	// ErrNotConfigured is returned when a required credential is missing.
	ErrNotConfigured = errors.New("upstream: credential not configured")
)

// Executor runs one resilient upstream call. *fetch.Fetcher implements it.
type Executor interface {
	Execute(ctx context.Context, desc fetch.RequestDescriptor, policy fetch.RetryPolicy, validate fetch.ValidationRule) fetch.Outcome
}

// Policy converts retry configuration into a fetch.RetryPolicy.
func Policy(cfg config.RetryConfig) fetch.RetryPolicy {
	statuses := slices.Clone(cfg.Statuses)
	if statuses == nil {
		statuses = slices.Clone(fetch.DefaultRetryableStatusCodes)
	}
	return fetch.RetryPolicy{
		MaxAttempts:          cfg.MaxAttempts,
		InitialDelay:         cfg.InitialDelay,
		BackoffMultiplier:    cfg.Multiplier,
		RetryableStatusCodes: statuses,
		MaxDelay:             cfg.MaxDelay,
		AttemptTimeout:       cfg.AttemptTimeout,
	}
}

type options struct {
	breaker  *Breaker
	cache    cache.Cache
	cacheTTL time.Duration
	policy   *fetch.RetryPolicy
}

// Option configures a client
type Option func(*options)

// WithBreaker wraps every call in b. A nil breaker disables circuit breaking.
func WithBreaker(b *Breaker) Option {
	return func(o *options) {
		o.breaker = b
	}
}

// WithCache stores successful payloads in c for ttl. Only the weather client caches.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(o *options) {
		o.cache = c
		o.cacheTTL = ttl
	}
}

// WithPolicy overrides the retry policy derived from configuration.
func WithPolicy(p fetch.RetryPolicy) Option {
	return func(o *options) {
		o.policy = &p
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
