package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gaborage/communityassist/cache"
	"github.com/gaborage/communityassist/config"
	"github.com/gaborage/communityassist/fetch"
	"github.com/gaborage/communityassist/logger"
)

const weatherKeyPrefix = "weather:zipcode:"

// WeatherReport is a validated weather payload for one zipcode.
type WeatherReport struct {
	Zipcode string
	// Observations is the upstream JSON array, passed through unchanged.
	Observations json.RawMessage
	Cached       bool
	Attempts     int
	FetchedAt    time.Time
}

// WeatherClient looks up observations by zipcode.
//
// Successful payloads are cached, and concurrent misses for one zipcode share a
// single upstream call. The shared call runs on its own context, which is
// cancelled once every caller waiting on it has gone, so an abandoned lookup
// stops retrying instead of running to completion in the background.
type WeatherClient struct {
	exec     Executor
	baseURL  string
	policy   fetch.RetryPolicy
	rule     fetch.ValidationRule
	breaker  *Breaker
	cache    cache.Cache
	cacheTTL time.Duration
	logger   logger.Logger
	group    singleflight.Group
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*sharedLookup
	seq      uint64
}

// sharedLookup is one in-flight upstream call and the number of callers waiting on it.
type sharedLookup struct {
	// flightKey is unique per call so a cancelled call is never joined again
	flightKey string
	ctx       context.Context
	cancel    context.CancelFunc
	waiters   int
}

// NewWeatherClient creates a weather client from configuration.
func NewWeatherClient(exec Executor, cfg config.WeatherConfig, log logger.Logger, opts ...Option) *WeatherClient {
	if log == nil {
		log = logger.Nop()
	}
	o := buildOptions(opts)

	policy := Policy(cfg.Retry)
	if o.policy != nil {
		policy = *o.policy
	}
	policy.TreatEmptyAsFailure = cfg.TreatEmptyAsFailure

	rule := fetch.IsArray()
	if cfg.RequireNonEmpty {
		rule = fetch.IsNonEmptyArray()
	}

	return &WeatherClient{
		exec:     exec,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		policy:   policy,
		rule:     rule,
		breaker:  o.breaker,
		cache:    o.cache,
		cacheTTL: o.cacheTTL,
		logger:   log,
		now:      time.Now,
		inflight: make(map[string]*sharedLookup),
	}
}

// Lookup returns the observations for zipcode. Errors are *fetch.Failure values
// or ErrCircuitOpen.
//
// When ctx ends and no other caller shares the upstream call, the call is
// cancelled and Lookup returns its Cancelled failure, whose Attempts counts the
// HTTP calls that were made. When other callers still wait, the call continues
// for them and this caller gets a Cancelled failure with zero attempts.
func (c *WeatherClient) Lookup(ctx context.Context, zipcode string) (*WeatherReport, error) {
	key := weatherKeyPrefix + zipcode

	if report := c.cached(ctx, key, zipcode); report != nil {
		return report, nil
	}

	call := c.join(ctx, key)
	ch := c.group.DoChan(call.flightKey, func() (any, error) {
		return c.fetch(call.ctx, key, zipcode)
	})

	select {
	case res := <-ch:
		c.leave(key, call)
		return weatherResult(res)
	case <-ctx.Done():
		if !c.leave(key, call) {
			return nil, fetch.NewFailure(fetch.Cancelled,
				"stopped waiting for shared weather lookup", ctx.Err())
		}
		// the call was cancelled on our behalf and returns promptly
		return weatherResult(<-ch)
	}
}

func weatherResult(res singleflight.Result) (*WeatherReport, error) {
	if res.Err != nil {
		return nil, res.Err
	}
	report := *res.Val.(*WeatherReport)
	return &report, nil
}

// join registers a waiter on the in-flight call for key, starting a new one if needed.
func (c *WeatherClient) join(ctx context.Context, key string) *sharedLookup {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.inflight[key]
	if !ok {
		c.seq++
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		call = &sharedLookup{
			flightKey: key + "#" + strconv.FormatUint(c.seq, 10),
			ctx:       callCtx,
			cancel:    cancel,
		}
		c.inflight[key] = call
	}
	call.waiters++
	return call
}

// leave removes a waiter and reports whether it was the last one, in which
// case the call's context has been cancelled.
func (c *WeatherClient) leave(key string, call *sharedLookup) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	call.waiters--
	if call.waiters > 0 {
		return false
	}
	call.cancel()
	if c.inflight[key] == call {
		delete(c.inflight, key)
	}
	return true
}

func (c *WeatherClient) cached(ctx context.Context, key, zipcode string) *WeatherReport {
	if c.cache == nil {
		return nil
	}

	payload, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.WithContext(ctx).Warn().
				Err(err).
				Str("zipcode", zipcode).
				Msg("Weather cache read failed, calling upstream")
		}
		return nil
	}

	return &WeatherReport{
		Zipcode:      zipcode,
		Observations: json.RawMessage(payload),
		Cached:       true,
	}
}

func (c *WeatherClient) fetch(ctx context.Context, key, zipcode string) (*WeatherReport, error) {
	desc := fetch.Get(c.baseURL+"/weather/zipcode/"+url.PathEscape(zipcode), map[string]string{
		"Accept": "application/json",
	})

	out, err := c.breaker.Execute(func() fetch.Outcome {
		return c.exec.Execute(ctx, desc, c.policy, c.rule)
	})
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, out.Payload, c.cacheTTL); err != nil {
			c.logger.WithContext(ctx).Warn().
				Err(err).
				Str("zipcode", zipcode).
				Msg("Weather cache write failed")
		}
	}

	return &WeatherReport{
		Zipcode:      zipcode,
		Observations: out.Payload,
		Attempts:     out.Attempts,
		FetchedAt:    c.now(),
	}, nil
}

// Breaker returns the client's breaker, nil when disabled.
func (c *WeatherClient) Breaker() *Breaker {
	return c.breaker
}
