package upstream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/communityassist/cache"
	cachetest "github.com/gaborage/communityassist/cache/testing"
	"github.com/gaborage/communityassist/config"
	"github.com/gaborage/communityassist/fetch"
	"github.com/gaborage/communityassist/logger"
)

const observations = `[{"zipcode":10001,"TMAX":75}]`

func weatherConfig(baseURL string) config.WeatherConfig {
	return config.WeatherConfig{
		BaseURL:         baseURL,
		RequireNonEmpty: true,
		Retry: config.RetryConfig{
			MaxAttempts:    2,
			Multiplier:     1,
			Statuses:       []int{http.StatusServiceUnavailable},
			AttemptTimeout: time.Second,
		},
	}
}

func TestWeatherLookup(t *testing.T) {
	requests := make(chan *http.Request, 1)
	srv, calls := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		jsonResponse(http.StatusOK, observations)(w, r)
	})

	client := NewWeatherClient(newExecutor(), weatherConfig(srv.URL+"/"), logger.Nop())
	report, err := client.Lookup(context.Background(), "10001")
	require.NoError(t, err)

	got := <-requests
	assert.Equal(t, "/weather/zipcode/10001", got.URL.Path)
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "10001", report.Zipcode)
	assert.JSONEq(t, observations, string(report.Observations))
	assert.False(t, report.Cached)
	assert.Equal(t, 1, report.Attempts)
}

func TestWeatherLookupRetriesUnavailable(t *testing.T) {
	var attempts atomic.Int32
	srv, calls := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			jsonResponse(http.StatusServiceUnavailable, `{"error":"warming up"}`)(w, r)
			return
		}
		jsonResponse(http.StatusOK, observations)(w, r)
	})
	client := NewWeatherClient(newExecutor(), weatherConfig(srv.URL), logger.Nop())

	report, err := client.Lookup(context.Background(), "10001")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWeatherLookupEmptyResult(t *testing.T) {
	srv, calls := stubServer(t, jsonResponse(http.StatusOK, `[]`))

	t.Run("required_non_empty", func(t *testing.T) {
		client := NewWeatherClient(newExecutor(), weatherConfig(srv.URL), logger.Nop())
		_, err := client.Lookup(context.Background(), "99999")
		assert.True(t, fetch.IsKind(err, fetch.InvalidShape))
	})

	t.Run("pass_through", func(t *testing.T) {
		cfg := weatherConfig(srv.URL)
		cfg.RequireNonEmpty = false
		client := NewWeatherClient(newExecutor(), cfg, logger.Nop())

		report, err := client.Lookup(context.Background(), "99999")
		require.NoError(t, err)
		assert.JSONEq(t, `[]`, string(report.Observations))
	})

	t.Run("treat_empty_as_failure", func(t *testing.T) {
		cfg := weatherConfig(srv.URL)
		cfg.RequireNonEmpty = false
		cfg.TreatEmptyAsFailure = true
		client := NewWeatherClient(newExecutor(), cfg, logger.Nop())

		_, err := client.Lookup(context.Background(), "99999")
		assert.True(t, fetch.IsKind(err, fetch.InvalidShape))
	})

	assert.Equal(t, int32(3), calls.Load())
}

func TestWeatherLookupRejectsNonArray(t *testing.T) {
	srv, _ := stubServer(t, jsonResponse(http.StatusOK, `{"error":"unknown zipcode"}`))
	client := NewWeatherClient(newExecutor(), weatherConfig(srv.URL), logger.Nop())

	_, err := client.Lookup(context.Background(), "10001")
	assert.True(t, fetch.IsKind(err, fetch.InvalidShape))
}

func TestWeatherLookupUsesCache(t *testing.T) {
	srv, calls := stubServer(t, jsonResponse(http.StatusOK, observations))
	store := cachetest.NewMockCache()
	client := NewWeatherClient(newExecutor(), weatherConfig(srv.URL), logger.Nop(),
		WithCache(store, 5*time.Minute))

	first, err := client.Lookup(context.Background(), "10001")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := client.Lookup(context.Background(), "10001")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.JSONEq(t, observations, string(second.Observations))

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, store.Has("weather:zipcode:10001"))
}

func TestWeatherLookupDoesNotCacheFailures(t *testing.T) {
	srv, calls := stubServer(t, jsonResponse(http.StatusOK, `[]`))
	store := cachetest.NewMockCache()
	client := NewWeatherClient(newExecutor(), weatherConfig(srv.URL), logger.Nop(),
		WithCache(store, time.Minute))

	for range 2 {
		_, err := client.Lookup(context.Background(), "10001")
		require.Error(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, store.Keys())
}

func TestWeatherLookupSurvivesCacheErrors(t *testing.T) {
	srv, calls := stubServer(t, jsonResponse(http.StatusOK, observations))
	down := cache.NewConnectionError("get", "redis:6379", errors.New("connection refused"))
	store := cachetest.NewMockCache().WithGetFailure(down).WithSetFailure(down)
	client := NewWeatherClient(newExecutor(), weatherConfig(srv.URL), logger.Nop(),
		WithCache(store, time.Minute))

	report, err := client.Lookup(context.Background(), "10001")
	require.NoError(t, err)
	assert.False(t, report.Cached)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), store.OperationCount("Set"))
}

func TestWeatherLookupSharesConcurrentMisses(t *testing.T) {
	arrived := make(chan struct{}, 8)
	release := make(chan struct{})
	srv, calls := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		jsonResponse(http.StatusOK, observations)(w, r)
	})
	client := NewWeatherClient(newExecutor(), weatherConfig(srv.URL), logger.Nop())

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Lookup(context.Background(), "10001")
			errs <- err
		}()
	}

	<-arrived
	// give the remaining callers time to join the in-flight lookup
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestWeatherLookupCancelledWhileWaiting(t *testing.T) {
	release := make(chan struct{})
	srv, _ := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		jsonResponse(http.StatusOK, observations)(w, r)
	})
	defer close(release)
	client := NewWeatherClient(newExecutor(), weatherConfig(srv.URL), logger.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Lookup(ctx, "10001")
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	var failure *fetch.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, fetch.Cancelled, failure.Kind)
	assert.Equal(t, 1, failure.Attempts)
}

func TestWeatherLookupCancelStopsRetries(t *testing.T) {
	srv, calls := stubServer(t, jsonResponse(http.StatusServiceUnavailable, `{"error":"down"}`))
	client := NewWeatherClient(newExecutor(), weatherConfig(srv.URL), logger.Nop(),
		WithPolicy(fetch.RetryPolicy{
			MaxAttempts:          3,
			InitialDelay:         200 * time.Millisecond,
			BackoffMultiplier:    1,
			RetryableStatusCodes: []int{http.StatusServiceUnavailable},
			AttemptTimeout:       time.Second,
		}))

	// expires during the first backoff sleep
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Lookup(ctx, "10001")

	var failure *fetch.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, fetch.Cancelled, failure.Kind)
	assert.Equal(t, 1, failure.Attempts)

	// the remaining attempts would have fired by now
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWeatherLookupSharedCallOutlivesOneWaiter(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv, calls := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		jsonResponse(http.StatusOK, observations)(w, r)
	})
	client := NewWeatherClient(newExecutor(), weatherConfig(srv.URL), logger.Nop())

	impatient, cancel := context.WithCancel(context.Background())
	defer cancel()
	impatientErr := make(chan error, 1)
	go func() {
		_, err := client.Lookup(impatient, "10001")
		impatientErr <- err
	}()
	<-arrived

	patientReport := make(chan *WeatherReport, 1)
	patientErr := make(chan error, 1)
	go func() {
		report, err := client.Lookup(context.Background(), "10001")
		patientReport <- report
		patientErr <- err
	}()
	// give the second caller time to join the in-flight lookup
	time.Sleep(100 * time.Millisecond)

	cancel()
	err := <-impatientErr
	var failure *fetch.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, fetch.Cancelled, failure.Kind)
	assert.Equal(t, 0, failure.Attempts)

	close(release)
	require.NoError(t, <-patientErr)
	report := <-patientReport
	require.NotNil(t, report)
	assert.JSONEq(t, observations, string(report.Observations))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWeatherLookupBreakerOpens(t *testing.T) {
	srv, calls := stubServer(t, jsonResponse(http.StatusServiceUnavailable, `{"error":"down"}`))
	breaker := NewBreaker("weather", config.BreakerConfig{
		Enabled:     true,
		Failures:    2,
		OpenTimeout: time.Minute,
	}, logger.Nop())
	client := NewWeatherClient(newExecutor(), weatherConfig(srv.URL), logger.Nop(),
		WithBreaker(breaker), WithPolicy(quickPolicy(1, http.StatusServiceUnavailable)))

	for range 2 {
		_, err := client.Lookup(context.Background(), "10001")
		assert.True(t, fetch.IsKind(err, fetch.RetryExhausted))
	}

	_, err := client.Lookup(context.Background(), "10001")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
	assert.Same(t, breaker, client.Breaker())
}
