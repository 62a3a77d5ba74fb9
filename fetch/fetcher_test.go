package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gaborage/communityassist/logger"
)

const weatherBody = `[{"zipcode":10001,"TMAX":75}]`

// recordingTimer fires immediately and remembers every requested delay.
type recordingTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingTimer) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (r *recordingTimer) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// stalledTimer never fires and reports each scheduled sleep on scheduled.
type stalledTimer struct {
	scheduled chan time.Duration
}

func (s *stalledTimer) After(d time.Duration) <-chan time.Time {
	s.scheduled <- d
	return make(chan time.Time)
}

type roundTripperFunc func(*nethttp.Request) (*nethttp.Response, error)

func (f roundTripperFunc) RoundTrip(r *nethttp.Request) (*nethttp.Response, error) {
	return f(r)
}

// countingServer responds with status and body and counts calls.
func countingServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestFetcher(opts ...Option) *Fetcher {
	return New(logger.Nop(), opts...)
}

func policyFor(maxAttempts int, statuses ...int) RetryPolicy {
	p := ExponentialBackoff(maxAttempts, time.Millisecond, 2)
	if len(statuses) > 0 {
		p.RetryableStatusCodes = statuses
	}
	return p
}

func TestExecuteRetriesRateLimitedUntilExhausted(t *testing.T) {
	for _, maxAttempts := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("max_attempts_%d", maxAttempts), func(t *testing.T) {
			srv, calls := countingServer(t, nethttp.StatusTooManyRequests, `{"error":"slow down"}`)
			f := newTestFetcher(WithTimer(&recordingTimer{}))

			out := f.Execute(context.Background(), Get(srv.URL, nil), policyFor(maxAttempts, 429), Accept())

			require.False(t, out.OK())
			assert.Equal(t, RetryExhausted, out.Failure.Kind)
			assert.Equal(t, maxAttempts, out.Failure.Attempts)
			assert.Equal(t, maxAttempts, out.Attempts)
			assert.Equal(t, nethttp.StatusTooManyRequests, out.Failure.StatusCode)
			assert.JSONEq(t, `{"error":"slow down"}`, string(out.Failure.Body))
			assert.Equal(t, int32(maxAttempts), calls.Load())
			assert.True(t, IsKind(out.Err(), RetryExhausted))
			assert.Equal(t, UpstreamClientError, KindOf(errors.Unwrap(out.Failure)))
		})
	}
}

func TestExecuteNotFoundIsTerminal(t *testing.T) {
	for _, maxAttempts := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("max_attempts_%d", maxAttempts), func(t *testing.T) {
			srv, calls := countingServer(t, nethttp.StatusNotFound, `{"message":"no such zip"}`)
			timer := &recordingTimer{}
			f := newTestFetcher(WithTimer(timer))

			out := f.Execute(context.Background(), Get(srv.URL, nil), policyFor(maxAttempts), Accept())

			require.NotNil(t, out.Failure)
			assert.Equal(t, UpstreamClientError, out.Failure.Kind)
			assert.Equal(t, 1, out.Failure.Attempts)
			assert.Equal(t, nethttp.StatusNotFound, out.Failure.StatusCode)
			assert.Equal(t, int32(1), calls.Load())
			assert.Empty(t, timer.Delays())
		})
	}
}

func TestExecuteEmptyArrayIsInvalidShape(t *testing.T) {
	srv, calls := countingServer(t, nethttp.StatusOK, `[]`)
	f := newTestFetcher(WithTimer(&recordingTimer{}))

	out := f.Execute(context.Background(), Get(srv.URL, nil), policyFor(3), IsNonEmptyArray())

	require.NotNil(t, out.Failure)
	assert.Equal(t, InvalidShape, out.Failure.Kind)
	assert.Equal(t, "expected non-empty array: empty payload", out.Failure.Message)
	assert.ErrorIs(t, out.Failure, ErrEmptyPayload)
	assert.Equal(t, 1, out.Failure.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteNonJSONIsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "html", body: "<html>oops</html>"},
		{name: "empty", body: ""},
		{name: "trailing_data", body: `[1] [2]`},
		{name: "truncated", body: `{"a":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := countingServer(t, nethttp.StatusOK, tt.body)
			f := newTestFetcher(WithTimer(&recordingTimer{}))

			out := f.Execute(context.Background(), Get(srv.URL, nil), policyFor(3), Accept())

			require.NotNil(t, out.Failure)
			assert.Equal(t, MalformedResponse, out.Failure.Kind)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestExecuteBackoffSchedule(t *testing.T) {
	srv, calls := countingServer(t, nethttp.StatusServiceUnavailable, `{}`)
	timer := &recordingTimer{}
	f := newTestFetcher(WithTimer(timer))

	policy := ExponentialBackoff(4, time.Second, 2)
	out := f.Execute(context.Background(), Get(srv.URL, nil), policy, Accept())

	require.NotNil(t, out.Failure)
	assert.Equal(t, RetryExhausted, out.Failure.Kind)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, timer.Delays())
}

func TestExecuteCancelDuringBackoff(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var calls atomic.Int32
	client := &nethttp.Client{Transport: roundTripperFunc(func(r *nethttp.Request) (*nethttp.Response, error) {
		calls.Add(1)
		return &nethttp.Response{
			StatusCode: nethttp.StatusTooManyRequests,
			Body:       io.NopCloser(strings.NewReader(`{}`)),
			Header:     make(nethttp.Header),
			Request:    r,
		}, nil
	})}
	timer := &stalledTimer{scheduled: make(chan time.Duration, 1)}
	f := newTestFetcher(WithHTTPClient(client), WithTimer(timer))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan Outcome, 1)
	go func() {
		result <- f.Execute(ctx, Get("https://llm.test/v1/chat/completions", nil), RateLimitBackoff(), Accept())
	}()

	select {
	case d := <-timer.scheduled:
		assert.Equal(t, time.Second, d)
	case <-time.After(5 * time.Second):
		t.Fatal("backoff sleep was never scheduled")
	}
	cancel()

	select {
	case out := <-result:
		require.NotNil(t, out.Failure)
		assert.Equal(t, Cancelled, out.Failure.Kind)
		assert.Equal(t, 1, out.Failure.Attempts)
		assert.ErrorIs(t, out.Failure, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteCancelDuringAttempt(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(nethttp.HandlerFunc(func(_ nethttp.ResponseWriter, r *nethttp.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()
	f := newTestFetcher(WithTimer(&recordingTimer{}))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan Outcome, 1)
	go func() {
		result <- f.Execute(ctx, Get(srv.URL, nil), policyFor(3), Accept())
	}()

	<-started
	cancel()

	select {
	case out := <-result:
		require.NotNil(t, out.Failure)
		assert.Equal(t, Cancelled, out.Failure.Kind)
		assert.Equal(t, 1, out.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

func TestExecuteWeatherScenario(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, weatherBody)
	}))
	defer srv.Close()
	f := newTestFetcher()

	out := f.Execute(context.Background(), Get(srv.URL+"/weather/zipcode/10001", nil), SingleAttempt(), IsNonEmptyArray())

	require.True(t, out.OK(), "unexpected failure: %v", out.Err())
	assert.Equal(t, "/weather/zipcode/10001", gotPath)
	assert.JSONEq(t, weatherBody, string(out.Payload))
	assert.Equal(t, 1, out.Attempts)

	var rows []struct {
		Zipcode int `json:"zipcode"`
		TMAX    int `json:"TMAX"`
	}
	require.NoError(t, out.Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 10001, rows[0].Zipcode)
	assert.Equal(t, 75, rows[0].TMAX)
}

func TestExecuteServerErrorOutsideRetrySet(t *testing.T) {
	srv, calls := countingServer(t, nethttp.StatusInternalServerError, `{"error":"boom"}`)
	f := newTestFetcher(WithTimer(&recordingTimer{}))

	out := f.Execute(context.Background(), Post(srv.URL, nil, []byte(`{}`)), RateLimitBackoff(), Accept())

	require.NotNil(t, out.Failure)
	assert.Equal(t, UpstreamServerError, out.Failure.Kind)
	assert.Equal(t, 1, out.Failure.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteRecoversAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(nethttp.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()
	timer := &recordingTimer{}
	f := newTestFetcher(WithTimer(timer))

	out := f.Execute(context.Background(), Get(srv.URL, nil), ExponentialBackoff(5, 10*time.Millisecond, 3), IsObject())

	require.True(t, out.OK(), "unexpected failure: %v", out.Err())
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 30 * time.Millisecond}, timer.Delays())
}

func TestExecuteAttemptTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(nethttp.HandlerFunc(func(_ nethttp.ResponseWriter, r *nethttp.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	f := newTestFetcher(WithTimer(&recordingTimer{}))

	policy := policyFor(2)
	policy.AttemptTimeout = 20 * time.Millisecond
	out := f.Execute(context.Background(), Get(srv.URL, nil), policy, Accept())

	require.NotNil(t, out.Failure)
	assert.Equal(t, RetryExhausted, out.Failure.Kind)
	assert.Equal(t, 2, out.Failure.Attempts)
	assert.Equal(t, NetworkFailure, KindOf(errors.Unwrap(out.Failure)))
	assert.Contains(t, out.Failure.Message, "timed out")
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecuteConnectionRefusedIsNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(nethttp.NotFoundHandler())
	url := srv.URL
	srv.Close()
	f := newTestFetcher(WithTimer(&recordingTimer{}))

	out := f.Execute(context.Background(), Get(url, nil), policyFor(2), Accept())

	require.NotNil(t, out.Failure)
	assert.Equal(t, RetryExhausted, out.Failure.Kind)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, NetworkFailure, KindOf(errors.Unwrap(out.Failure)))
}

func TestExecuteAlreadyCancelled(t *testing.T) {
	srv, calls := countingServer(t, nethttp.StatusOK, `[]`)
	f := newTestFetcher()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := f.Execute(ctx, Get(srv.URL, nil), policyFor(3), Accept())

	require.NotNil(t, out.Failure)
	assert.Equal(t, Cancelled, out.Failure.Kind)
	assert.Equal(t, 0, out.Failure.Attempts)
	assert.Equal(t, int32(0), calls.Load())
}

func TestExecuteInvalidRequests(t *testing.T) {
	valid := policyFor(1)
	tests := []struct {
		name   string
		ctx    context.Context
		desc   RequestDescriptor
		policy RetryPolicy
	}{
		{name: "empty_url", ctx: context.Background(), desc: Get("", nil), policy: valid},
		{name: "relative_url", ctx: context.Background(), desc: Get("/weather/zipcode/10001", nil), policy: valid},
		{name: "schemeless_url", ctx: context.Background(), desc: Get("weather.test/zipcode/10001", nil), policy: valid},
		{name: "unsupported_scheme", ctx: context.Background(), desc: Get("ftp://weather.test/x", nil), policy: valid},
		{name: "zero_attempts", ctx: context.Background(), desc: Get("https://weather.test", nil), policy: RetryPolicy{BackoffMultiplier: 1}},
		{name: "shrinking_backoff", ctx: context.Background(), desc: Get("https://weather.test", nil), policy: RetryPolicy{MaxAttempts: 2, BackoffMultiplier: 0.5}},
		{name: "nil_context", ctx: nil, desc: Get("https://weather.test", nil), policy: valid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			client := &nethttp.Client{Transport: roundTripperFunc(func(*nethttp.Request) (*nethttp.Response, error) {
				calls.Add(1)
				return nil, errors.New("must not be called")
			})}
			f := newTestFetcher(WithHTTPClient(client))

			out := f.Execute(tt.ctx, tt.desc, tt.policy, Accept())

			require.NotNil(t, out.Failure)
			assert.Equal(t, InvalidRequest, out.Failure.Kind)
			assert.Equal(t, 0, out.Failure.Attempts)
			assert.Equal(t, int32(0), calls.Load())
		})
	}
}

func TestExecuteTreatEmptyAsFailure(t *testing.T) {
	srv, _ := countingServer(t, nethttp.StatusOK, `{}`)
	f := newTestFetcher()

	policy := SingleAttempt()
	out := f.Execute(context.Background(), Get(srv.URL, nil), policy, Accept())
	require.True(t, out.OK())

	policy.TreatEmptyAsFailure = true
	out = f.Execute(context.Background(), Get(srv.URL, nil), policy, Accept())
	require.NotNil(t, out.Failure)
	assert.Equal(t, InvalidShape, out.Failure.Kind)
	assert.ErrorIs(t, out.Failure, ErrEmptyPayload)
}

func TestExecuteSendsDescriptor(t *testing.T) {
	type received struct {
		method, contentType, accept, auth string
		body                              []byte
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			method:      r.Method,
			contentType: r.Header.Get("Content-Type"),
			accept:      r.Header.Get("Accept"),
			auth:        r.Header.Get("Authorization"),
			body:        body,
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"hi"}}]}`)
	}))
	defer srv.Close()
	f := newTestFetcher()

	desc := Post(srv.URL, map[string]string{"Authorization": "Bearer sk-test"}, []byte(`{"model":"m"}`))
	out := f.Execute(context.Background(), desc, SingleAttempt(), HasString("choices.0.message.content"))

	require.True(t, out.OK(), "unexpected failure: %v", out.Err())
	r := <-got
	assert.Equal(t, nethttp.MethodPost, r.method)
	assert.Equal(t, "application/json", r.contentType)
	assert.Equal(t, "application/json", r.accept)
	assert.Equal(t, "Bearer sk-test", r.auth)
	assert.JSONEq(t, `{"model":"m"}`, string(r.body))
}

func TestExecuteInterceptors(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("X-Attempt-Tag"))
		mu.Unlock()
		w.WriteHeader(nethttp.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var tagged atomic.Int32
	f := newTestFetcher(
		WithTimer(&recordingTimer{}),
		WithRequestInterceptor(func(_ context.Context, req *nethttp.Request) error {
			req.Header.Set("X-Attempt-Tag", fmt.Sprint(tagged.Add(1)))
			return nil
		}),
	)

	out := f.Execute(context.Background(), Get(srv.URL, nil), policyFor(2), Accept())

	require.NotNil(t, out.Failure)
	assert.Equal(t, []string{"1", "2"}, seen)
}

func TestExecuteInterceptorErrorIsInvalidRequest(t *testing.T) {
	srv, calls := countingServer(t, nethttp.StatusOK, `[]`)
	f := newTestFetcher(WithRequestInterceptor(func(context.Context, *nethttp.Request) error {
		return errors.New("signing failed")
	}))

	out := f.Execute(context.Background(), Get(srv.URL, nil), policyFor(3), Accept())

	require.NotNil(t, out.Failure)
	assert.Equal(t, InvalidRequest, out.Failure.Kind)
	assert.Equal(t, 0, out.Attempts)
	assert.Equal(t, int32(0), calls.Load())
	assert.ErrorContains(t, out.Failure, "signing failed")
}

func TestExecuteMaxBodyBytes(t *testing.T) {
	srv, calls := countingServer(t, nethttp.StatusOK, `[{"zipcode":10001,"TMAX":75},{"zipcode":10002,"TMAX":71}]`)
	f := newTestFetcher(WithMaxBodyBytes(20))

	out := f.Execute(context.Background(), Get(srv.URL, nil), ExponentialBackoff(3, 0, 1), IsNonEmptyArray())

	require.NotNil(t, out.Failure)
	assert.Equal(t, MalformedResponse, out.Failure.Kind)
	assert.ErrorIs(t, out.Failure, ErrBodyTooLarge)
	assert.Equal(t, "response body exceeds 20 bytes", out.Failure.Message)
	assert.NotContains(t, out.Failure.Error(), "unexpected EOF")
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteMaxBodyBytesExactFit(t *testing.T) {
	srv, _ := countingServer(t, nethttp.StatusOK, weatherBody)
	f := newTestFetcher(WithMaxBodyBytes(int64(len(weatherBody))))

	out := f.Execute(context.Background(), Get(srv.URL, nil), SingleAttempt(), IsNonEmptyArray())

	require.Nil(t, out.Failure)
	assert.JSONEq(t, weatherBody, string(out.Payload))
}

func TestExecuteOversizedErrorBodyKeepsStatusKind(t *testing.T) {
	srv, _ := countingServer(t, nethttp.StatusNotFound, `{"error":"no such zipcode anywhere"}`)
	f := newTestFetcher(WithMaxBodyBytes(8))

	out := f.Execute(context.Background(), Get(srv.URL, nil), SingleAttempt(), Accept())

	require.NotNil(t, out.Failure)
	assert.Equal(t, UpstreamClientError, out.Failure.Kind)
	assert.Equal(t, `{"error"`, string(out.Failure.Body))
}

func TestExecuteNeverLogsAuthorization(t *testing.T) {
	srv, _ := countingServer(t, nethttp.StatusUnauthorized, `{"error":"bad credentials"}`)
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "debug", false, nil)
	f := New(log, WithPayloadLogging(true))

	desc := Post(srv.URL, map[string]string{"Authorization": "Bearer sk-very-secret"}, []byte(`{"prompt":"hi"}`))
	out := f.Execute(context.Background(), desc, RateLimitBackoff(), Accept())

	require.NotNil(t, out.Failure)
	assert.Equal(t, UpstreamClientError, out.Failure.Kind)
	assert.NotEmpty(t, buf.String())
	assert.NotContains(t, buf.String(), "sk-very-secret")
	assert.Contains(t, buf.String(), logger.DefaultMaskValue)
	assert.Contains(t, buf.String(), "Upstream fetch failed")
}

func TestExecuteConcurrentCallsAreIndependent(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		zip := strings.TrimPrefix(r.URL.Path, "/weather/zipcode/")
		_, _ = fmt.Fprintf(w, `[{"zipcode":%q}]`, zip)
	}))
	defer srv.Close()
	f := newTestFetcher()

	const workers = 16
	var wg sync.WaitGroup
	outcomes := make([]Outcome, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("%s/weather/zipcode/%05d", srv.URL, i)
			outcomes[i] = f.Execute(context.Background(), Get(url, nil), SingleAttempt(), IsNonEmptyArray())
		}(i)
	}
	wg.Wait()

	for i, out := range outcomes {
		require.True(t, out.OK(), "worker %d: %v", i, out.Err())
		assert.JSONEq(t, fmt.Sprintf(`[{"zipcode":"%05d"}]`, i), string(out.Payload))
	}
}
