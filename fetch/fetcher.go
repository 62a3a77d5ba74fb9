package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/url"
	"time"

	retry "github.com/avast/retry-go/v5"
	"go.opentelemetry.io/otel/metric"

	"github.com/gaborage/communityassist/fetch/internal/tracking"
	"github.com/gaborage/communityassist/logger"
)

const (
	// DefaultMaxBodyBytes caps how much of a response body is read
	DefaultMaxBodyBytes = 10 << 20

	// maxLoggedBodyBytes caps body bytes written to debug logs
	maxLoggedBodyBytes = 2048

	// maxDrainBytes bounds how much of an oversized body is discarded so the
	// connection can be reused; anything longer is closed instead
	maxDrainBytes = 256 << 10
)

// ErrBodyTooLarge reports a response body longer than the fetcher's limit
var ErrBodyTooLarge = errors.New("response body too large")

// RequestInterceptor is called on every attempt before the request is sent
type RequestInterceptor func(ctx context.Context, req *nethttp.Request) error

// Timer schedules the backoff sleep between attempts. The default uses time.After;
// tests inject a controllable implementation with WithTimer.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

// Fetcher executes upstream calls with retry, backoff and response validation.
// It holds no per-call state: concurrent Execute calls are independent.
type Fetcher struct {
	httpClient   *nethttp.Client
	logger       logger.Logger
	timer        Timer
	interceptors []RequestInterceptor
	metrics      *tracking.Metrics
	maxBodyBytes int64
	logPayloads  bool
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithHTTPClient sets the client used for attempts. Its Timeout should be zero or
// larger than any policy AttemptTimeout; per-attempt deadlines come from the policy.
func WithHTTPClient(c *nethttp.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.httpClient = c
		}
	}
}

// WithTimer replaces the timer used for backoff sleeps
func WithTimer(t Timer) Option {
	return func(f *Fetcher) {
		f.timer = t
	}
}

// WithRequestInterceptor adds a request interceptor
func WithRequestInterceptor(interceptor RequestInterceptor) Option {
	return func(f *Fetcher) {
		if interceptor != nil {
			f.interceptors = append(f.interceptors, interceptor)
		}
	}
}

// WithMeterProvider records metrics on provider instead of the global one
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(f *Fetcher) {
		f.metrics = tracking.New(provider)
	}
}

// WithMaxBodyBytes caps the number of response bytes read per attempt
func WithMaxBodyBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBodyBytes = n
		}
	}
}

// WithPayloadLogging enables debug-level logging of request and response bodies
func WithPayloadLogging(enabled bool) Option {
	return func(f *Fetcher) {
		f.logPayloads = enabled
	}
}

// New creates a Fetcher. A nil logger disables logging.
func New(log logger.Logger, opts ...Option) *Fetcher {
	if log == nil {
		log = logger.Nop()
	}
	f := &Fetcher{
		httpClient:   &nethttp.Client{},
		logger:       log,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = tracking.New(nil)
	}
	return f
}

// Execute performs the call described by desc under policy and validates the
// response with validate (nil accepts any JSON). It never panics and never
// returns an error separately: every failure is an Outcome with a Failure.
func (f *Fetcher) Execute(ctx context.Context, desc RequestDescriptor, policy RetryPolicy, validate ValidationRule) Outcome {
	start := time.Now()
	host := hostOf(desc.URL())

	out := f.execute(ctx, desc, policy, validate)

	if ctx == nil {
		ctx = context.Background()
	}
	kind := tracking.KindSuccess
	if out.Failure != nil {
		kind = string(out.Failure.Kind)
	}
	f.metrics.RecordOutcome(ctx, desc.Method(), host, kind, out.Attempts, time.Since(start))
	f.logOutcome(ctx, desc, out, time.Since(start))
	return out
}

func (f *Fetcher) execute(ctx context.Context, desc RequestDescriptor, policy RetryPolicy, validate ValidationRule) Outcome {
	if ctx == nil {
		return failed(NewFailure(InvalidRequest, "context cannot be nil", nil), 0)
	}
	if fail := desc.validate(); fail != nil {
		return failed(fail, 0)
	}
	if err := policy.Validate(); err != nil {
		return failed(NewFailure(InvalidRequest, "invalid retry policy", err), 0)
	}
	if validate == nil {
		validate = Accept()
	}
	if err := ctx.Err(); err != nil {
		return failed(NewFailure(Cancelled, "cancelled before first attempt", err), 0)
	}

	attempts := 0
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(policy.MaxAttempts)),
		retry.RetryIf(func(err error) bool {
			var ae *attemptError
			return errors.As(err, &ae) && ae.retryable
		}),
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			return policy.Delay(int(n))
		}),
		retry.OnRetry(func(n uint, err error) {
			if int(n)+1 >= policy.MaxAttempts {
				return
			}
			f.logger.WithContext(ctx).Warn().
				Err(err).
				Str("url", desc.URL()).
				Int("attempt", int(n)+1).
				Int("max_attempts", policy.MaxAttempts).
				Dur("next_delay", policy.Delay(int(n)+1)).
				Msg("Upstream attempt failed")
		}),
		retry.LastErrorOnly(true),
	}
	if f.timer != nil {
		opts = append(opts, retry.WithTimer(f.timer))
	}

	out, err := retry.NewWithData[Outcome](opts...).Do(func() (Outcome, error) {
		return f.attempt(ctx, desc, policy, validate, &attempts)
	})
	if err == nil {
		return out
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return failed(NewFailure(Cancelled, "cancelled", ctxErr), attempts)
	}

	var ae *attemptError
	if !errors.As(err, &ae) {
		return failed(NewFailure(NetworkFailure, "retry loop failed", err), attempts)
	}
	if ae.retryable {
		last := ae.failure
		exhausted := NewFailure(RetryExhausted,
			fmt.Sprintf("gave up after %d attempts: %s", attempts, last.Message), last)
		exhausted.StatusCode = last.StatusCode
		exhausted.Body = last.Body
		return failed(exhausted, attempts)
	}
	return failed(ae.failure, attempts)
}

// attempt performs one HTTP call and classifies its result. calls is only
// incremented once the request is actually handed to the transport.
func (f *Fetcher) attempt(ctx context.Context, desc RequestDescriptor, policy RetryPolicy, validate ValidationRule, calls *int) (Outcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, policy.attemptTimeout())
	defer cancel()

	req, err := f.buildRequest(attemptCtx, desc)
	if err != nil {
		return Outcome{}, terminal(NewFailure(InvalidRequest, "failed to build request", err))
	}
	for _, interceptor := range f.interceptors {
		if err := interceptor(attemptCtx, req); err != nil {
			return Outcome{}, terminal(NewFailure(InvalidRequest, "request interceptor failed", err))
		}
	}

	*calls++
	n := *calls
	f.logRequest(ctx, desc, n)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.metrics.RecordAttempt(ctx, desc.Method(), req.URL.Host, 0)
		return Outcome{}, f.transportError(ctx, err, policy, "request execution failed")
	}
	defer resp.Body.Close()

	body, oversized, err := f.readBody(resp.Body)
	f.metrics.RecordAttempt(ctx, desc.Method(), req.URL.Host, resp.StatusCode)
	if err != nil {
		return Outcome{}, f.transportError(ctx, err, policy, "failed to read response body")
	}

	f.logResponse(ctx, resp.StatusCode, body, n)

	if policy.IsRetryableStatus(resp.StatusCode) {
		fail := NewFailure(statusKind(resp.StatusCode),
			fmt.Sprintf("upstream responded with retryable status %d", resp.StatusCode), nil)
		fail.StatusCode = resp.StatusCode
		fail.Body = body
		return Outcome{}, retryable(fail)
	}
	if !IsSuccessStatus(resp.StatusCode) {
		fail := NewFailure(statusKind(resp.StatusCode),
			fmt.Sprintf("upstream responded with status %d", resp.StatusCode), nil)
		fail.StatusCode = resp.StatusCode
		fail.Body = body
		return Outcome{}, terminal(fail)
	}

	if oversized {
		fail := NewFailure(MalformedResponse,
			fmt.Sprintf("response body exceeds %d bytes", f.maxBodyBytes), ErrBodyTooLarge)
		fail.StatusCode = resp.StatusCode
		return Outcome{}, terminal(fail)
	}

	value, err := parseJSON(body)
	if err != nil {
		fail := NewFailure(MalformedResponse, "response body is not valid JSON", err)
		fail.StatusCode = resp.StatusCode
		fail.Body = body
		return Outcome{}, terminal(fail)
	}

	if policy.TreatEmptyAsFailure && isEmptyPayload(value) {
		fail := NewFailure(InvalidShape, "upstream returned an empty payload", ErrEmptyPayload)
		fail.StatusCode = resp.StatusCode
		return Outcome{}, terminal(fail)
	}
	if err := validate(value); err != nil {
		fail := NewFailure(InvalidShape, err.Error(), err)
		fail.StatusCode = resp.StatusCode
		return Outcome{}, terminal(fail)
	}

	return success(body, value, n), nil
}

// readBody reads at most maxBodyBytes. oversized reports that the upstream sent
// more; the returned body is then cut at the limit and the rest is drained.
func (f *Fetcher) readBody(r io.Reader) (body []byte, oversized bool, err error) {
	body, err = io.ReadAll(io.LimitReader(r, f.maxBodyBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) <= f.maxBodyBytes {
		return body, false, nil
	}
	_, _ = io.CopyN(io.Discard, r, maxDrainBytes)
	return body[:f.maxBodyBytes], true, nil
}

// buildRequest constructs an *http.Request and applies the descriptor headers.
func (f *Fetcher) buildRequest(ctx context.Context, desc RequestDescriptor) (*nethttp.Request, error) {
	var body io.Reader
	if b := desc.Body(); b != nil {
		body = bytes.NewReader(b)
	}

	req, err := nethttp.NewRequestWithContext(ctx, desc.Method(), desc.URL(), body)
	if err != nil {
		return nil, err
	}

	for key, value := range desc.headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Content-Type") == "" && desc.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

// transportError classifies a failure that happened before a full response was read.
func (f *Fetcher) transportError(ctx context.Context, err error, policy RetryPolicy, message string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return terminal(NewFailure(Cancelled, "cancelled during attempt", ctxErr))
	}
	if isTimeout(err) {
		return retryable(NewFailure(NetworkFailure,
			fmt.Sprintf("attempt timed out after %s", policy.attemptTimeout()), err))
	}
	return retryable(NewFailure(NetworkFailure, message, err))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parseJSON decodes exactly one JSON value, rejecting empty bodies and trailing data.
func parseJSON(body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty body")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return value, nil
}

// statusKind maps a non-2xx status to the kind reported when it is terminal.
func statusKind(status int) ErrorKind {
	if status >= 500 {
		return UpstreamServerError
	}
	return UpstreamClientError
}

// IsSuccessStatus checks if a status code represents success (2xx)
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func terminal(f *Failure) error {
	return &attemptError{failure: f}
}

func retryable(f *Failure) error {
	return &attemptError{failure: f, retryable: true}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func (f *Fetcher) logRequest(ctx context.Context, desc RequestDescriptor, attempt int) {
	event := f.logger.WithContext(ctx).Debug().
		Str("direction", "outbound").
		Str("method", desc.Method()).
		Str("url", desc.URL()).
		Int("attempt", attempt)

	if len(desc.headers) > 0 {
		headers := make(map[string]any, len(desc.headers))
		for k, v := range desc.headers {
			headers[k] = v
		}
		event = event.Interface("headers", headers)
	}
	if f.logPayloads && len(desc.body) > 0 {
		event = event.Bytes("body", truncate(desc.body))
	}
	event.Msg("Upstream request")
}

func (f *Fetcher) logResponse(ctx context.Context, status int, body []byte, attempt int) {
	event := f.logger.WithContext(ctx).Debug().
		Str("direction", "inbound").
		Int("status", status).
		Int("attempt", attempt)
	if f.logPayloads && len(body) > 0 {
		event = event.Bytes("body", truncate(body))
	}
	event.Msg("Upstream response")
}

func (f *Fetcher) logOutcome(ctx context.Context, desc RequestDescriptor, out Outcome, elapsed time.Duration) {
	log := f.logger.WithContext(ctx)
	if out.Failure == nil {
		log.Info().
			Str("method", desc.Method()).
			Str("url", desc.URL()).
			Int("attempts", out.Attempts).
			Dur("elapsed", elapsed).
			Msg("Upstream fetch succeeded")
		return
	}

	event := log.Warn()
	if out.Failure.Kind == InvalidRequest {
		event = log.Error()
	}
	event = event.
		Str("method", desc.Method()).
		Str("url", desc.URL()).
		Str("kind", string(out.Failure.Kind)).
		Int("attempts", out.Attempts).
		Dur("elapsed", elapsed)
	if out.Failure.StatusCode != 0 {
		event = event.Int("status", out.Failure.StatusCode)
	}
	event.Err(out.Failure).Msg("Upstream fetch failed")
}

func truncate(b []byte) []byte {
	if len(b) <= maxLoggedBodyBytes {
		return b
	}
	return b[:maxLoggedBodyBytes]
}
