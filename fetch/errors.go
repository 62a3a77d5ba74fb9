package fetch

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an Execute call did not produce usable data.
type ErrorKind string

const (
	// InvalidRequest is a programmer error detected before any network I/O.
	InvalidRequest ErrorKind = "invalid_request"
	// NetworkFailure covers transport errors and timed-out attempts.
	NetworkFailure ErrorKind = "network_failure"
	// RetryExhausted means every attempt failed with a retryable error.
	RetryExhausted ErrorKind = "retry_exhausted"
	// MalformedResponse means a 2xx body was not valid JSON.
	MalformedResponse ErrorKind = "malformed_response"
	// InvalidShape means a 2xx body parsed but was rejected by the validation rule.
	InvalidShape ErrorKind = "invalid_shape"
	// UpstreamClientError is a non-retryable, non-5xx status (typically 4xx other than 429).
	UpstreamClientError ErrorKind = "upstream_client_error"
	// UpstreamServerError is a 5xx status that the policy does not retry.
	UpstreamServerError ErrorKind = "upstream_server_error"
	// Cancelled means the caller's context ended before an outcome was reached.
	Cancelled ErrorKind = "cancelled"
)

// Failure is the failed variant of an Outcome.
type Failure struct {
	Kind       ErrorKind
	Message    string
	Attempts   int
	StatusCode int
	Body       []byte

	err error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("fetch %s: %s (attempts: %d)", f.Kind, f.Message, f.Attempts)
	if f.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status: %d)", msg, f.StatusCode)
	}
	if f.err != nil {
		msg = fmt.Sprintf("%s: %v", msg, f.err)
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.err
}

// NewFailure creates a Failure wrapping wrapped. Execute fills in Attempts for its own failures.
func NewFailure(kind ErrorKind, message string, wrapped error) *Failure {
	return &Failure{
		Kind:    kind,
		Message: message,
		err:     wrapped,
	}
}

// KindOf returns the ErrorKind of err, or "" when err carries no Failure.
func KindOf(err error) ErrorKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsKind checks if an error is a Failure of the given kind
func IsKind(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// attemptError carries the classification of a single attempt through the retry loop.
type attemptError struct {
	failure   *Failure
	retryable bool
}

func (e *attemptError) Error() string {
	return e.failure.Error()
}

func (e *attemptError) Unwrap() error {
	return e.failure
}
