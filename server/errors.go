package server

import (
	"fmt"
	"maps"
	"net/http"
)

// BaseAPIError provides a basic implementation of IAPIError.
//
// Handlers return it (usually through one of the typed constructors below) and
// WrapHandler renders it as the "error" member of the response envelope:
//
//	{"error": {"code": "UPSTREAM_UNAVAILABLE", "message": "...", "details": {...}}, "meta": {...}}
//
// Details are only rendered in development; production responses carry the
// code and message alone.
type BaseAPIError struct {
	code       string
	message    string
	httpStatus int
	details    map[string]any
}

// NewBaseAPIError creates an error with an explicit code and status. Prefer the
// typed constructors; this is for statuses they do not cover, such as the 404
// the dashboard returns for an empty weather result.
func NewBaseAPIError(code, message string, httpStatus int) *BaseAPIError {
	return &BaseAPIError{
		code:       code,
		message:    message,
		httpStatus: httpStatus,
		details:    make(map[string]any),
	}
}

// ErrorCode returns the error code.
func (e *BaseAPIError) ErrorCode() string {
	return e.code
}

// Message returns the error message.
func (e *BaseAPIError) Message() string {
	return e.message
}

// HTTPStatus returns the HTTP status code.
func (e *BaseAPIError) HTTPStatus() int {
	return e.httpStatus
}

// Details returns a copy of the error details, so callers cannot mutate an
// error that is shared or already rendered.
func (e *BaseAPIError) Details() map[string]any {
	if e.details == nil {
		return nil
	}
	cp := make(map[string]any, len(e.details))
	maps.Copy(cp, e.details)
	return cp
}

// WithDetails adds a detail and returns the error for chaining, e.g.
//
//	NewBadGatewayError("Weather service returned bad data").
//		WithDetails("kind", "malformed_response").
//		WithDetails("attempts", 1)
func (e *BaseAPIError) WithDetails(key string, value any) *BaseAPIError {
	e.details[key] = value
	return e
}

// Error implements the error interface for BaseAPIError.
// It returns a concise representation suitable for logs and debugging.
func (e *BaseAPIError) Error() string {
	if e == nil {
		return ""
	}
	if e.code == "" {
		return e.message
	}
	return e.code + ": " + e.message
}

// NotFoundError represents resource not found errors (404 NOT_FOUND).
type NotFoundError struct {
	*BaseAPIError
}

// NewNotFoundError creates a not found error with the message "<resource> not found".
func NewNotFoundError(resource string) *NotFoundError {
	message := fmt.Sprintf("%s not found", resource)
	return &NotFoundError{
		BaseAPIError: NewBaseAPIError("NOT_FOUND", message, http.StatusNotFound),
	}
}

// InternalServerError represents internal server errors (500 INTERNAL_ERROR).
// Use it for failures that are this service's fault, never for upstream failures.
type InternalServerError struct {
	*BaseAPIError
}

// NewInternalServerError creates an internal server error. An empty message
// becomes a generic one so internal detail does not leak to clients.
func NewInternalServerError(message string) *InternalServerError {
	if message == "" {
		message = "An internal error occurred"
	}
	return &InternalServerError{
		BaseAPIError: NewBaseAPIError("INTERNAL_ERROR", message, http.StatusInternalServerError),
	}
}

// BadRequestError represents bad request errors (400 BAD_REQUEST): binding and
// validation failures, or an empty chat prompt.
type BadRequestError struct {
	*BaseAPIError
}

// NewBadRequestError creates a bad request error with message shown to the client as is.
func NewBadRequestError(message string) *BadRequestError {
	return &BadRequestError{
		BaseAPIError: NewBaseAPIError("BAD_REQUEST", message, http.StatusBadRequest),
	}
}

// ServiceUnavailableError represents service unavailable errors (503
// SERVICE_UNAVAILABLE). It covers conditions on this side of the gateway: an
// open circuit breaker, a missing upstream credential or a cancelled request.
type ServiceUnavailableError struct {
	*BaseAPIError
}

// NewServiceUnavailableError creates a service unavailable error. An empty
// message becomes "Service temporarily unavailable".
func NewServiceUnavailableError(message string) *ServiceUnavailableError {
	if message == "" {
		message = "Service temporarily unavailable"
	}
	return &ServiceUnavailableError{
		BaseAPIError: NewBaseAPIError("SERVICE_UNAVAILABLE", message, http.StatusServiceUnavailable),
	}
}

// TooManyRequestsError represents rate limiting errors (429 TOO_MANY_REQUESTS),
// returned by the per-IP rate limit middleware.
type TooManyRequestsError struct {
	*BaseAPIError
}

// NewTooManyRequestsError creates a too many requests error. An empty message
// becomes "Rate limit exceeded".
func NewTooManyRequestsError(message string) *TooManyRequestsError {
	if message == "" {
		message = "Rate limit exceeded"
	}
	return &TooManyRequestsError{
		BaseAPIError: NewBaseAPIError("TOO_MANY_REQUESTS", message, http.StatusTooManyRequests),
	}
}

// BadGatewayError reports an upstream that answered with something unusable
// (502 BAD_GATEWAY): a body that is not JSON, JSON of the wrong shape, or a
// client error status that retrying cannot fix.
type BadGatewayError struct {
	*BaseAPIError
}

// NewBadGatewayError creates a bad gateway error. An empty message becomes
// "Upstream returned an invalid response".
func NewBadGatewayError(message string) *BadGatewayError {
	if message == "" {
		message = "Upstream returned an invalid response"
	}
	return &BadGatewayError{
		BaseAPIError: NewBaseAPIError("BAD_GATEWAY", message, http.StatusBadGateway),
	}
}

// UpstreamUnavailableError reports an upstream that could not be reached or
// kept failing (UPSTREAM_UNAVAILABLE). Unlike BadGatewayError the request may
// succeed if the client tries again later.
type UpstreamUnavailableError struct {
	*BaseAPIError
}

// NewUpstreamUnavailableError creates an error for an unreachable upstream.
//
// status selects between the two statuses this condition maps to:
//   - 503 when the upstream was unreachable or signalled overload (429/503)
//   - 502 when it kept answering with other server errors
//
// Any other value falls back to 503.
func NewUpstreamUnavailableError(message string, status int) *UpstreamUnavailableError {
	if message == "" {
		message = "Upstream service unavailable"
	}
	if status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
		status = http.StatusServiceUnavailable
	}
	return &UpstreamUnavailableError{
		BaseAPIError: NewBaseAPIError("UPSTREAM_UNAVAILABLE", message, status),
	}
}

// Compile-time interface assertions
var _ IAPIError = (*BaseAPIError)(nil)
