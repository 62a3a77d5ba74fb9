package cache

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by every Cache implementation.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound is returned when a key was never stored or its TTL elapsed.
	// It is the normal miss signal: the weather client treats it as "call the
	// upstream" and never logs it.
	ErrNotFound = errors.New("cache: key not found")

	// ErrClosed is returned by any operation after Close. The app closes the
	// cache it owns during shutdown, after the HTTP server has drained.
	ErrClosed = errors.New("cache: connection closed")

	// ErrInvalidTTL is returned by Set for a negative TTL.
	// A zero TTL is valid and selects the backend's default.
	ErrInvalidTTL = errors.New("cache: invalid TTL")
)

// ConfigError reports a cache configuration that cannot be used, for example
// a redis port out of range or a memory cache without a size.
// It is returned from constructors, never from cache operations.
type ConfigError struct {
	Field   string // Configuration field, e.g. "cache.redis.port"
	Message string // What is wrong with it
	Err     error  // Underlying error, if any
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache configuration error: %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("cache configuration error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field, message string, err error) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// ConnectionError reports that the cache server could not be reached.
//
// Redis returns it when the startup ping fails and from Health, which backs
// the readiness check. The condition is usually transient: weather lookups
// keep working by falling through to the upstream while it lasts.
type ConnectionError struct {
	Op      string // Operation that failed (e.g., "ping")
	Address string // host:port of the cache server
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cache connection error: %s failed for %s: %v", e.Op, e.Address, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a new connection error.
func NewConnectionError(op, address string, err error) *ConnectionError {
	return &ConnectionError{
		Op:      op,
		Address: address,
		Err:     err,
	}
}

// OperationError reports a Get, Set or Delete that reached the backend and
// failed there, such as a redis command timeout or an out-of-memory reply.
//
// Key is the caller's key without the backend's prefix, so it matches what the
// caller logged (e.g. "weather:zipcode:10001"). A plain miss is never an
// OperationError; it is ErrNotFound.
type OperationError struct {
	Op  string // Operation that failed: "get", "set" or "delete"
	Key string // Cache key as passed by the caller
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	return fmt.Sprintf("cache operation error: %s failed for key %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// NewOperationError creates a new operation error.
func NewOperationError(op, key string, err error) *OperationError {
	return &OperationError{
		Op:  op,
		Key: key,
		Err: err,
	}
}
