// Package ctrlerr defines the error taxonomy shared across the control
// plane. Callers classify failures by type (via errors.As), never by
// matching on message substrings.
package ctrlerr

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports a request that failed a boundary check.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError reports a missing instance, operation, or job.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NotStartableError reports an instance whose current status blocks start.
type NotStartableError struct {
	CurrentStatus string
	Reason        string
}

func (e *NotStartableError) Error() string {
	return fmt.Sprintf("instance not startable from status %q: %s", e.CurrentStatus, e.Reason)
}

// NotDeletableError reports an instance that cannot be deleted as requested.
type NotDeletableError struct {
	Reason string
}

func (e *NotDeletableError) Error() string {
	return fmt.Sprintf("instance not deletable: %s", e.Reason)
}

// ProviderError wraps a structured error surfaced by the Provider API.
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d %s: %s", e.Status, e.Code, e.Message)
}

// RateLimitedError reports that the Provider Client's local token bucket
// had no capacity and the caller's context expired before one freed up.
type RateLimitedError struct{}

func (e *RateLimitedError) Error() string { return "rate limit exceeded" }

// CircuitOpenError reports that the Provider circuit breaker is open.
type CircuitOpenError struct{}

func (e *CircuitOpenError) Error() string { return "circuit breaker open" }

// TimeoutError reports that an operation exceeded its deadline.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s: timeout", e.Op) }

// TransientKVError reports a retryable KV store failure (network, timeout).
type TransientKVError struct {
	Cause error
}

func (e *TransientKVError) Error() string { return fmt.Sprintf("transient kv error: %v", e.Cause) }
func (e *TransientKVError) Unwrap() error { return e.Cause }

// ProtocolKVError reports a type mismatch on a KV key (e.g. a GET against a
// key another namespace stored as a hash). Callers must skip the offending
// key and continue, never abort the surrounding scan.
type ProtocolKVError struct {
	Key   string
	Cause error
}

func (e *ProtocolKVError) Error() string {
	return fmt.Sprintf("protocol error on key %q: %v", e.Key, e.Cause)
}
func (e *ProtocolKVError) Unwrap() error { return e.Cause }

// InternalError wraps an unclassified failure. The correlation ID is
// preserved so callers can cross-reference logs.
type InternalError struct {
	CorrelationID string
	Cause         error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error (correlation_id=%s): %v", e.CorrelationID, e.Cause)
}
func (e *InternalError) Unwrap() error { return e.Cause }

// Code is the stable machine-readable error code returned to callers.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeInstanceNotFound Code = "INSTANCE_NOT_FOUND"
	CodeNotDeletable     Code = "INSTANCE_NOT_DELETABLE"
	CodeNotStartable     Code = "INSTANCE_NOT_STARTABLE"
	CodeProviderError    Code = "PROVIDER_ERROR"
	CodeRateLimited      Code = "RATE_LIMIT_EXCEEDED"
	CodeCircuitOpen      Code = "CIRCUIT_BREAKER_OPEN"
	CodeRequestTimeout   Code = "REQUEST_TIMEOUT"
	CodeInternal         Code = "INTERNAL_SERVER_ERROR"
	CodeFeatureDisabled  Code = "FEATURE_DISABLED"
	CodeCacheError       Code = "CACHE_ERROR"
)

// Classify maps an error to its stable code and HTTP status, by type
// lookup — never by string matching on the error message.
func Classify(err error) (Code, int) {
	var (
		valErr       *ValidationError
		notFoundErr  *NotFoundError
		notStartErr  *NotStartableError
		notDelErr    *NotDeletableError
		providerErr  *ProviderError
		rateLimitErr *RateLimitedError
		circuitErr   *CircuitOpenError
		timeoutErr   *TimeoutError
		protocolErr  *ProtocolKVError
		transientErr *TransientKVError
	)

	switch {
	case errors.As(err, &valErr):
		return CodeValidation, http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		return CodeInstanceNotFound, http.StatusNotFound
	case errors.As(err, &notStartErr):
		return CodeNotStartable, http.StatusConflict
	case errors.As(err, &notDelErr):
		return CodeNotDeletable, http.StatusConflict
	case errors.As(err, &providerErr):
		return CodeProviderError, http.StatusBadGateway
	case errors.As(err, &rateLimitErr):
		return CodeRateLimited, http.StatusTooManyRequests
	case errors.As(err, &circuitErr):
		return CodeCircuitOpen, http.StatusServiceUnavailable
	case errors.As(err, &timeoutErr):
		return CodeRequestTimeout, http.StatusGatewayTimeout
	case errors.As(err, &protocolErr), errors.As(err, &transientErr):
		return CodeCacheError, http.StatusServiceUnavailable
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}
