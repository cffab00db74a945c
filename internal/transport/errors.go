package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind buckets a failed server exchange for retry policy decisions.
type ErrorKind string

const (
	// KindNetwork covers transport-level failures before a response arrived. Retryable.
	KindNetwork ErrorKind = "network"
	// KindServer covers 5xx responses. Retryable.
	KindServer ErrorKind = "server"
	// KindAuth covers 401/403 responses. Refresh-and-retry-once, then abort.
	KindAuth ErrorKind = "auth"
	// KindConflict covers 409/422 responses. Non-retryable; marks the entity CONFLICT.
	KindConflict ErrorKind = "conflict"
	// KindInvalid covers remaining 4xx responses. Non-retryable.
	KindInvalid ErrorKind = "invalid"
)

// APIError is the uniform failure surfaced for every server exchange,
// regardless of which of the two wire error shapes the server produced.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Message    string
	cause      error
}

func (e *APIError) Error() string {
	switch {
	case e.cause != nil:
		return fmt.Sprintf("transport: %s: %v", e.Kind, e.cause)
	case e.Code != "":
		return fmt.Sprintf("transport: %s (%d %s): %s", e.Kind, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("transport: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// Retryable reports whether backing off and retrying can help.
func (e *APIError) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindAuth
}

// IsConflict reports whether err is a non-retryable validation/conflict rejection.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Kind == KindConflict || apiErr.Kind == KindInvalid)
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

func networkError(cause error) *APIError {
	return &APIError{Kind: KindNetwork, cause: cause}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return KindConflict
	case status >= 500:
		return KindServer
	default:
		return KindInvalid
	}
}
