package llm

import (
	"errors"
	"fmt"
)

// ProviderError is the base error type for all provider failures.
type ProviderError struct {
	Provider string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if e.Provider != "" {
		msg = fmt.Sprintf("[%s] %s", e.Provider, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ConnectionError indicates the transport to the provider failed before a
// response was obtained. Connection errors are handled by the one-shot
// transport-rebuild recovery, never by the backoff retry budget.
type ConnectionError struct{ ProviderError }

// StatusError indicates the provider returned a non-success status.
type StatusError struct {
	ProviderError
	StatusCode int
	RetryAfter *float64
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (status=%d)", e.ProviderError.Error(), e.StatusCode)
}

// TimeoutError indicates the provider call exceeded its deadline.
type TimeoutError struct{ ProviderError }

// IsConnectionError reports whether err is (or wraps) a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsRetryable reports whether the backoff retry budget applies to err.
// Only status and timeout errors are retryable; connection errors go
// through the transport-rebuild path instead.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return true
	}
	var te *TimeoutError
	return errors.As(err, &te)
}
