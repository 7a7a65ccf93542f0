// Package ccerrors defines the typed error taxonomy used across the
// pipeline: a fixed set of sentinel errors for the conditions that always
// mean the same thing, plus wrapper structs carrying upstream context for
// conditions the pipeline's caller needs to classify into the Anthropic
// error vocabulary.
package ccerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions with no additional context to carry.
var (
	ErrUnknownModel    = errors.New("ccproxy: unknown model")
	ErrNoAccounts      = errors.New("ccproxy: no enabled accounts available")
	ErrInvalidRequest  = errors.New("ccproxy: invalid request")
	ErrNoCapacity      = errors.New("ccproxy: no account capacity available")
	ErrUnauthenticated = errors.New("ccproxy: missing or invalid shared secret")
)

// UpstreamError wraps a failure returned by or while talking to Cloud Code,
// carrying enough context for the pipeline to classify it.
type UpstreamError struct {
	StatusCode int
	Body       string
	Cause      error
}

func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ccproxy: upstream error (status %d): %v", e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("ccproxy: upstream error (status %d)", e.StatusCode)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// IsUpstreamError reports whether err is or wraps an *UpstreamError.
func IsUpstreamError(err error) bool {
	var target *UpstreamError
	return errors.As(err, &target)
}

// RateLimitedError indicates retries were exhausted against a
// rate-limit-classified outcome.
type RateLimitedError struct {
	AccountID       string
	RetryAfterSecs  int
	Cause           error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("ccproxy: rate limited on account %s: %v", e.AccountID, e.Cause)
}

func (e *RateLimitedError) Unwrap() error { return e.Cause }

// IsRateLimitedError reports whether err is or wraps a *RateLimitedError.
func IsRateLimitedError(err error) bool {
	var target *RateLimitedError
	return errors.As(err, &target)
}

// OverloadedError indicates capacity was exhausted across every eligible
// account.
type OverloadedError struct {
	Model string
	Cause error
}

func (e *OverloadedError) Error() string {
	return fmt.Sprintf("ccproxy: overloaded for model %s: %v", e.Model, e.Cause)
}

func (e *OverloadedError) Unwrap() error { return e.Cause }

// IsOverloadedError reports whether err is or wraps an *OverloadedError.
func IsOverloadedError(err error) bool {
	var target *OverloadedError
	return errors.As(err, &target)
}

// ValidationError describes a single request-validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ccproxy: validation failed on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }
