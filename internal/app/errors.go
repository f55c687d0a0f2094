package app

import (
	"fmt"
	"time"
)

// ValidationError reports bad input. Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AuthorizationError reports a role or ownership failure. The message is
// deliberately opaque so it cannot leak resource existence.
type AuthorizationError struct{}

func (e *AuthorizationError) Error() string { return "not authorized" }

// ConflictError reports a state conflict: duplicate reference number, case
// already assigned, flagged by this actor, or closed.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

// RateLimitError reports that a cooldown or window has not elapsed.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

// ExternalServiceError reports a downstream failure that triggered saga
// compensation. Remedy carries a remediation-specific message when known.
type ExternalServiceError struct {
	Service string
	Remedy  string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	if e.Remedy != "" {
		return e.Remedy
	}
	return fmt.Sprintf("%s service failed", e.Service)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }
