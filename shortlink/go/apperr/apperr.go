// Package apperr defines the closed set of error kinds that cross
// component boundaries. Components return these symbols (usually wrapped
// via skerr); the HTTP frontend translates them to status codes exactly
// once.
package apperr

import (
	"errors"
	"net/http"
	"time"
)

var (
	// ErrNotFound: resolution failure, domain or link.
	ErrNotFound = errors.New("NOT_FOUND")
	// ErrGone: the link exists but its expiry has passed.
	ErrGone = errors.New("GONE")
	// ErrBlocked: the link is deactivated or geo-denied.
	ErrBlocked = errors.New("BLOCKED")
	// ErrPasswordRequired: a password-protected link was requested without
	// a password.
	ErrPasswordRequired = errors.New("PASSWORD_REQUIRED")
	// ErrPasswordInvalid: the submitted password did not match.
	ErrPasswordInvalid = errors.New("PASSWORD_INVALID")
	// ErrValidation: malformed input or constraint failure.
	ErrValidation = errors.New("VALIDATION")
	// ErrConflict: uniqueness violation.
	ErrConflict = errors.New("CONFLICT")
	// ErrRateLimited: a limiter tripped.
	ErrRateLimited = errors.New("RATE_LIMITED")
	// ErrUnauthenticated: missing, blacklisted, or expired token.
	ErrUnauthenticated = errors.New("UNAUTHENTICATED")
	// ErrForbidden: role or ownership mismatch.
	ErrForbidden = errors.New("FORBIDDEN")
	// ErrDependencyDegraded: the analytics index is unavailable.
	ErrDependencyDegraded = errors.New("DEPENDENCY_DEGRADED")
	// ErrInternal: everything else.
	ErrInternal = errors.New("INTERNAL")
)

// RateLimited wraps ErrRateLimited with a retry hint.
type RateLimited struct {
	RetryAfter time.Duration
}

// Error implements error.
func (e *RateLimited) Error() string {
	return ErrRateLimited.Error()
}

// Unwrap lets errors.Is(err, ErrRateLimited) succeed.
func (e *RateLimited) Unwrap() error {
	return ErrRateLimited
}

// RetryAfter extracts the retry hint from err, if any; otherwise it
// returns the fallback.
func RetryAfter(err error, fallback time.Duration) time.Duration {
	var rl *RateLimited
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	return fallback
}

// HTTPStatus maps an error to its HTTP status code. Unknown errors map to
// 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrGone):
		return http.StatusGone
	case errors.Is(err, ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, ErrPasswordRequired), errors.Is(err, ErrPasswordInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrDependencyDegraded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
