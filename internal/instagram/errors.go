package instagram

import (
	"errors"
	"fmt"
	"time"
)

// Credential signals. These are never retried.
var (
	ErrChallenge      = errors.New("instagram: challenge required")
	ErrTwoFactor      = errors.New("instagram: two-factor authentication required")
	ErrBadCredentials = errors.New("instagram: bad credentials")
)

var (
	// ErrLoginRequired means the current session is not (or no longer) valid.
	ErrLoginRequired = errors.New("instagram: login required")
	ErrNotFound      = errors.New("instagram: not found")
)

// RateLimitError is returned when the API throttles the caller.
// RetryAfter is zero when the server did not provide a hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("instagram: rate limited (retry after %s)", e.RetryAfter)
	}
	return "instagram: rate limited"
}

// TransientError wraps network failures and 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "instagram: transient failure in " + e.Op
	}
	return fmt.Sprintf("instagram: transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsCredential reports whether err is a credential signal.
func IsCredential(err error) bool {
	return errors.Is(err, ErrChallenge) || errors.Is(err, ErrTwoFactor) || errors.Is(err, ErrBadCredentials)
}

// IsRateLimited returns the rate-limit signal carried by err, if any.
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsRetryable reports whether err is a rate-limit or transient signal.
func IsRetryable(err error) bool {
	if err == nil || IsCredential(err) {
		return false
	}
	if _, ok := IsRateLimited(err); ok {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}
