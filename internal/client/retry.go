package client

import (
	"math"
	"time"

	"smmpulse/internal/instagram"
)

// RetryPolicy describes how a failed API call is retried.
//
// Retry n (1-based) waits BaseDelay * Multiplier^(n-1). With RateLimitAware
// set, a rate-limit signal waits max(backoff, retryAfter hint).
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	Multiplier     float64
	RateLimitAware bool

	// MaxDelay caps a single wait. 0 means no cap.
	MaxDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseDelay:      2 * time.Second,
		Multiplier:     2,
		RateLimitAware: true,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// Backoff returns the plain exponential delay before retry n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	p = p.withDefaults()
	if n < 1 {
		n = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1)))
	if d <= 0 { // overflow
		d = math.MaxInt64
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Delay returns the wait before retry n given the error that caused it.
func (p RetryPolicy) Delay(n int, err error) time.Duration {
	d := p.Backoff(n)
	if !p.RateLimitAware {
		return d
	}
	if rl, ok := instagram.IsRateLimited(err); ok && rl.RetryAfter > d {
		d = rl.RetryAfter
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

func retryReason(err error) string {
	if _, ok := instagram.IsRateLimited(err); ok {
		return "rate_limited"
	}
	return "transient"
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case instagram.IsCredential(err):
		return "credential"
	}
	if _, ok := instagram.IsRateLimited(err); ok {
		return "rate_limited"
	}
	if instagram.IsRetryable(err) {
		return "transient"
	}
	return "error"
}
