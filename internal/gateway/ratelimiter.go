package gateway

import "golang.org/x/time/rate"

// RateLimiter mints one token-bucket limiter per connected client, all
// sharing the same configured rate and burst.
type RateLimiter struct {
	rps   rate.Limit
	burst int
}

// NewRateLimiter builds a RateLimiter. ratePerSec <= 0 disables limiting
// entirely (NewLimiter returns nil, which callers must treat as unbounded).
func NewRateLimiter(ratePerSec float64, burst int) *RateLimiter {
	if ratePerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{rps: rate.Limit(ratePerSec), burst: burst}
}

// NewLimiter mints a fresh per-client limiter.
func (r *RateLimiter) NewLimiter() *rate.Limiter {
	if r == nil {
		return nil
	}
	return rate.NewLimiter(r.rps, r.burst)
}
