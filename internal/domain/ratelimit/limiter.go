package ratelimit

import "context"

// RateLimiter admits or rejects requests against a per-key budget.
//
// The proxy asks once per exchange with the client's key before any
// session work happens, so implementations sit on the hot path and
// must not block beyond their own bookkeeping. GCRA is the intended
// algorithm: it spreads admissions evenly instead of letting a full
// window's worth through at every boundary.
type RateLimiter interface {
	// Allow records one arrival for key under config and reports the
	// decision. The call both checks and advances the limiter state;
	// a rejected arrival does not consume budget. RetryAfter in the
	// result tells a rejected caller when to come back.
	Allow(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error)
}
