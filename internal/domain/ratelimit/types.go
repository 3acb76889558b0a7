// Package ratelimit defines connection admission limits for the proxy.
package ratelimit

import (
	"fmt"
	"time"
)

// RateLimitConfig describes an admission budget: Rate requests per
// Period, with up to Burst admitted back-to-back. A zero config is
// normalized by implementations to one request per period.
type RateLimitConfig struct {
	// Rate is the sustained number of requests allowed per Period.
	Rate int

	// Burst caps how many requests may arrive at once before the
	// sustained rate applies. Implementations default it to Rate.
	Burst int

	// Period is the window the Rate is measured over.
	Period time.Duration
}

// RateLimitResult reports one admission decision.
type RateLimitResult struct {
	// Allowed is true when the request fits the budget.
	Allowed bool

	// Remaining estimates how many more requests would currently be
	// admitted without waiting.
	Remaining int

	// RetryAfter is how long the caller must wait before the next
	// request is admitted. Zero when Allowed.
	RetryAfter time.Duration

	// ResetAfter is how long until the budget is fully replenished.
	ResetAfter time.Duration
}

// KeyType names the dimension a budget is tracked on.
type KeyType string

const (
	// KeyTypeIP tracks per client IP. The listener strips the port
	// before keying, so all connections from one host share a budget.
	KeyTypeIP KeyType = "ip"

	// KeyTypeUser tracks per authenticated proxy username.
	KeyTypeUser KeyType = "user"
)

// FormatKey builds the tracking key for one budget dimension, e.g.
// "ratelimit:ip:203.0.113.7". Keeping the prefix structured leaves room
// for a shared store to hold keys from several limiters.
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("ratelimit:%s:%s", keyType, value)
}
