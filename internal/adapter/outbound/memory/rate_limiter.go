package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/ratelimit"
)

// MemoryRateLimiter is a per-process GCRA limiter. State per key is a
// single theoretical-arrival-time (TAT) timestamp, so the memory cost
// is one map entry per client seen inside the stale window. A forward
// proxy sees unbounded client cardinality, hence the sweep goroutine.
type MemoryRateLimiter struct {
	mu   sync.Mutex
	tats map[string]time.Time

	sweepEvery time.Duration
	staleAfter time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRateLimiter returns a limiter with sweep settings suited to a
// long-lived proxy: idle clients are forgotten after an hour, checked
// every five minutes.
func NewRateLimiter() *MemoryRateLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, time.Hour)
}

// NewRateLimiterWithConfig returns a limiter that, once StartCleanup
// runs, drops entries idle longer than staleAfter on a sweepEvery
// cadence.
func NewRateLimiterWithConfig(sweepEvery, staleAfter time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		tats:       make(map[string]time.Time),
		sweepEvery: sweepEvery,
		staleAfter: staleAfter,
		stop:       make(chan struct{}),
	}
}

// Allow runs one GCRA admission for key. Each admitted arrival moves
// the stored TAT one emission interval forward; an arrival is rejected
// while the TAT sits more than a full burst window ahead of now, and a
// rejection consumes no budget.
func (l *MemoryRateLimiter) Allow(_ context.Context, key string, cfg ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	rate := cfg.Rate
	if rate <= 0 {
		rate = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rate
	}
	emission := cfg.Period / time.Duration(rate)
	if emission <= 0 {
		// No measurable budget configured; admit everything instead of
		// dividing by zero below.
		return ratelimit.RateLimitResult{Allowed: true, Remaining: burst}, nil
	}
	window := time.Duration(burst) * emission

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	tat, ok := l.tats[key]
	if !ok || tat.Before(now) {
		tat = now
	}

	if earliest := tat.Add(-window); now.Before(earliest) {
		return ratelimit.RateLimitResult{
			RetryAfter: earliest.Sub(now),
			ResetAfter: tat.Sub(now),
		}, nil
	}

	next := tat.Add(emission)
	if next.Before(now) {
		next = now.Add(emission)
	}
	l.tats[key] = next

	remaining := int((window - next.Sub(now)) / emission)
	if remaining < 0 {
		remaining = 0
	} else if remaining > burst {
		remaining = burst
	}

	return ratelimit.RateLimitResult{
		Allowed:    true,
		Remaining:  remaining,
		ResetAfter: next.Sub(now),
	}, nil
}

// StartCleanup launches the sweep goroutine. It exits when ctx is
// cancelled or Stop is called, whichever happens first.
func (l *MemoryRateLimiter) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				l.sweep(time.Now())
			}
		}
	}()
}

// sweep drops every key whose TAT fell behind the stale horizon. A
// client that keeps connecting keeps its TAT near now and survives.
func (l *MemoryRateLimiter) sweep(now time.Time) {
	horizon := now.Add(-l.staleAfter)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, tat := range l.tats {
		if tat.Before(horizon) {
			delete(l.tats, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter sweep", "evicted", evicted, "tracked", len(l.tats))
	}
}

// Stop halts the sweep goroutine and blocks until it has exited. Safe
// to call more than once, and alongside context cancellation.
func (l *MemoryRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
}

// Size reports how many keys are currently tracked.
func (l *MemoryRateLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tats)
}

var _ ratelimit.RateLimiter = (*MemoryRateLimiter)(nil)
