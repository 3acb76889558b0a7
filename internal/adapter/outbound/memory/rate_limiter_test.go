package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/ratelimit"
	"go.uber.org/goleak"
)

func ipKey(ip string) string {
	return ratelimit.FormatKey(ratelimit.KeyTypeIP, ip)
}

func TestRateLimiter_FirstArrivalAdmitted(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	cfg := ratelimit.RateLimitConfig{Rate: 10, Burst: 5, Period: time.Second}

	res, err := limiter.Allow(context.Background(), ipKey("203.0.113.7"), cfg)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !res.Allowed {
		t.Error("first arrival should be admitted")
	}
	if res.Remaining < 0 || res.Remaining > cfg.Burst {
		t.Errorf("Remaining = %d, want within [0, %d]", res.Remaining, cfg.Burst)
	}
	if res.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v for an admitted arrival, want 0", res.RetryAfter)
	}
	if res.ResetAfter <= 0 {
		t.Errorf("ResetAfter = %v, want > 0 once budget is consumed", res.ResetAfter)
	}
}

func TestRateLimiter_RejectsPastBurst(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	// Hour-long period makes the outcome independent of test timing:
	// nothing replenishes while the loop runs.
	cfg := ratelimit.RateLimitConfig{Rate: 3, Burst: 3, Period: time.Hour}

	admitted, rejected := 0, 0
	var lastRejected ratelimit.RateLimitResult
	for i := 0; i < 10; i++ {
		res, err := limiter.Allow(context.Background(), ipKey("203.0.113.8"), cfg)
		if err != nil {
			t.Fatalf("Allow() #%d error: %v", i, err)
		}
		if res.Allowed {
			admitted++
		} else {
			rejected++
			lastRejected = res
		}
	}

	// GCRA admits one extra arrival at the window edge.
	if admitted < cfg.Burst || admitted > cfg.Burst+1 {
		t.Errorf("admitted = %d, want %d or %d", admitted, cfg.Burst, cfg.Burst+1)
	}
	if rejected == 0 {
		t.Fatal("expected rejections once the burst window is spent")
	}
	if lastRejected.RetryAfter <= 0 {
		t.Errorf("rejected RetryAfter = %v, want > 0", lastRejected.RetryAfter)
	}
	if lastRejected.ResetAfter < lastRejected.RetryAfter {
		t.Errorf("ResetAfter %v < RetryAfter %v", lastRejected.ResetAfter, lastRejected.RetryAfter)
	}
}

func TestRateLimiter_RejectionConsumesNoBudget(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	cfg := ratelimit.RateLimitConfig{Rate: 1, Burst: 1, Period: time.Hour}

	key := ipKey("203.0.113.9")
	rejected := 0
	var ceiling time.Duration
	for i := 0; i < 10; i++ {
		res, err := limiter.Allow(context.Background(), key, cfg)
		if err != nil {
			t.Fatalf("Allow() #%d error: %v", i, err)
		}
		if res.Allowed {
			continue
		}
		// Each rejection leaves the TAT alone, so ResetAfter can only
		// shrink as wall time passes.
		if ceiling != 0 && res.ResetAfter > ceiling {
			t.Errorf("ResetAfter grew from %v to %v across rejected arrivals", ceiling, res.ResetAfter)
		}
		ceiling = res.ResetAfter
		rejected++
	}
	if rejected == 0 {
		t.Fatal("expected rejections with a one-per-hour budget")
	}
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	cfg := ratelimit.RateLimitConfig{Rate: 1, Burst: 1, Period: time.Hour}

	// Exhaust one client entirely.
	for i := 0; i < 5; i++ {
		_, _ = limiter.Allow(context.Background(), ipKey("198.51.100.1"), cfg)
	}

	res, err := limiter.Allow(context.Background(), ipKey("198.51.100.2"), cfg)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !res.Allowed {
		t.Error("a fresh client must not inherit another client's exhaustion")
	}
}

func TestRateLimiter_BudgetReplenishes(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	cfg := ratelimit.RateLimitConfig{Rate: 10, Burst: 1, Period: 100 * time.Millisecond}

	key := ipKey("203.0.113.10")
	for i := 0; i < 5; i++ {
		_, _ = limiter.Allow(context.Background(), key, cfg)
	}

	// Longer than the whole window, so the stored TAT is in the past
	// and the client is back to a full budget.
	time.Sleep(150 * time.Millisecond)

	res, err := limiter.Allow(context.Background(), key, cfg)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !res.Allowed {
		t.Error("arrival after a full idle window should be admitted")
	}
}

func TestRateLimiter_UnconfiguredBudgetAdmits(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()

	// A zero config has no measurable emission interval; the limiter
	// must admit rather than panic on the zero division.
	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(context.Background(), ipKey("203.0.113.11"), ratelimit.RateLimitConfig{})
		if err != nil {
			t.Fatalf("Allow() #%d error: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("Allow() #%d rejected under a zero config", i)
		}
	}
	if limiter.Size() != 0 {
		t.Errorf("Size() = %d, zero-config arrivals should not be tracked", limiter.Size())
	}
}

func TestRateLimiter_ConcurrentClients(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	cfg := ratelimit.RateLimitConfig{Rate: 100, Burst: 50, Period: time.Second}

	var wg sync.WaitGroup
	errCh := make(chan error, 200)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Half the goroutines share one client, half spread out.
			key := ipKey("203.0.113.20")
			if n%2 == 0 {
				key = ipKey(fmt.Sprintf("10.0.0.%d", n))
			}
			if _, err := limiter.Allow(context.Background(), key, cfg); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent Allow() error: %v", err)
	}
}

func TestRateLimiter_SweepEvictsIdleClients(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	cfg := ratelimit.RateLimitConfig{Rate: 10, Burst: 5, Period: time.Second}

	for i := 0; i < 4; i++ {
		_, _ = limiter.Allow(context.Background(), ipKey(fmt.Sprintf("192.0.2.%d", i)), cfg)
	}
	if limiter.Size() != 4 {
		t.Fatalf("Size() = %d, want 4", limiter.Size())
	}

	// Sweep from far in the future: everything is stale.
	limiter.sweep(time.Now().Add(24 * time.Hour))
	if limiter.Size() != 0 {
		t.Errorf("Size() = %d after stale sweep, want 0", limiter.Size())
	}
}

func TestRateLimiter_SweepKeepsActiveClients(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	cfg := ratelimit.RateLimitConfig{Rate: 10, Burst: 5, Period: time.Second}

	_, _ = limiter.Allow(context.Background(), ipKey("192.0.2.50"), cfg)

	// Sweep at the current instant: the entry is fresh and survives.
	limiter.sweep(time.Now())
	if limiter.Size() != 1 {
		t.Errorf("Size() = %d after fresh sweep, want 1", limiter.Size())
	}
}

func TestRateLimiter_BackgroundSweep(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiterWithConfig(20*time.Millisecond, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	cfg := ratelimit.RateLimitConfig{Rate: 10, Burst: 5, Period: 50 * time.Millisecond}
	for i := 0; i < 3; i++ {
		_, _ = limiter.Allow(ctx, ipKey(fmt.Sprintf("192.0.2.%d", 100+i)), cfg)
	}

	deadline := time.Now().Add(2 * time.Second)
	for limiter.Size() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Size() = %d, background sweep never drained the map", limiter.Size())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	limiter := NewRateLimiterWithConfig(10*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter.StartCleanup(ctx)

	limiter.Stop()
	limiter.Stop()
	limiter.Stop()
}

func TestRateLimiter_ContextCancelStopsSweep(t *testing.T) {
	defer goleak.VerifyNone(t)

	limiter := NewRateLimiterWithConfig(10*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	limiter.StartCleanup(ctx)

	_, _ = limiter.Allow(ctx, ipKey("192.0.2.200"), ratelimit.RateLimitConfig{Rate: 10, Burst: 5, Period: time.Second})

	cancel()
	// Stop must still return promptly when the goroutine already
	// exited via the context.
	limiter.Stop()
}

func TestRateLimiter_AllowDuringSweeps(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiterWithConfig(5*time.Millisecond, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	cfg := ratelimit.RateLimitConfig{Rate: 1000, Burst: 100, Period: time.Second}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; ; j++ {
				select {
				case <-stop:
					return
				default:
				}
				_, _ = limiter.Allow(ctx, ipKey(fmt.Sprintf("10.1.%d.%d", n, j%64)), cfg)
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	time.Sleep(200 * time.Millisecond)
	close(stop)
	wg.Wait()
}
