package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/policy/ratelimit"
)

// RateLimiter decides whether a caller may submit another job.
type RateLimiter interface {
	Allow(ctx context.Context, caller string) (bool, error)
}

// WindowLimiter counts requests per caller in fixed one-minute windows held
// in a shared store, so every instance sees the same counts.
type WindowLimiter struct {
	counter climate.WindowCounter
	limit   int64
	clock   climate.Clock
}

// NewWindowLimiter allows perMinute requests per caller and window.
func NewWindowLimiter(counter climate.WindowCounter, perMinute int, clock climate.Clock) *WindowLimiter {
	return &WindowLimiter{counter: counter, limit: int64(perMinute), clock: clock}
}

// Allow increments the caller's counter for the current window.
func (l *WindowLimiter) Allow(ctx context.Context, caller string) (bool, error) {
	window := l.clock.Now().Unix() / 60
	key := fmt.Sprintf("zca:rl:%d:%s", window, caller)
	n, err := l.counter.Incr(ctx, key, 2*time.Minute)
	if err != nil {
		return false, fmt.Errorf("increment rate window: %w", err)
	}
	return n <= l.limit, nil
}

// TokenLimiter applies an in-process token bucket per caller. Counts are not
// shared between instances.
type TokenLimiter struct {
	buckets *ratelimit.Limiter
}

// NewTokenLimiter allows bursts of perMinute refilled over a minute.
func NewTokenLimiter(perMinute int) *TokenLimiter {
	return &TokenLimiter{buckets: ratelimit.PerMinute(perMinute)}
}

// Allow consumes a token for caller.
func (l *TokenLimiter) Allow(_ context.Context, caller string) (bool, error) {
	return l.buckets.Allow(caller), nil
}
