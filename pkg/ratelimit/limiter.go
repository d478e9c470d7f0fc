package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Counter increments the request count for scope in the window that starts at
// windowStart (epoch seconds). pkg/redis.Client satisfies it.
type Counter interface {
	WindowCount(ctx context.Context, scope string, windowStart int64, window time.Duration) (int64, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int64
	Count     int64
	Remaining int64
	// ResetAt is when the current window closes.
	ResetAt time.Time
}

// RetryAfter is how long a blocked caller should wait, rounded up to whole seconds.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	if rem := wait % time.Second; rem != 0 {
		wait += time.Second - rem
	}
	return wait
}

// Limiter applies a fixed-window limit to arbitrary scopes.
type Limiter struct {
	counter Counter
	window  time.Duration
	now     func() time.Time
}

// NewLimiter builds a limiter over counter. Windows are counted in whole
// seconds, so window is rounded up to the next second.
func NewLimiter(counter Counter, window time.Duration) (*Limiter, error) {
	if counter == nil {
		return nil, fmt.Errorf("rate limit counter required")
	}
	if window < time.Second {
		window = time.Second
	}
	if rem := window % time.Second; rem != 0 {
		window += time.Second - rem
	}
	return &Limiter{counter: counter, window: window, now: time.Now}, nil
}

// WithClock swaps the time source; tests pin it.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	return &Limiter{counter: l.counter, window: l.window, now: now}
}

func (l *Limiter) Window() time.Duration {
	return l.window
}

// Allow counts one request against scope and reports whether it fits under limit.
func (l *Limiter) Allow(ctx context.Context, scope string, limit int64) (Decision, error) {
	now := l.now()
	size := int64(l.window / time.Second)
	start := ComputeWindowStart(now.Unix(), size)

	count, err := l.counter.WindowCount(ctx, scope, start, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("count %s: %w", scope, err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Count:     count,
		Remaining: remaining,
		ResetAt:   time.Unix(start+size, 0),
	}, nil
}
