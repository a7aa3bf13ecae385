package util

import (
	"context"
	"sync"
	"time"
)

// IntervalLimiter enforces a minimum wall-clock interval between operations.
// Unlike a token bucket, the interval is measured from the *completion* of
// the previous operation, which is what the gateway's pacing rules require:
// call Wait before the request and Mark when the request finishes.
type IntervalLimiter struct {
	mu     sync.Mutex
	window time.Duration
	last   time.Time

	now func() time.Time // test hook
}

// NewIntervalLimiter creates a limiter with the given minimum interval.
func NewIntervalLimiter(window time.Duration) *IntervalLimiter {
	return &IntervalLimiter{
		window: window,
		now:    time.Now,
	}
}

// Window returns the configured minimum interval.
func (l *IntervalLimiter) Window() time.Duration { return l.window }

// Wait blocks until at least the window has elapsed since the last Mark, or
// the context is cancelled. The first call never blocks.
func (l *IntervalLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	var remaining time.Duration
	if !l.last.IsZero() {
		elapsed := l.now().Sub(l.last)
		if elapsed < l.window {
			remaining = l.window - elapsed
		}
	}
	l.mu.Unlock()

	if remaining <= 0 {
		return nil
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Mark records the completion time of the current operation; the next Wait
// measures its interval from this point.
func (l *IntervalLimiter) Mark() {
	l.mu.Lock()
	l.last = l.now()
	l.mu.Unlock()
}
