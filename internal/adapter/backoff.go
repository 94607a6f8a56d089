package adapter

import (
	"context"
	"time"
)

// Backoff is a capped exponential retry schedule.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	Factor      float64
	MaxAttempts int // total attempts including the first
}

// DefaultBackoff waits 250ms, 500ms, 1s, 2s between five attempts, never more than 5s.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        250 * time.Millisecond,
		Cap:         5 * time.Second,
		Factor:      2.0,
		MaxAttempts: 5,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	limit := b.Cap
	if limit <= 0 {
		limit = 5 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := base
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next >= limit {
			return limit
		}
		wait = next
	}
	if wait > limit {
		return limit
	}
	return wait
}

// Attempts returns MaxAttempts, at least 1.
func (b Backoff) Attempts() int {
	if b.MaxAttempts < 1 {
		return 1
	}
	return b.MaxAttempts
}

// Sleep waits for Delay(attempt) or until ctx is done.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
