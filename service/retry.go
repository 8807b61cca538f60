package service

import (
	"context"
	"math"
	"time"

	"github.com/xiaolu219/banana-slides/config"
)

// RetryPolicy retries transient provider errors with exponential backoff.
// Permanent errors fail immediately.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewRetryPolicy(cfg *config.RetryConfig) *RetryPolicy {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Duration(cfg.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.MaxBackoffMS) * time.Millisecond,
	}
}

// backoff calculates the exponential backoff for an attempt, capped at
// MaxBackoff.
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff) * math.Pow(2, float64(attempt))
	if d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	return time.Duration(d)
}

// Do runs fn up to MaxAttempts times. Only transient errors consume retry
// attempts; a permanent error or a cancelled context returns at once. The
// last error is returned when the budget is exhausted. Callers capture
// results in the closure.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
	}

	return lastErr
}
