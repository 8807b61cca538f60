package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xiaolu219/banana-slides/config"
)

func testRetryPolicy(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	p := testRetryPolicy(3)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return TransientError(errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryPolicyClampsZeroAttempts(t *testing.T) {
	p := NewRetryPolicy(&config.RetryConfig{})
	if p.MaxAttempts != 1 {
		t.Fatalf("Expected zero max_attempts clamped to 1, got %d", p.MaxAttempts)
	}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected exactly 1 call, got %d", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	p := testRetryPolicy(5)

	calls := 0
	permanent := PermanentError(errors.New("safety block"))
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("Expected the permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Permanent error must not be retried, got %d calls", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	p := testRetryPolicy(3)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return TransientError(errors.New("still flaky"))
	})
	if err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestRetryRespectsContextCancel(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Minute, // long enough that only cancel can end the wait
		MaxBackoff:     time.Minute,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		return TransientError(errors.New("flaky"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call before cancel, got %d", calls)
	}
}

func TestBackoffCapped(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts:    10,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}

	if d := p.backoff(0); d != 100*time.Millisecond {
		t.Errorf("Expected 100ms for attempt 0, got %v", d)
	}
	if d := p.backoff(1); d != 200*time.Millisecond {
		t.Errorf("Expected 200ms for attempt 1, got %v", d)
	}
	if d := p.backoff(8); d != time.Second {
		t.Errorf("Expected cap at 1s, got %v", d)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(TransientError(errors.New("x"))) {
		t.Error("TransientError should be transient")
	}
	if IsTransient(PermanentError(errors.New("x"))) {
		t.Error("PermanentError should not be transient")
	}
	// Unknown errors get the retry budget
	if !IsTransient(errors.New("unknown")) {
		t.Error("Unknown errors should be treated as transient")
	}
}
