package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), RetryPolicy{Retries: 3, Delay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_BudgetExhausted(t *testing.T) {
	attempts, err := Do(context.Background(), RetryPolicy{Retries: 2, Delay: time.Millisecond}, func(context.Context) error {
		return errTest
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("expected errTest, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 1 + 2 retries = 3 attempts, got %d", attempts)
	}
}

func TestDo_ZeroRetries(t *testing.T) {
	attempts, err := Do(context.Background(), RetryPolicy{}, func(context.Context) error { return errTest })
	if !errors.Is(err, errTest) || attempts != 1 {
		t.Fatalf("expected a single failing attempt, got %d, %v", attempts, err)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	attempts, err := Do(context.Background(), RetryPolicy{Retries: 5, Delay: time.Millisecond}, func(context.Context) error {
		return Permanent(errTest)
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("expected errTest, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("permanent error must not be retried, got %d attempts", attempts)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := Do(ctx, RetryPolicy{Retries: 5, Delay: time.Hour}, func(context.Context) error {
		cancel()
		return errTest
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}
