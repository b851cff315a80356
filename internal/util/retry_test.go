package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryErrWithBackoff_LinearDelays(t *testing.T) {
	var delays []time.Duration
	backoff := func(attempt int) time.Duration {
		d := LinearBackoff(time.Millisecond)(attempt)
		delays = append(delays, d)
		return d
	}

	calls := 0
	err := RetryErrWithBackoff(context.Background(), 3, backoff, func(ctx context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil || err.Error() != "down" {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	// no pause after the final attempt
	if len(delays) != 2 || delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryErrWithBackoff_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryErrWithBackoff(ctx, 5, FixedBackoff(time.Hour), func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryErrWithBackoff_Success(t *testing.T) {
	calls := 0
	err := RetryErrWithBackoff(context.Background(), 3, FixedBackoff(0), func(ctx context.Context) error {
		calls++
		if calls == 2 {
			return nil
		}
		return errors.New("transient")
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryErrWithBackoff_MaxTriesZero(t *testing.T) {
	calls := 0
	err := RetryErrWithBackoff(context.Background(), 0, nil, func(ctx context.Context) error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryErrWithBackoff_FunctionReturnsContextError(t *testing.T) {
	calls := 0
	err := RetryErrWithBackoff(context.Background(), 5, nil, func(ctx context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}
