package util

import (
	"context"
	"errors"
	"time"
)

// Backoff returns the pause before the given retry (1-based: the pause after
// the first failed attempt is Backoff(1)).
type Backoff func(attempt int) time.Duration

// LinearBackoff waits attempt*step between attempts.
func LinearBackoff(step time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

// FixedBackoff waits the same delay between every attempt.
func FixedBackoff(delay time.Duration) Backoff {
	return func(int) time.Duration {
		return delay
	}
}

// RetryErrWithBackoff calls fn up to maxTries times, sleeping backoff(attempt)
// between failures. A nil backoff retries immediately. Context cancellation
// stops retrying and is returned as is.
func RetryErrWithBackoff(ctx context.Context, maxTries int, backoff Backoff, fn func(context.Context) error) error {
	if maxTries <= 0 {
		maxTries = 1
	}

	var lastErr error
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err

		if i == maxTries-1 || backoff == nil {
			continue
		}
		if err := Sleep(ctx, backoff(i+1)); err != nil {
			return err
		}
	}
	return lastErr
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
