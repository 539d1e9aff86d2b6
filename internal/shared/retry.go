package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds how often an operation is attempted.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. Delays double after each failure: with a 100ms
// base the waits are 100ms, 200ms, 400ms.
// A nil retryable treats every error as retryable.
func Retry(ctx context.Context, p RetryPolicy, op string, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		delay := p.BaseDelay * time.Duration(1<<i)
		slog.Debug("Operation failed, retrying",
			"op", op,
			"attempt", i+1,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}
