package retry

import (
	"context"
	"time"

	"github.com/exploopio/attackmap/pkg/errors"
)

// Policy decides how many times an operation is attempted.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Backoff computes the delay between attempts (nil = DefaultBackoffConfig).
	Backoff *BackoffConfig

	// Retryable reports whether err is worth another attempt
	// (nil = errors.IsRetryable).
	Retryable func(err error) bool
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff == nil {
		p.Backoff = DefaultBackoffConfig()
	}
	if p.Retryable == nil {
		p.Retryable = errors.IsRetryable
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt == p.MaxAttempts || !p.Retryable(err) {
			return err
		}

		timer := time.NewTimer(p.Backoff.Interval(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.E(errors.KindTimeout, "retry.Do", ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
