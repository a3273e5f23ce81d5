// Package resilience wraps calls to the bucket store and rule store
// with retry and circuit-breaker behavior, so a flaky backing store
// degrades gracefully instead of taking every caller down with it.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fluxgate/fluxgate/model"
)

// Retryer retries a call up to maxAttempts times with exponential
// backoff (initialBackoff * multiplier^(attempt-1), capped at
// maxBackoff), but only for errors tagged model.ErrStoreTransient;
// everything else is returned immediately.
type Retryer struct {
	maxAttempts    int
	initialBackoff time.Duration
	multiplier     float64
	maxBackoff     time.Duration
}

// NewRetryer builds a Retryer with the given attempt budget (including
// the first attempt) and the default backoff curve (100ms initial,
// 2x multiplier, 10s cap).
func NewRetryer(maxAttempts int) *Retryer {
	return NewRetryerWithBackoff(maxAttempts, 100*time.Millisecond, 2.0, 10*time.Second)
}

// NewRetryerWithBackoff builds a Retryer with an explicit backoff
// curve.
func NewRetryerWithBackoff(maxAttempts int, initialBackoff time.Duration, multiplier float64, maxBackoff time.Duration) *Retryer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	return &Retryer{maxAttempts: maxAttempts, initialBackoff: initialBackoff, multiplier: multiplier, maxBackoff: maxBackoff}
}

// Do runs fn, retrying on transient store errors up to the configured
// attempt budget.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.initialBackoff
	eb.Multiplier = r.multiplier
	eb.MaxInterval = r.maxBackoff
	eb.MaxElapsedTime = 0 // bounded by maxAttempts below, not wall-clock time

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.maxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, model.ErrStoreTransient) {
			return err
		}
		// non-retryable: wrap as a permanent error so backoff.Retry
		// stops immediately instead of exhausting the budget.
		return backoff.Permanent(err)
	}, bo)
}
