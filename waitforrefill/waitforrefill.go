// Package waitforrefill is an optional caller-side helper: instead of
// returning a reject immediately, it sleeps for the rejected result's
// own NanosToWait and retries exactly once. A NanosToWait above the
// configured maximum is not waited on at all: the reject is returned
// as is. It is not part of the engine façade; callers opt in
// explicitly.
package waitforrefill

import (
	"context"
	"time"

	"github.com/fluxgate/fluxgate/model"
	"golang.org/x/sync/semaphore"
)

// Checker is the subset of engine.Engine's behavior needed here.
type Checker interface {
	Check(ctx context.Context, ruleSetID string, reqCtx model.RequestContext, permits int64) (*model.RateLimitResult, error)
}

// Waiter bounds the number of goroutines sleeping on a
// wait-for-refill retry at once, so a burst of rejected callers can't
// pile up unbounded timers.
type Waiter struct {
	engine  Checker
	sem     *semaphore.Weighted
	maxWait time.Duration
}

// New builds a Waiter over engine, allowing up to maxConcurrent
// simultaneous waits, each capped at maxWait.
func New(engine Checker, maxConcurrent int64, maxWait time.Duration) *Waiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Waiter{engine: engine, sem: semaphore.NewWeighted(maxConcurrent), maxWait: maxWait}
}

// CheckAndWait calls Check; if the first attempt is rejected and its
// NanosToWait is within maxWait, it sleeps that long (bounded by
// maxWait) and retries exactly once. If the wait slot pool is full,
// it returns the original reject without waiting, rather than
// blocking the caller indefinitely for a semaphore slot.
func (w *Waiter) CheckAndWait(ctx context.Context, ruleSetID string, reqCtx model.RequestContext, permits int64) (*model.RateLimitResult, error) {
	result, err := w.engine.Check(ctx, ruleSetID, reqCtx, permits)
	if err != nil || result == nil || result.Allowed {
		return result, err
	}

	wait := time.Duration(result.NanosToWait)
	if wait <= 0 || wait > w.maxWait {
		return result, nil
	}

	if !w.sem.TryAcquire(1) {
		return result, nil
	}
	defer w.sem.Release(1)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case <-timer.C:
	}

	return w.engine.Check(ctx, ruleSetID, reqCtx, permits)
}
