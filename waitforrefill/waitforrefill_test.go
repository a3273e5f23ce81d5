package waitforrefill

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxgate/fluxgate/model"
)

type scriptedChecker struct {
	calls   atomic.Int64
	results []*model.RateLimitResult
}

func (s *scriptedChecker) Check(ctx context.Context, ruleSetID string, reqCtx model.RequestContext, permits int64) (*model.RateLimitResult, error) {
	i := int(s.calls.Add(1)) - 1
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], nil
}

func TestCheckAndWaitRetriesOnceAfterTheAdvisedWait(t *testing.T) {
	checker := &scriptedChecker{results: []*model.RateLimitResult{
		{Allowed: false, NanosToWait: int64(2 * time.Millisecond)},
		{Allowed: true, Remaining: 0},
	}}
	w := New(checker, 4, 100*time.Millisecond)

	res, err := w.CheckAndWait(context.Background(), "api", model.RequestContext{IP: "1.1.1.1"}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected the retry to succeed, got %+v", res)
	}
	if checker.calls.Load() != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", checker.calls.Load())
	}
}

func TestCheckAndWaitGivesUpWhenWaitExceedsBound(t *testing.T) {
	checker := &scriptedChecker{results: []*model.RateLimitResult{
		{Allowed: false, NanosToWait: int64(time.Minute)},
	}}
	w := New(checker, 4, 10*time.Millisecond)

	res, err := w.CheckAndWait(context.Background(), "api", model.RequestContext{IP: "1.1.1.1"}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected the original reject to be returned")
	}
	if checker.calls.Load() != 1 {
		t.Fatalf("a wait past the bound must not retry, got %d calls", checker.calls.Load())
	}
}

func TestCheckAndWaitPassesThroughAllowedResults(t *testing.T) {
	checker := &scriptedChecker{results: []*model.RateLimitResult{
		{Allowed: true, Remaining: 3},
	}}
	w := New(checker, 4, 10*time.Millisecond)

	res, err := w.CheckAndWait(context.Background(), "api", model.RequestContext{IP: "1.1.1.1"}, 1)
	if err != nil || !res.Allowed || res.Remaining != 3 {
		t.Fatalf("allowed results pass through untouched: %+v %v", res, err)
	}
	if checker.calls.Load() != 1 {
		t.Fatalf("no retry for an allowed first attempt")
	}
}

func TestCheckAndWaitSkipsWaitingWhenSlotsAreExhausted(t *testing.T) {
	checker := &scriptedChecker{results: []*model.RateLimitResult{
		{Allowed: false, NanosToWait: int64(time.Millisecond)},
	}}
	w := New(checker, 1, 100*time.Millisecond)

	// occupy the only slot
	if !w.sem.TryAcquire(1) {
		t.Fatalf("expected to grab the only wait slot")
	}
	defer w.sem.Release(1)

	res, err := w.CheckAndWait(context.Background(), "api", model.RequestContext{IP: "1.1.1.1"}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || checker.calls.Load() != 1 {
		t.Fatalf("a full slot pool returns the reject without retrying: %+v, %d calls", res, checker.calls.Load())
	}
}
