package rulecache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxgate/fluxgate/model"
)

func TestGetLoadsOnMissAndCachesResult(t *testing.T) {
	var loads int64
	c := New(10, time.Minute, time.Second, func(ctx context.Context, id string) (*model.RuleSet, error) {
		atomic.AddInt64(&loads, 1)
		return &model.RuleSet{RuleSetID: id}, nil
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rs, err := c.Get(ctx, "checkout")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rs.RuleSetID != "checkout" {
			t.Fatalf("unexpected rule set: %+v", rs)
		}
	}
	if atomic.LoadInt64(&loads) != 1 {
		t.Fatalf("expected exactly 1 load, got %d", loads)
	}
}

func TestGetCachesNegativeResultSeparately(t *testing.T) {
	var loads int64
	c := New(10, time.Minute, time.Minute, func(ctx context.Context, id string) (*model.RuleSet, error) {
		atomic.AddInt64(&loads, 1)
		return nil, model.ErrRuleSetMissing
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Get(ctx, "absent")
		if err != model.ErrRuleSetMissing {
			t.Fatalf("expected ErrRuleSetMissing, got %v", err)
		}
	}
	if atomic.LoadInt64(&loads) != 1 {
		t.Fatalf("expected negative result to be cached after first load, got %d loads", loads)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	var loads int64
	c := New(10, time.Minute, time.Second, func(ctx context.Context, id string) (*model.RuleSet, error) {
		atomic.AddInt64(&loads, 1)
		return &model.RuleSet{RuleSetID: id}, nil
	})

	ctx := context.Background()
	if _, err := c.Get(ctx, "checkout"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Invalidate("checkout")
	if _, err := c.Get(ctx, "checkout"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt64(&loads) != 2 {
		t.Fatalf("expected reload after invalidate, got %d loads", loads)
	}
}

func TestEvictsLRUWhenOverCapacity(t *testing.T) {
	c := New(2, time.Minute, time.Second, func(ctx context.Context, id string) (*model.RuleSet, error) {
		return &model.RuleSet{RuleSetID: id}, nil
	})
	ctx := context.Background()
	_, _ = c.Get(ctx, "a")
	_, _ = c.Get(ctx, "b")
	_, _ = c.Get(ctx, "c") // evicts "a", the least recently used

	if c.Size() != 2 {
		t.Fatalf("expected capacity-bounded size of 2, got %d", c.Size())
	}
}
