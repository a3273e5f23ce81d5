package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/fluxgate/fluxgate/bucketstore"
	"github.com/fluxgate/fluxgate/keyresolver"
	"github.com/fluxgate/fluxgate/model"
)

func newTestLimiter() (*RateLimiter, *bucketstore.Memory) {
	store := bucketstore.NewMemory()
	resolvers := keyresolver.NewRegistry()
	return New(store, resolvers, nil), store
}

func TestEvaluateAllowsWithinEveryBand(t *testing.T) {
	rl, _ := newTestLimiter()
	rs := &model.RuleSet{
		RuleSetID: "checkout",
		Rules: []model.Rule{
			{
				RuleID:        "r1",
					Enabled:       true,
				KeyStrategyID: "global",
				Bands: []model.Band{
					{Capacity: 10, Window: time.Second},
					{Capacity: 100, Window: time.Minute},
				},
			},
		},
	}

	res, err := rl.Evaluate(context.Background(), rs, model.RequestContext{}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil || !res.Allowed {
		t.Fatalf("expected allow, got %+v", res)
	}
}

func TestEvaluateRejectsWhenAnyBandRejectsAndCompensatesOthers(t *testing.T) {
	rl, store := newTestLimiter()
	rs := &model.RuleSet{
		RuleSetID: "checkout",
		Rules: []model.Rule{
			{
				RuleID:        "r1",
					Enabled:       true,
				KeyStrategyID: "global",
				Bands: []model.Band{
					{Capacity: 10, Window: time.Second},
					{Capacity: 1, Window: time.Hour}, // tight band, will reject second call
				},
			},
		},
	}
	ctx := context.Background()

	// First call drains the tight band entirely.
	res1, err := rl.Evaluate(ctx, rs, model.RequestContext{}, 1)
	if err != nil || res1 == nil || !res1.Allowed {
		t.Fatalf("first call should be allowed: %+v %v", res1, err)
	}

	// Second call should reject on the tight band, and the first
	// (generous) band must be compensated back to its pre-consume
	// balance rather than staying debited.
	res2, err := rl.Evaluate(ctx, rs, model.RequestContext{}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res2 == nil || res2.Allowed {
		t.Fatalf("expected reject, got %+v", res2)
	}

	key := keyresolver.CompositeKey("checkout", "r1", "global") + ":0"
	state, err := store.Consume(ctx, key, model.Band{Capacity: 10, Window: time.Second}, 0, time.Now().UnixNano())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Remaining != 9 {
		t.Fatalf("expected generous band refunded to 9 remaining, got %d", state.Remaining)
	}
}

func TestEvaluateNoMatchingRuleReturnsNil(t *testing.T) {
	rl, _ := newTestLimiter()
	rs := &model.RuleSet{
		RuleSetID: "checkout",
		Rules: []model.Rule{
			{
				RuleID:        "r1",
					Enabled:       true,
				KeyStrategyID: "global",
				Bands:         []model.Band{{Capacity: 10, Window: time.Second}},
				Match:         func(model.RequestContext) bool { return false },
			},
		},
	}
	res, err := rl.Evaluate(context.Background(), rs, model.RequestContext{}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result for no matching rule, got %+v", res)
	}
}

func TestEvaluateUnresolvableScopeSkipsRule(t *testing.T) {
	rl, _ := newTestLimiter()
	rs := &model.RuleSet{
		RuleSetID: "checkout",
		Rules: []model.Rule{
			{RuleID: "r1", Enabled: true, KeyStrategyID: "per-user", Bands: []model.Band{{Capacity: 10, Window: time.Second}}},
			{RuleID: "r2", Enabled: true, KeyStrategyID: "global", Bands: []model.Band{{Capacity: 5, Window: time.Second}}},
		},
	}
	// No UserID set: per-user resolves empty, so rule r1 is skipped
	// and r2 (global) should match instead.
	res, err := rl.Evaluate(context.Background(), rs, model.RequestContext{}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil || res.MatchedRule != "r2" {
		t.Fatalf("expected r2 to match after r1 was skipped, got %+v", res)
	}
}

func TestEvaluateFairnessAfterRejection(t *testing.T) {
	rl, _ := newTestLimiter()
	base := time.Now()
	rl.now = func() time.Time { return base }

	rs := &model.RuleSet{
		RuleSetID: "api",
		Rules: []model.Rule{
			{RuleID: "r1", Enabled: true, KeyStrategyID: "per-ip", Bands: []model.Band{{Capacity: 5, Window: time.Minute}}},
		},
	}
	ctx := context.Background()
	reqCtx := model.RequestContext{IP: "1.1.1.1"}

	for i := 0; i < 5; i++ {
		res, err := rl.Evaluate(ctx, rs, reqCtx, 1)
		if err != nil || !res.Allowed {
			t.Fatalf("drain %d: %+v %v", i, res, err)
		}
	}

	// rejections at the same instant must not advance the refill
	// baseline
	for i := 0; i < 3; i++ {
		res, err := rl.Evaluate(ctx, rs, reqCtx, 1)
		if err != nil || res.Allowed {
			t.Fatalf("expected reject while drained: %+v %v", res, err)
		}
	}

	// one token refills every 12 seconds; exactly 12s later a single
	// permit must be available despite the intervening rejections.
	rl.now = func() time.Time { return base.Add(12 * time.Second) }
	res, err := rl.Evaluate(ctx, rs, reqCtx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || res.Remaining != 0 {
		t.Fatalf("expected the refilled token to be granted with 0 remaining, got %+v", res)
	}
}

func TestEvaluateMultiBandConjunction(t *testing.T) {
	rl, store := newTestLimiter()
	base := time.Now()
	rl.now = func() time.Time { return base }

	rs := &model.RuleSet{
		RuleSetID: "api",
		Rules: []model.Rule{
			{
				RuleID:        "r1",
				Enabled:       true,
				KeyStrategyID: "per-ip",
				Bands: []model.Band{
					{Capacity: 10, Window: time.Second},
					{Capacity: 20, Window: time.Minute},
				},
			},
		},
	}
	ctx := context.Background()
	reqCtx := model.RequestContext{IP: "1.1.1.1"}

	for i := 0; i < 10; i++ {
		res, err := rl.Evaluate(ctx, rs, reqCtx, 1)
		if err != nil || !res.Allowed {
			t.Fatalf("burst %d: %+v %v", i, res, err)
		}
	}

	// 11th in the same second: the fast band rejects first; it is the
	// first band evaluated, so nothing needs compensation and the slow
	// band stays at 10 remaining.
	res, err := rl.Evaluate(ctx, rs, reqCtx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected fast-band reject, got %+v", res)
	}
	if res.NanosToWait != int64(100*time.Millisecond) {
		t.Fatalf("expected 100ms wait for one fast-band token, got %d", res.NanosToWait)
	}

	// a second later the fast band is full again; ten more drain the
	// slow band to zero.
	rl.now = func() time.Time { return base.Add(time.Second) }
	for i := 0; i < 10; i++ {
		res, err := rl.Evaluate(ctx, rs, reqCtx, 1)
		if err != nil || !res.Allowed {
			t.Fatalf("second burst %d: %+v %v", i, res, err)
		}
	}

	// half a second later the fast band has refilled but the slow band
	// has not; the reject must come from the slow band and the fast
	// band's debit must be compensated.
	rl.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	res, err = rl.Evaluate(ctx, rs, reqCtx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected slow-band reject, got %+v", res)
	}
	if res.NanosToWait != int64(3*time.Second) {
		t.Fatalf("expected 3s wait for one slow-band token, got %d", res.NanosToWait)
	}

	fastKey := keyresolver.CompositeKey("api", "r1", "1.1.1.1") + ":0"
	peek, err := store.Consume(ctx, fastKey, model.Band{Capacity: 10, Window: time.Second}, 0, base.Add(1500*time.Millisecond).UnixNano())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peek.Remaining != 5 {
		t.Fatalf("expected the fast band's debit to be refunded (5 tokens at +1.5s), got %d", peek.Remaining)
	}
}

func TestEvaluateConsumesEveryApplicableRule(t *testing.T) {
	rl, store := newTestLimiter()
	rs := &model.RuleSet{
		RuleSetID: "api",
		Rules: []model.Rule{
			{RuleID: "r1", Enabled: true, KeyStrategyID: "per-ip", Bands: []model.Band{{Capacity: 10, Window: time.Minute}}},
			{RuleID: "r2", Enabled: true, KeyStrategyID: "per-user", Bands: []model.Band{{Capacity: 1, Window: time.Hour}}},
		},
	}
	ctx := context.Background()
	reqCtx := model.RequestContext{IP: "1.1.1.1", UserID: "u1"}

	res, err := rl.Evaluate(ctx, rs, reqCtx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil || !res.Allowed {
		t.Fatalf("expected allow when every rule's bands allow, got %+v", res)
	}
	if res.MatchedRule != "r1" {
		t.Fatalf("expected the first matching rule to be reported, got %q", res.MatchedRule)
	}
	if res.Remaining != 0 {
		t.Fatalf("expected the tightest band's remaining (r2's 0), got %d", res.Remaining)
	}

	// both rules' buckets were debited, not just the first rule's
	now := time.Now().UnixNano()
	r2Key := keyresolver.CompositeKey("api", "r2", "u1") + ":0"
	peek, err := store.Consume(ctx, r2Key, model.Band{Capacity: 1, Window: time.Hour}, 0, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peek.Remaining != 0 {
		t.Fatalf("expected r2's bucket to be drained, got %d remaining", peek.Remaining)
	}

	// the second request charges r1 first, then rejects on r2; r1's
	// debit must be refunded across the rule boundary
	res2, err := rl.Evaluate(ctx, rs, reqCtx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res2 == nil || res2.Allowed {
		t.Fatalf("expected reject from r2's exhausted band, got %+v", res2)
	}
	if res2.MatchedRule != "r1" {
		t.Fatalf("the first matching rule is reported even when a later rule rejects, got %q", res2.MatchedRule)
	}
	if string(res2.Key) != r2Key {
		t.Fatalf("expected the rejecting band's key %q, got %q", r2Key, res2.Key)
	}

	r1Key := keyresolver.CompositeKey("api", "r1", "1.1.1.1") + ":0"
	peek, err = store.Consume(ctx, r1Key, model.Band{Capacity: 10, Window: time.Minute}, 0, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peek.Remaining != 9 {
		t.Fatalf("expected r1 refunded to 9 remaining after the cross-rule reject, got %d", peek.Remaining)
	}
}
