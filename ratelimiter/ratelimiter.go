// Package ratelimiter implements the multi-band consume loop: every
// band of every applicable rule must allow the request, or the bands
// already consumed from are compensated (refunded) before the reject
// is returned to the caller.
package ratelimiter

import (
	"context"
	"strconv"
	"time"

	"github.com/fluxgate/fluxgate/bucketstore"
	"github.com/fluxgate/fluxgate/keyresolver"
	"github.com/fluxgate/fluxgate/metrics"
	"github.com/fluxgate/fluxgate/model"
)

// RateLimiter evaluates a RuleSet against a request context.
type RateLimiter struct {
	store     bucketstore.BucketStore
	resolvers *keyresolver.Registry
	metrics   metrics.Recorder
	now       func() time.Time
}

// New builds a RateLimiter over the given bucket store and key
// resolver registry. A nil metrics.Recorder is replaced with a no-op.
func New(store bucketstore.BucketStore, resolvers *keyresolver.Registry, rec metrics.Recorder) *RateLimiter {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &RateLimiter{store: store, resolvers: resolvers, metrics: rec, now: time.Now}
}

// matchedRule pairs an applicable rule with its resolved scope value.
type matchedRule struct {
	rule  model.Rule
	scope string
}

// chargedBand records one successful band consume so it can be
// refunded if a later band rejects.
type chargedBand struct {
	key  string
	band model.Band
}

// Evaluate selects every enabled rule in rs that applies to reqCtx
// (rules whose key resolver reports an absent subject are skipped),
// consumes permits from every band of every selected rule, and
// returns the aggregate result: the request is allowed only if every
// band of every selected rule allows it. If no rule applies, it
// returns (nil, nil): the caller decides what "no matching rule"
// means. Note the distinction from a missing rule *set*: a present
// set in which no rule applies to this request simply allows.
func (rl *RateLimiter) Evaluate(ctx context.Context, rs *model.RuleSet, reqCtx model.RequestContext, permits int64) (*model.RateLimitResult, error) {
	if permits <= 0 {
		permits = 1
	}

	var matched []matchedRule
	for _, rule := range rs.Rules {
		if !rule.Enabled {
			continue
		}
		if rule.Match != nil && !rule.Match(reqCtx) {
			continue
		}
		scope, ok, err := rl.resolvers.Resolve(rule.KeyStrategyID, reqCtx)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		matched = append(matched, matchedRule{rule: rule, scope: scope})
	}
	if len(matched) == 0 {
		return nil, nil
	}

	result, err := rl.consumeAll(ctx, rs.RuleSetID, matched, permits)
	if err != nil {
		return nil, err
	}
	if result.Allowed {
		rl.metrics.ConsumeAllowed(rs.RuleSetID)
	} else {
		rl.metrics.ConsumeRejected(rs.RuleSetID)
	}
	return result, nil
}

// consumeAll applies the all-bands-must-allow rule across every
// matched rule: it consumes from each band in declaration order; the
// first rejecting band stops the loop and compensates every band
// already consumed from in this request, across rules, restoring
// their debited permits so a rejected request has zero net effect on
// token balances (modulo a compensation call itself failing, which is
// counted and self-heals within one refill window). MatchedRule
// reports the first matching rule regardless of which band rejected.
func (rl *RateLimiter) consumeAll(ctx context.Context, ruleSetID string, matched []matchedRule, permits int64) (*model.RateLimitResult, error) {
	now := rl.now().UnixNano()
	var charged []chargedBand
	var minRemaining int64 = -1
	var maxResetMillis int64

	for _, m := range matched {
		for i, band := range m.rule.Bands {
			key := keyresolver.CompositeKey(ruleSetID, m.rule.RuleID, m.scope) + ":" + bandSuffix(band, i)
			res, err := rl.store.Consume(ctx, key, band, permits, now)
			if err != nil {
				rl.compensate(ctx, ruleSetID, charged, permits)
				return nil, err
			}
			if res.ResetTimeMillis > maxResetMillis {
				maxResetMillis = res.ResetTimeMillis
			}
			if !res.Allowed {
				rl.compensate(ctx, ruleSetID, charged, permits)
				return &model.RateLimitResult{
					Allowed:         false,
					Remaining:       res.Remaining,
					NanosToWait:     res.NanosToWait,
					ResetTimeMillis: maxResetMillis,
					MatchedRule:     matched[0].rule.RuleID,
					RuleSetID:       ruleSetID,
					Key:             model.Key(key),
				}, nil
			}
			charged = append(charged, chargedBand{key: key, band: band})
			if minRemaining == -1 || res.Remaining < minRemaining {
				minRemaining = res.Remaining
			}
		}
	}

	return &model.RateLimitResult{
		Allowed:         true,
		Remaining:       minRemaining,
		ResetTimeMillis: maxResetMillis,
		MatchedRule:     matched[0].rule.RuleID,
		RuleSetID:       ruleSetID,
	}, nil
}

// compensate refunds permits back to every charged band.
// Compensation failures are not surfaced to the caller (the reject
// has already been decided); they only affect the refunded band's
// bookkeeping accuracy, which self-heals within one refill window.
func (rl *RateLimiter) compensate(ctx context.Context, ruleSetID string, charged []chargedBand, permits int64) {
	for _, c := range charged {
		if err := rl.store.Compensate(ctx, c.key, c.band, permits); err != nil {
			rl.metrics.CompensationFailed(ruleSetID)
		}
	}
}

// bandSuffix names a band's slot in the bucket key: its label if one
// was configured, else its positional index.
func bandSuffix(band model.Band, i int) string {
	if band.Label != "" {
		return band.Label
	}
	return strconv.Itoa(i)
}
