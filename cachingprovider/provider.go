// Package cachingprovider wraps a rulestore.RuleStore behind a
// rulecache.Cache, routing store calls through a resilience wrapper
// and reacting to reload notifications by invalidating the affected
// entry.
package cachingprovider

import (
	"context"
	"time"

	"github.com/fluxgate/fluxgate/metrics"
	"github.com/fluxgate/fluxgate/model"
	"github.com/fluxgate/fluxgate/rulecache"
	"github.com/fluxgate/fluxgate/rulestore"
)

// StoreCaller is the subset of resilience behavior the provider
// needs: a single wrapped call to the backing store. Both
// resilience.Breaker and resilience.NoopBreaker implement this shape,
// and tests can pass a plain passthrough.
type StoreCaller interface {
	Call(ctx context.Context, resource string, fn func(ctx context.Context) error) error
}

// Provider serves assembled rule sets out of the cache, loading the
// member rules from the backing store on a miss.
type Provider struct {
	store    rulestore.RuleStore
	cache    *rulecache.Cache
	resilien StoreCaller
}

// New builds a Provider. maxEntries/ttl/negativeTTL size the cache;
// resilience may be nil, in which case store calls are made directly.
func New(store rulestore.RuleStore, maxEntries int, ttl, negativeTTL time.Duration, resilience StoreCaller) *Provider {
	p := &Provider{store: store, resilien: resilience}
	p.cache = rulecache.New(maxEntries, ttl, negativeTTL, p.loadFromStore)
	return p
}

// WithMetrics routes the underlying cache's hit/miss counts to rec.
// Must be called before the provider is shared across goroutines.
func (p *Provider) WithMetrics(rec metrics.Recorder) *Provider {
	p.cache.WithMetrics(rec)
	return p
}

// loadFromStore assembles the rule set from the store's rule-granular
// surface: every rule whose ruleSetId matches, already ordered by
// priority then rule id. An empty set is a confirmed absence.
func (p *Provider) loadFromStore(ctx context.Context, ruleSetID string) (*model.RuleSet, error) {
	var rules []model.Rule
	call := func(ctx context.Context) error {
		var err error
		rules, err = p.store.FindByRuleSetID(ctx, ruleSetID)
		return err
	}
	if p.resilien != nil {
		if err := p.resilien.Call(ctx, "rule-store", call); err != nil {
			return nil, err
		}
	} else if err := call(ctx); err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, model.ErrRuleSetMissing
	}
	return &model.RuleSet{RuleSetID: ruleSetID, Rules: rules}, nil
}

// Get returns the rule set for ruleSetID, served from cache when
// possible.
func (p *Provider) Get(ctx context.Context, ruleSetID string) (*model.RuleSet, error) {
	return p.cache.Get(ctx, ruleSetID)
}

// OnRuleChanged implements reload.Listener: it invalidates the
// affected cache entry (or the whole cache, if ruleSetID is empty,
// meaning "something changed, scope unknown").
func (p *Provider) OnRuleChanged(ruleSetID string, at time.Time) error {
	if ruleSetID == "" {
		p.cache.InvalidateAll()
		return nil
	}
	p.cache.Invalidate(ruleSetID)
	return nil
}
