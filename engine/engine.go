// Package engine assembles every other package into the single
// façade a host application calls: Check. Construction is handled by
// Builder, which resolves the cyclic wiring between the caching
// provider and the reload strategy (the provider must listen to the
// strategy; the strategy needs nothing from the provider) by
// registering the listener after both are built rather than building
// them in a cycle.
package engine

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/fluxgate/fluxgate/config"
	"github.com/fluxgate/fluxgate/fluxlog"
	"github.com/fluxgate/fluxgate/model"
	"github.com/fluxgate/fluxgate/ratelimiter"
	"github.com/fluxgate/fluxgate/reload"
)

// RuleProvider is the subset of cachingprovider.Provider's behavior
// the engine needs.
type RuleProvider interface {
	Get(ctx context.Context, ruleSetID string) (*model.RuleSet, error)
}

// Engine is the single entry point a host application holds onto.
type Engine struct {
	provider RuleProvider
	limiter  *ratelimiter.RateLimiter
	reload   reload.Strategy
	logger   fluxlog.Logger
	cfg      *config.Config

	wg           sync.WaitGroup
	shutdown     chan struct{}
	shutdownOnce sync.Once

	// closers are resources the Builder constructed on the engine's
	// behalf (e.g. a Redis client built from config rather than handed
	// in); closed last during Shutdown. Host-owned handles are never
	// added here.
	closers []io.Closer
}

// New assembles an Engine from already-constructed components. Most
// callers should use Builder instead; New is exposed for tests and
// for hosts that want to supply alternate component implementations
// directly.
func New(provider RuleProvider, limiter *ratelimiter.RateLimiter, strategy reload.Strategy, logger fluxlog.Logger, cfg *config.Config) *Engine {
	return &Engine{
		provider: provider,
		limiter:  limiter,
		reload:   strategy,
		logger:   logger,
		cfg:      cfg,
		shutdown: make(chan struct{}),
	}
}

// Start begins the reload strategy's background watching. Calling
// Check without calling Start first is valid (cache entries then live
// only until their TTL); Start is only needed to react to changes
// sooner than that.
func (e *Engine) Start(ctx context.Context) error {
	if e.reload == nil {
		return nil
	}
	return e.reload.Start(ctx)
}

// Check is the core operation: resolve the rule set for ruleSetID
// (through the cache), evaluate it against reqCtx, and return the
// aggregate result. On any infrastructure failure it applies the
// configured fail-open/onMissingRuleSet policy rather than surfacing
// the error to the caller.
func (e *Engine) Check(ctx context.Context, ruleSetID string, reqCtx model.RequestContext, permits int64) (*model.RateLimitResult, error) {
	e.wg.Add(1)
	defer e.wg.Done()

	select {
	case <-e.shutdown:
		return e.allowResult(ruleSetID), nil
	default:
	}

	rs, err := e.provider.Get(ctx, ruleSetID)
	if err != nil {
		if errors.Is(err, model.ErrRuleSetMissing) {
			if e.cfg != nil && e.cfg.OnMissingRuleSet == "throw" {
				return nil, err
			}
			return e.allowResult(ruleSetID), nil
		}
		e.logger.Error(ctx).Err(err).Str("rule_set_id", ruleSetID).Msg("rule set lookup failed, failing open")
		return e.allowResult(ruleSetID), nil
	}

	result, err := e.limiter.Evaluate(ctx, rs, reqCtx, permits)
	if err != nil {
		e.logger.Error(ctx).Err(err).Str("rule_set_id", ruleSetID).Msg("rate limit evaluation failed, failing open")
		return e.allowResult(ruleSetID), nil
	}
	if result == nil {
		// no rule in the set matched this request: allow.
		return e.allowResult(ruleSetID), nil
	}
	return result, nil
}

func (e *Engine) allowResult(ruleSetID string) *model.RateLimitResult {
	return &model.RateLimitResult{Allowed: true, RuleSetID: ruleSetID}
}

// Shutdown stops the reload strategy, waits (bounded by ctx) for
// every in-flight Check call to finish, then closes engine-owned
// resources.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() { close(e.shutdown) })

	if e.reload != nil {
		if err := e.reload.Stop(ctx); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			e.logger.Warn(ctx).Err(err).Msg("closing engine-owned resource failed")
		}
	}
	return nil
}
