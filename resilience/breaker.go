package resilience

import (
	"context"

	"github.com/fluxgate/fluxgate/config"
	"github.com/fluxgate/fluxgate/metrics"
	"github.com/fluxgate/fluxgate/model"
	"github.com/sony/gobreaker"
)

// Breaker wraps named resources (e.g. "bucket-store", "rule-store")
// in their own three-state circuit breaker, combined with a Retryer
// for the attempts made while the circuit is closed or half-open.
type Breaker struct {
	breakers map[string]*gobreaker.CircuitBreaker
	retryer  *Retryer
	fallback config.FallbackStrategy
	metrics  metrics.Recorder
}

// NewBreaker builds a Breaker for the named resources, each configured
// identically from cfg.
func NewBreaker(cfg *config.Config, rec metrics.Recorder, resources []string) *Breaker {
	if rec == nil {
		rec = metrics.Noop{}
	}
	maxAttempts := cfg.ResilienceMaxRetries
	if !cfg.RetryEnabled {
		maxAttempts = 1
	}
	b := &Breaker{
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(resources)),
		retryer:  NewRetryerWithBackoff(maxAttempts, cfg.RetryInitialBackoff, cfg.RetryMultiplier, cfg.RetryMaxBackoff),
		fallback: cfg.ResilienceFallback,
		metrics:  rec,
	}
	for _, name := range resources {
		name := name
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.ResilienceHalfOpenMaxCalls,
			Timeout:     cfg.ResilienceOpenStateTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ResilienceFailureThreshold
			},
			OnStateChange: func(n string, from, to gobreaker.State) {
				if to == gobreaker.StateOpen {
					b.metrics.BreakerTripped(n)
				}
			},
		}
		b.breakers[name] = gobreaker.NewCircuitBreaker(settings)
	}
	return b
}

// Call routes fn through the named resource's breaker and retryer. If
// the breaker is open, the configured FallbackStrategy decides the
// outcome: fail-open returns nil (caller proceeds as if allowed);
// fail-closed returns model.ErrCircuitOpen.
func (b *Breaker) Call(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	cb, ok := b.breakers[resource]
	if !ok {
		return b.retryer.Do(ctx, fn)
	}

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, b.retryer.Do(ctx, fn)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		if b.fallback == config.FallbackFailOpen {
			return nil
		}
		return model.ErrCircuitOpen
	}
	return err
}

// State reports the current state of the named resource's breaker,
// mainly for tests and diagnostics.
func (b *Breaker) State(resource string) (gobreaker.State, bool) {
	cb, ok := b.breakers[resource]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}

// NoopBreaker is a shared, stateless pass-through StoreCaller used
// when resilience is disabled entirely. It is a package-level
// singleton because it carries no state to race over.
var NoopBreaker = noopBreaker{}

type noopBreaker struct{}

func (noopBreaker) Call(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
