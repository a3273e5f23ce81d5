package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/fluxgate/fluxgate/bucketreset"
	"github.com/fluxgate/fluxgate/bucketstore"
	"github.com/fluxgate/fluxgate/cachingprovider"
	"github.com/fluxgate/fluxgate/config"
	"github.com/fluxgate/fluxgate/fluxlog"
	"github.com/fluxgate/fluxgate/keyresolver"
	"github.com/fluxgate/fluxgate/metrics"
	"github.com/fluxgate/fluxgate/model"
	"github.com/fluxgate/fluxgate/ratelimiter"
	"github.com/fluxgate/fluxgate/reload"
	"github.com/fluxgate/fluxgate/resilience"
	"github.com/fluxgate/fluxgate/rulestore"
)

// Builder assembles an Engine from a Config plus whatever
// infrastructure handles the host already owns. Every With method
// returns the Builder for chaining; Build wires the pieces together,
// resolving the caching-provider / reload-strategy cycle by
// registering the provider as a listener after both exist.
type Builder struct {
	cfg     *config.Config
	logger  fluxlog.Logger
	metrics metrics.Recorder

	redisClient *redis.Client
	mongoColl   *mongo.Collection

	bucketStore bucketstore.BucketStore
	ruleStore   rulestore.RuleStore
	strategy    reload.Strategy
	resolvers   *keyresolver.Registry
	listeners   []reload.Listener
	audit       reload.AuditSink
}

// NewBuilder starts a Builder over cfg. A nil cfg is loaded from the
// process environment.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{
		cfg:       cfg,
		logger:    fluxlog.Default(),
		resolvers: keyresolver.NewRegistry(),
	}
}

// WithLogger replaces the default stderr logger.
func (b *Builder) WithLogger(l fluxlog.Logger) *Builder {
	b.logger = l
	return b
}

// WithMetrics supplies the Recorder every component reports into.
func (b *Builder) WithMetrics(rec metrics.Recorder) *Builder {
	b.metrics = rec
	return b
}

// WithRedis supplies the host's Redis client for the bucket store and
// the pub/sub reload channel. The host owns the client's lifecycle;
// Shutdown will not close it.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redisClient = client
	return b
}

// WithMongo supplies the rule collection for the mongo rule store.
// The host owns the client's lifecycle.
func (b *Builder) WithMongo(coll *mongo.Collection) *Builder {
	b.mongoColl = coll
	return b
}

// WithBucketStore overrides the config-selected bucket store.
func (b *Builder) WithBucketStore(s bucketstore.BucketStore) *Builder {
	b.bucketStore = s
	return b
}

// WithRuleStore overrides the config-selected rule store.
func (b *Builder) WithRuleStore(s rulestore.RuleStore) *Builder {
	b.ruleStore = s
	return b
}

// WithReloadStrategy overrides the config-selected reload strategy.
func (b *Builder) WithReloadStrategy(s reload.Strategy) *Builder {
	b.strategy = s
	return b
}

// WithKeyResolver registers a custom resolver under id, available to
// any rule whose keyStrategyId names it.
func (b *Builder) WithKeyResolver(id string, fn keyresolver.Func) *Builder {
	b.resolvers.Register(id, fn)
	return b
}

// WithListener registers an additional reload listener alongside the
// caching provider and the bucket reset handler.
func (b *Builder) WithListener(l reload.Listener) *Builder {
	b.listeners = append(b.listeners, l)
	return b
}

// WithAuditSink attaches a rule-change audit observer to the reload
// strategy.
func (b *Builder) WithAuditSink(s reload.AuditSink) *Builder {
	b.audit = s
	return b
}

// Build wires everything and returns a ready Engine. The reload
// strategy is not started; call Engine.Start.
func (b *Builder) Build() (*Engine, error) {
	cfg := b.cfg
	if cfg == nil {
		loaded, err := config.FromEnv()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	rec := b.metrics
	if rec == nil {
		rec = metrics.NewAtomic()
	}

	var ownedRedis *redis.Client
	redisClient := func() *redis.Client {
		if b.redisClient != nil {
			return b.redisClient
		}
		if ownedRedis == nil {
			ownedRedis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		}
		return ownedRedis
	}

	buckets := b.bucketStore
	if buckets == nil {
		switch cfg.BucketStore {
		case config.BucketStoreMemory:
			buckets = bucketstore.NewMemory()
		case config.BucketStoreRedis:
			buckets = bucketstore.NewRedis(redisClient())
		default:
			return nil, fmt.Errorf("engine: unknown bucket store %q: %w", cfg.BucketStore, model.ErrInvalidArgument)
		}
	}

	rules := b.ruleStore
	if rules == nil {
		switch cfg.RuleStore {
		case config.RuleStoreMemory:
			rules = rulestore.NewMemory()
		case config.RuleStoreMongo:
			if b.mongoColl == nil {
				return nil, fmt.Errorf("engine: rule store %q needs WithMongo: %w", cfg.RuleStore, model.ErrInvalidArgument)
			}
			rules = rulestore.NewMongo(b.mongoColl, false)
		default:
			return nil, fmt.Errorf("engine: unknown rule store %q: %w", cfg.RuleStore, model.ErrInvalidArgument)
		}
	}

	// only the rule store is routed through the breaker: the bucket
	// store's consume path already fails open at the engine boundary,
	// so wrapping it is left to hosts that pass a pre-wrapped
	// BucketStore via WithBucketStore.
	var caller cachingprovider.StoreCaller
	if cfg.CircuitBreakerEnabled {
		caller = resilience.NewBreaker(cfg, rec, []string{"rule-store"})
	} else if cfg.RetryEnabled {
		caller = resilience.NewBreaker(cfg, rec, nil)
	} else {
		caller = resilience.NoopBreaker
	}

	provider := cachingprovider.New(rules, cfg.CacheMaxEntries, cfg.CacheTTL, cfg.CacheNegativeTTL, caller).WithMetrics(rec)
	limiter := ratelimiter.New(buckets, b.resolvers, rec)

	strategy, err := b.buildStrategy(cfg, redisClient, rec)
	if err != nil {
		return nil, err
	}

	strategy.RegisterListener(provider)
	if cfg.ReloadResetBucketsOnChange {
		strategy.RegisterListener(bucketreset.New(buckets, b.logger, rec))
	}
	for _, l := range b.listeners {
		strategy.RegisterListener(l)
	}
	if sinkable, ok := strategy.(interface{ SetAuditSink(reload.AuditSink) }); ok {
		audit := b.audit
		if audit == nil {
			audit = loggingAudit{logger: b.logger, metrics: rec}
		}
		sinkable.SetAuditSink(audit)
	}

	e := New(provider, limiter, strategy, b.logger, cfg)
	if ownedRedis != nil {
		e.closers = append(e.closers, ownedRedis)
	}
	return e, nil
}

func (b *Builder) buildStrategy(cfg *config.Config, redisClient func() *redis.Client, rec metrics.Recorder) (reload.Strategy, error) {
	if b.strategy != nil {
		return b.strategy, nil
	}

	kind := cfg.ReloadStrategy
	if kind == config.ReloadAuto {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := redisClient().Ping(ctx).Err()
		cancel()
		if err == nil {
			kind = config.ReloadPubSub
		} else {
			b.logger.Warn(context.Background()).Err(err).Msg("redis unreachable, reload falling back to polling")
			kind = config.ReloadPolling
		}
	}

	switch kind {
	case config.ReloadNone:
		return reload.NewNone(), nil
	case config.ReloadPolling:
		return reload.NewPolling(cfg.ReloadPollInterval, nil).WithInitialDelay(cfg.ReloadInitialDelay), nil
	case config.ReloadPubSub:
		onFatal := func(err error) {
			rec.ReloadFailed()
			b.logger.Error(context.Background()).Err(err).Msg("pubsub reload exhausted its retry budget")
		}
		return reload.NewPubSub(redisClient(), cfg.ReloadChannel, cfg.ReloadRetryBudget, onFatal), nil
	default:
		return nil, fmt.Errorf("engine: unknown reload strategy %q: %w", cfg.ReloadStrategy, model.ErrInvalidArgument)
	}
}

// loggingAudit is the default audit sink: every delivered change
// notification is logged and counted.
type loggingAudit struct {
	logger  fluxlog.Logger
	metrics metrics.Recorder
}

func (a loggingAudit) OnRuleChanged(ruleSetID string, at time.Time) {
	a.metrics.ReloadSucceeded()
	a.logger.Info(context.Background()).
		Str("rule_set_id", ruleSetID).
		Time("changed_at", at).
		Msg("rule change applied")
}
