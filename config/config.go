// Package config defines the typed options table FluxGate binds its
// runtime behavior to, and a loader for populating it from the process
// environment. Binding this struct into a host application's own DI
// container is the host's job, not this package's.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// BucketStoreKind selects a bucket-store backend.
type BucketStoreKind string

const (
	BucketStoreRedis  BucketStoreKind = "redis"
	BucketStoreMemory BucketStoreKind = "memory"
)

// RuleStoreKind selects a rule-store backend.
type RuleStoreKind string

const (
	RuleStoreMongo  RuleStoreKind = "mongo"
	RuleStoreMemory RuleStoreKind = "memory"
)

// ReloadStrategyKind selects how the rule cache learns about changes.
type ReloadStrategyKind string

const (
	ReloadAuto    ReloadStrategyKind = "auto"
	ReloadPolling ReloadStrategyKind = "polling"
	ReloadPubSub  ReloadStrategyKind = "pubsub"
	ReloadNone    ReloadStrategyKind = "none"
)

// FallbackStrategy controls what the resilience wrapper does when a
// circuit is open.
type FallbackStrategy string

const (
	FallbackFailOpen   FallbackStrategy = "fail-open"
	FallbackFailClosed FallbackStrategy = "fail-closed"
)

// Config is the full set of options named in the external interfaces
// table. Every field maps to one FLUXGATE_-prefixed env var via the
// tags below (e.g. FLUXGATE_CACHE_TTL).
type Config struct {
	BucketStore      BucketStoreKind `env:"BUCKET_STORE" envDefault:"redis"`
	RedisAddr        string          `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB          int             `env:"REDIS_DB" envDefault:"0"`

	RuleStore  RuleStoreKind `env:"RULE_STORE" envDefault:"mongo"`
	MongoURI   string        `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDB    string        `env:"MONGO_DATABASE" envDefault:"fluxgate"`

	CacheMaxEntries  int           `env:"CACHE_MAX_ENTRIES" envDefault:"10000"`
	CacheTTL         time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	CacheNegativeTTL time.Duration `env:"CACHE_NEGATIVE_TTL" envDefault:"5s"`

	ReloadStrategy             ReloadStrategyKind `env:"RELOAD_STRATEGY" envDefault:"auto"`
	ReloadChannel              string             `env:"RELOAD_CHANNEL" envDefault:"fluxgate:rule-reload"`
	ReloadPollInterval         time.Duration      `env:"RELOAD_POLL_INTERVAL" envDefault:"15s"`
	ReloadInitialDelay         time.Duration      `env:"RELOAD_INITIAL_DELAY" envDefault:"0s"`
	ReloadRetryBudget          int                `env:"RELOAD_RETRY_BUDGET" envDefault:"10"`
	ReloadResetBucketsOnChange bool               `env:"RELOAD_RESET_BUCKETS_ON_CHANGE" envDefault:"true"`
	ReloadShutdownGrace        time.Duration      `env:"RELOAD_SHUTDOWN_GRACE" envDefault:"5s"`

	RetryEnabled        bool          `env:"RETRY_ENABLED" envDefault:"true"`
	RetryInitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"100ms"`
	RetryMultiplier     float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	RetryMaxBackoff     time.Duration `env:"RETRY_MAX_BACKOFF" envDefault:"10s"`

	CircuitBreakerEnabled      bool             `env:"CIRCUIT_BREAKER_ENABLED" envDefault:"true"`
	ResilienceMaxRetries       int              `env:"RESILIENCE_MAX_RETRIES" envDefault:"3"`
	ResilienceFailureThreshold uint32           `env:"RESILIENCE_FAILURE_THRESHOLD" envDefault:"5"`
	ResilienceOpenStateTimeout time.Duration    `env:"RESILIENCE_OPEN_STATE_TIMEOUT" envDefault:"30s"`
	ResilienceHalfOpenMaxCalls uint32           `env:"RESILIENCE_HALF_OPEN_MAX_CALLS" envDefault:"1"`
	ResilienceFallback         FallbackStrategy `env:"RESILIENCE_FALLBACK" envDefault:"fail-open"`

	WaitForRefillEnabled       bool          `env:"WAIT_FOR_REFILL_ENABLED" envDefault:"false"`
	WaitForRefillMaxWait       time.Duration `env:"WAIT_FOR_REFILL_MAX_WAIT" envDefault:"500ms"`
	WaitForRefillMaxConcurrent int64         `env:"WAIT_FOR_REFILL_MAX_CONCURRENT" envDefault:"100"`

	OnMissingRuleSet string `env:"ON_MISSING_RULE_SET" envDefault:"allow"`
}

// FromEnv loads a Config from the process environment, applying the
// defaults above for anything unset.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "FLUXGATE_"}); err != nil {
		return nil, err
	}
	return cfg, nil
}
