package config

import (
	"testing"
	"time"
)

func TestFromEnvAppliesDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BucketStore != BucketStoreRedis {
		t.Fatalf("expected redis bucket store by default, got %q", cfg.BucketStore)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Fatalf("expected 30s cache TTL default, got %s", cfg.CacheTTL)
	}
	if cfg.ReloadStrategy != ReloadAuto {
		t.Fatalf("expected auto reload default, got %q", cfg.ReloadStrategy)
	}
	if cfg.ReloadChannel != "fluxgate:rule-reload" {
		t.Fatalf("unexpected default channel %q", cfg.ReloadChannel)
	}
	if cfg.ResilienceFallback != FallbackFailOpen {
		t.Fatalf("expected fail-open fallback default, got %q", cfg.ResilienceFallback)
	}
}

func TestFromEnvReadsPrefixedVariables(t *testing.T) {
	t.Setenv("FLUXGATE_BUCKET_STORE", "memory")
	t.Setenv("FLUXGATE_CACHE_TTL", "90s")
	t.Setenv("FLUXGATE_RELOAD_STRATEGY", "polling")
	t.Setenv("FLUXGATE_RETRY_ENABLED", "false")
	t.Setenv("FLUXGATE_ON_MISSING_RULE_SET", "throw")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BucketStore != BucketStoreMemory {
		t.Fatalf("expected memory bucket store, got %q", cfg.BucketStore)
	}
	if cfg.CacheTTL != 90*time.Second {
		t.Fatalf("expected 90s cache TTL, got %s", cfg.CacheTTL)
	}
	if cfg.ReloadStrategy != ReloadPolling {
		t.Fatalf("expected polling, got %q", cfg.ReloadStrategy)
	}
	if cfg.RetryEnabled {
		t.Fatalf("expected retry disabled")
	}
	if cfg.OnMissingRuleSet != "throw" {
		t.Fatalf("expected throw, got %q", cfg.OnMissingRuleSet)
	}
}
