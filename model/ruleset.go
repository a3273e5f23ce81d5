// Package model holds the value types shared across every FluxGate
// component: rules, keys, bucket state and results. Nothing in this
// package talks to a network or a clock beyond reading it; it is the
// vocabulary the rest of the module is built from.
package model

import (
	"sync/atomic"
	"time"
)

// Band is a single token-bucket limit within a rule: N permits per
// window, refilled continuously at capacity/window per nanosecond.
type Band struct {
	Capacity int64
	Window   time.Duration
	// Label is an optional diagnostic name; when set it is used in the
	// bucket key in place of the band's positional index, so reordering
	// a rule's bands doesn't move an in-flight bucket to a new key.
	Label string
}

// Scope names which request attribute a rule's key resolver reads to
// identify the subject owning a bucket.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopePerIP     Scope = "per-ip"
	ScopePerUser   Scope = "per-user"
	ScopePerAPIKey Scope = "per-api-key"
	ScopeCustom    Scope = "custom"
)

// OnLimitExceedPolicy controls what a rejected request's caller layer
// (not the core) is invited to do about it.
type OnLimitExceedPolicy string

const (
	PolicyReject        OnLimitExceedPolicy = "reject"
	PolicyWaitForRefill OnLimitExceedPolicy = "wait-for-refill"
)

// Rule binds a key strategy to one or more bands, ordered by
// priority (lower values match first).
type Rule struct {
	RuleID        string
	Name          string
	Enabled       bool
	Scope         Scope
	KeyStrategyID string
	OnLimitExceed OnLimitExceedPolicy
	Priority      int
	Bands         []Band
	RuleSetID     string
	Attributes    map[string]string
	// Match narrows which requests this rule applies to beyond the
	// Enabled flag (e.g. path/method filtering performed by the
	// caller's HTTP layer before invoking the core); nil matches every
	// request routed to the owning rule set.
	Match func(RequestContext) bool
}

// RuleSet is the ordered corpus of rules evaluated for one logical
// limit (e.g. one API endpoint family). RuleSets are treated as
// immutable once built: a reload replaces the whole value, it never
// mutates one in place.
type RuleSet struct {
	RuleSetID string
	Rules     []Rule
	Version   string
	UpdatedAt time.Time
}

// RequestContext carries whatever a key resolver needs to compute a
// rate-limit key: caller identity, request attributes, anything a
// custom resolver looks up.
type RequestContext struct {
	IP     string
	UserID string
	APIKey string
	Method string
	Path   string
	Attrs  map[string]string
}

// Key is the fully-resolved, opaque identifier a bucket is stored
// under: ruleSetId, ruleId, resolved scope value and band slot joined
// by colons. Two keys are equal iff their strings are equal.
type Key string

func (k Key) String() string { return string(k) }

// BucketState is the persisted state of one token bucket. Tokens is
// integral: all refill math is integer-only so very slow rates
// (one token per day) never vanish into floating-point rounding.
type BucketState struct {
	Tokens     int64
	LastRefill time.Time
}

// RateLimitResult is returned by the rate limiter for one Check call.
// Remaining is the post-consume balance when allowed and the
// pre-consume view of the rejecting band otherwise. Key is the bucket
// key of the rejecting band; it is empty on allow.
type RateLimitResult struct {
	Allowed         bool
	Remaining       int64
	NanosToWait     int64
	ResetTimeMillis int64
	MatchedRule     string
	RuleSetID       string
	Key             Key
}

// CacheEntry wraps a cached RuleSet with its own access bookkeeping,
// following the same atomic-counter shape as a hand-rolled LRU entry:
// cheap to touch from concurrent readers without taking the cache's
// own lock just to record a hit.
type CacheEntry struct {
	RuleSet     *RuleSet
	Negative    bool
	CachedAt    time.Time
	ExpiresAt   time.Time
	AccessCount atomic.Int64
}

// IsExpired reports whether the entry's TTL has elapsed as of now.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Touch records an access and returns the new access count.
func (e *CacheEntry) Touch() int64 {
	return e.AccessCount.Add(1)
}
