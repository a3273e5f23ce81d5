package bucketstore

import (
	"context"
	"math/bits"
	"strings"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/model"
)

// memoryBucket is one bucket's record plus the expiration deadline a
// shared store would enforce with a per-key TTL; expired entries are
// treated as absent on the next access instead of being swept by a
// background goroutine.
type memoryBucket struct {
	state     model.BucketState
	expiresAt int64
}

// Memory is an in-process BucketStore, used for tests and for
// standalone deployments with a single instance and no external
// store. It implements the same refill-then-consume algorithm in Go
// rather than Lua, guarded by a single mutex, which is adequate for
// the workloads that choose this variant in the first place.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]memoryBucket
}

// NewMemory builds an empty in-process BucketStore.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]memoryBucket)}
}

func (m *Memory) Consume(ctx context.Context, key string, band model.Band, permits int64, nowNanos int64) (ConsumeResult, error) {
	if err := ValidateConsume(band, permits); err != nil {
		return ConsumeResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tokens := band.Capacity
	lastRefill := nowNanos
	if b, exists := m.buckets[key]; exists && nowNanos < b.expiresAt {
		tokens = b.state.Tokens
		lastRefill = b.state.LastRefill.UnixNano()
	}

	elapsed := nowNanos - lastRefill
	if elapsed < 0 {
		elapsed = 0
	}
	windowNanos := band.Window.Nanoseconds()

	if elapsed >= windowNanos {
		tokens = band.Capacity
	} else {
		tokens += mulDiv(elapsed, band.Capacity, windowNanos)
		if tokens > band.Capacity {
			tokens = band.Capacity
		}
	}

	resetMillis := (nowNanos + mulDivCeil(band.Capacity-tokens, windowNanos, band.Capacity)) / int64(time.Millisecond)

	if tokens >= permits {
		tokens -= permits
		m.buckets[key] = memoryBucket{
			state:     model.BucketState{Tokens: tokens, LastRefill: time.Unix(0, nowNanos)},
			expiresAt: nowNanos + bucketTTLSeconds(windowNanos)*int64(time.Second),
		}
		return ConsumeResult{Allowed: true, Remaining: tokens, ResetTimeMillis: resetMillis}, nil
	}

	nanosToWait := mulDivCeil(permits-tokens, windowNanos, band.Capacity)
	// read-only on rejection: the stored (tokens, last_refill) pair is
	// left byte-identical so a rejected caller never costs the next
	// attempt any fairness.
	return ConsumeResult{Allowed: false, Remaining: tokens, NanosToWait: nanosToWait, ResetTimeMillis: resetMillis}, nil
}

// Compensate restores permits tokens to key's bucket, capped at the
// band's capacity, without disturbing last_refill.
func (m *Memory) Compensate(ctx context.Context, key string, band model.Band, permits int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[key]
	if !exists {
		// nothing to compensate: the consume this is undoing never
		// persisted (e.g. it raced with a reset), so there is no debit
		// to restore.
		return nil
	}

	tokens := b.state.Tokens + permits
	if tokens > band.Capacity {
		tokens = band.Capacity
	}
	b.state.Tokens = tokens
	m.buckets[key] = b
	return nil
}

func (m *Memory) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, key)
	return nil
}

func (m *Memory) ResetByPrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.buckets {
		if strings.HasPrefix(k, prefix) {
			delete(m.buckets, k)
		}
	}
	return nil
}

// bucketTTLSeconds is the shared-store expiration applied on every
// successful consume: 1.1 windows, capped at a day.
func bucketTTLSeconds(windowNanos int64) int64 {
	if windowNanos >= 86400*1e9 {
		return 86400
	}
	ttl := (windowNanos*11 + 10*1e9 - 1) / (10 * 1e9)
	if ttl > 86400 {
		ttl = 86400
	}
	return ttl
}

// mulDiv computes floor(a*b/c); a*b can exceed 63 bits for large
// (capacity, window) pairs, so the multiply runs through a 128-bit
// intermediate instead of floating point, which loses precision
// exactly where slow refill rates need it.
func mulDiv(a, b, c int64) int64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	q, _ := bits.Div64(hi, lo, uint64(c))
	return int64(q)
}

// mulDivCeil computes ceil(a*b/c) with the same 128-bit intermediate.
func mulDivCeil(a, b, c int64) int64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	q, r := bits.Div64(hi, lo, uint64(c))
	if r > 0 {
		q++
	}
	return int64(q)
}
