// Package bucketstore owns the atomic consume/reset operations over
// token-bucket state, shared across every process enforcing the same
// limit. A BucketStore never sees rules or keys as anything but an
// opaque string; the rate limiter owns all higher-level meaning.
package bucketstore

import (
	"context"
	"fmt"

	"github.com/fluxgate/fluxgate/model"
)

// ConsumeResult is the outcome of one atomic consume attempt.
// ResetTimeMillis is the wall-clock millisecond at which the bucket
// would be full again, computed from the post-refill balance whether
// or not the consume was allowed.
type ConsumeResult struct {
	Allowed         bool
	Remaining       int64
	NanosToWait     int64
	ResetTimeMillis int64
}

// BucketStore is implemented by every backend capable of the
// refill-then-consume algorithm: tokens_added = floor(elapsed_nanos *
// capacity / window_nanos), capped at capacity, consumed only if the
// post-refill balance covers the requested permits. On reject, the
// stored timestamp is left untouched so a rejected request never
// costs the caller fairness on the next attempt.
type BucketStore interface {
	// Consume applies the refill-then-consume algorithm to the bucket
	// named by key for the given band, requesting permits tokens.
	// permits may be 0, which performs a refund-only "compensation"
	// consume: it never decrements tokens, only tops up the refill.
	Consume(ctx context.Context, key string, band model.Band, permits int64, nowNanos int64) (ConsumeResult, error)

	// Compensate restores permits tokens to the bucket named by key,
	// capped at the band's capacity, without touching last_refill,
	// undoing a prior successful Consume's debit on this band when a
	// sibling band in the same multi-band request rejected. It must
	// never cause a bucket to report fewer tokens than it held before
	// the Consume being undone.
	Compensate(ctx context.Context, key string, band model.Band, permits int64) error

	// Reset clears a single bucket's state, as if it had never been
	// consumed from.
	Reset(ctx context.Context, key string) error

	// ResetByPrefix clears every bucket whose key starts with prefix.
	// Implementations must avoid unbounded blocking scans of the
	// entire keyspace; incremental traversal is required.
	ResetByPrefix(ctx context.Context, prefix string) error
}

// WrapError tags err as a transient store failure unless it already
// carries a more specific FluxGate error kind.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("bucketstore: %s: %w: %w", op, model.ErrStoreTransient, err)
}

// ValidateConsume rejects the argument combinations the consume
// algorithm is undefined for. permits 0 stays legal: it is the
// refill-only compensation form.
func ValidateConsume(band model.Band, permits int64) error {
	if band.Capacity <= 0 || band.Window <= 0 || permits < 0 {
		return fmt.Errorf("bucketstore: capacity=%d window=%s permits=%d: %w",
			band.Capacity, band.Window, permits, model.ErrInvalidArgument)
	}
	return nil
}
