package bucketreset

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/fluxgate/fluxgate/bucketstore"
	"github.com/fluxgate/fluxgate/fluxlog"
	"github.com/fluxgate/fluxgate/model"
)

func drain(t *testing.T, store *bucketstore.Memory, key string) {
	t.Helper()
	band := model.Band{Capacity: 1, Window: time.Minute}
	res, err := store.Consume(context.Background(), key, band, 1, time.Now().UnixNano())
	if err != nil || !res.Allowed {
		t.Fatalf("draining %s: %+v %v", key, res, err)
	}
}

func TestOnRuleChangedResetsOnlyTheChangedRuleSetsBuckets(t *testing.T) {
	store := bucketstore.NewMemory()
	drain(t, store, "rs1:r1:1.1.1.1:0")
	drain(t, store, "rs2:r1:1.1.1.1:0")

	h := New(store, fluxlog.New(io.Discard), nil)
	if err := h.OnRuleChanged("rs1", time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.Wait()

	band := model.Band{Capacity: 1, Window: time.Minute}
	now := time.Now().UnixNano()

	// rs1's bucket was reset, so it is full again.
	res, err := store.Consume(context.Background(), "rs1:r1:1.1.1.1:0", band, 1, now)
	if err != nil || !res.Allowed {
		t.Fatalf("expected rs1 bucket to be full after reset: %+v %v", res, err)
	}

	// rs2's bucket was untouched and is still drained.
	res, err = store.Consume(context.Background(), "rs2:r1:1.1.1.1:0", band, 1, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatalf("rs2 bucket must survive a reset scoped to rs1")
	}
}

func TestOnRuleChangedEmptyIDLeavesBucketsAlone(t *testing.T) {
	store := bucketstore.NewMemory()
	drain(t, store, "rs1:r1:1.1.1.1:0")

	h := New(store, fluxlog.New(io.Discard), nil)
	if err := h.OnRuleChanged("", time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.Wait()

	band := model.Band{Capacity: 1, Window: time.Minute}
	res, err := store.Consume(context.Background(), "rs1:r1:1.1.1.1:0", band, 1, time.Now().UnixNano())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatalf("a scope-unknown change must not wipe bucket state")
	}
}
