// Package bucketreset implements the Bucket Reset Handler: a reload
// listener that clears bucket state for a changed rule set so revised
// limits take effect immediately instead of waiting for buckets to
// drift into the new shape on their own.
package bucketreset

import (
	"context"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/bucketstore"
	"github.com/fluxgate/fluxgate/fluxlog"
	"github.com/fluxgate/fluxgate/metrics"
)

const resetTimeout = 5 * time.Second

// Handler resets bucket state by prefix whenever a rule set changes.
// The reset runs on its own goroutine so the notification dispatch
// that triggered it returns immediately; a slow or stuck store never
// delays the next reload tick or message. It is best-effort: failures
// are logged and counted but never propagated.
type Handler struct {
	store   bucketstore.BucketStore
	logger  fluxlog.Logger
	metrics metrics.Recorder
	wg      sync.WaitGroup
}

// New builds a Handler over store. A zero-value fluxlog.Logger is not
// valid; pass fluxlog.Default() if the host has no logger of its own.
func New(store bucketstore.BucketStore, logger fluxlog.Logger, rec metrics.Recorder) *Handler {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Handler{store: store, logger: logger, metrics: rec}
}

// OnRuleChanged implements reload.Listener. It schedules the reset
// and returns without waiting for it.
func (h *Handler) OnRuleChanged(ruleSetID string, at time.Time) error {
	if ruleSetID == "" {
		// scope unknown: nothing safe to reset by prefix without a
		// rule set id to scope it to. The rule cache's own
		// InvalidateAll already covers this case; buckets are left
		// alone and will simply re-evaluate against fresh rules.
		return nil
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
		defer cancel()

		prefix := ruleSetID + ":"
		if err := h.store.ResetByPrefix(ctx, prefix); err != nil {
			h.metrics.ReloadFailed()
			h.logger.Warn(ctx).Err(err).Str("rule_set_id", ruleSetID).Msg("bucket reset failed")
		}
	}()
	return nil
}

// Wait blocks until every reset scheduled so far has finished. Used
// by tests and by hosts that want resets drained before shutdown.
func (h *Handler) Wait() {
	h.wg.Wait()
}
