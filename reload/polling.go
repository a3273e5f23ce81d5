package reload

import (
	"context"
	"sync"
	"time"
)

// VersionChecker reports the current version stamp of every known
// rule set. Polling compares stamps tick over tick and fires a
// notification only when a stamp changes, so a quiet corpus produces
// no listener traffic. A nil VersionChecker degrades to the blunt
// form: every tick dispatches one "scope unknown" notification and
// listeners invalidate everything.
type VersionChecker func(ctx context.Context) (map[string]string, error)

// Polling is a ticker-driven reload strategy: on each tick it asks
// the VersionChecker for the current version of every known rule set
// and diffs against what it saw last tick.
type Polling struct {
	broadcaster

	interval     time.Duration
	initialDelay time.Duration
	check        VersionChecker

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastSeen map[string]string
	now      func() time.Time
}

// NewPolling builds a Polling strategy with the given tick interval
// and version checker (nil for the invalidate-everything form).
func NewPolling(interval time.Duration, check VersionChecker) *Polling {
	return &Polling{interval: interval, check: check, lastSeen: make(map[string]string), now: time.Now}
}

// WithInitialDelay postpones the first tick after Start by d. Must be
// called before Start.
func (p *Polling) WithInitialDelay(d time.Duration) *Polling {
	p.initialDelay = d
	return p
}

// Start is idempotent: calling it while already running is a no-op.
func (p *Polling) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.run(runCtx)
	return nil
}

func (p *Polling) run(ctx context.Context) {
	defer close(p.done)

	if p.initialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.initialDelay):
		}
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// serialized: one tick's work always finishes (or is
			// abandoned via ctx) before the next tick is processed,
			// since this loop body runs synchronously between
			// ticker.C receives; skewed/late ticks are simply
			// coalesced by the ticker itself, never queued.
			p.tick(ctx)
		}
	}
}

func (p *Polling) tick(ctx context.Context) {
	if p.check == nil {
		p.dispatch("", p.now())
		return
	}

	current, err := p.check(ctx)
	if err != nil {
		return
	}

	now := p.now()
	for id, version := range current {
		if prev, ok := p.lastSeen[id]; !ok || prev != version {
			p.dispatch(id, now)
		}
	}
	p.lastSeen = current
}

// Stop cancels the polling goroutine and waits for it to exit, bounded
// by ctx's own deadline.
func (p *Polling) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	done := p.done
	p.running = false
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
