// Package metrics defines the counters FluxGate exposes to a host
// application, and a simple atomic implementation of them. A host can
// supply its own Recorder to forward counts into its own metrics
// pipeline.
package metrics

import "sync/atomic"

// Recorder receives counts for the outcomes FluxGate cares about.
// Implementations must be safe for concurrent use.
type Recorder interface {
	ConsumeAllowed(ruleSetID string)
	ConsumeRejected(ruleSetID string)
	CompensationFailed(ruleSetID string)
	CacheHit()
	CacheMiss()
	CacheNegativeHit()
	BreakerTripped(resource string)
	ReloadSucceeded()
	ReloadFailed()
}

// Atomic is the default Recorder: plain atomic counters a host can
// snapshot and forward into whatever metrics pipeline it runs.
type Atomic struct {
	Allowed            atomic.Int64
	Rejected           atomic.Int64
	CompensationErrors atomic.Int64
	CacheHits          atomic.Int64
	CacheMisses        atomic.Int64
	CacheNegativeHits  atomic.Int64
	BreakerTrips       atomic.Int64
	ReloadOK           atomic.Int64
	ReloadErr          atomic.Int64
}

func NewAtomic() *Atomic { return &Atomic{} }

func (a *Atomic) ConsumeAllowed(string)      { a.Allowed.Add(1) }
func (a *Atomic) ConsumeRejected(string)     { a.Rejected.Add(1) }
func (a *Atomic) CompensationFailed(string)  { a.CompensationErrors.Add(1) }
func (a *Atomic) CacheHit()                  { a.CacheHits.Add(1) }
func (a *Atomic) CacheMiss()                 { a.CacheMisses.Add(1) }
func (a *Atomic) CacheNegativeHit()          { a.CacheNegativeHits.Add(1) }
func (a *Atomic) BreakerTripped(string)      { a.BreakerTrips.Add(1) }
func (a *Atomic) ReloadSucceeded()           { a.ReloadOK.Add(1) }
func (a *Atomic) ReloadFailed()              { a.ReloadErr.Add(1) }

// Snapshot is a point-in-time read of the Atomic counters.
type Snapshot struct {
	Allowed, Rejected                         int64
	CompensationErrors                        int64
	CacheHits, CacheMisses, CacheNegativeHits int64
	BreakerTrips                              int64
	ReloadOK, ReloadErr                       int64
}

func (a *Atomic) Snapshot() Snapshot {
	return Snapshot{
		Allowed:             a.Allowed.Load(),
		Rejected:            a.Rejected.Load(),
		CompensationErrors:  a.CompensationErrors.Load(),
		CacheHits:           a.CacheHits.Load(),
		CacheMisses:         a.CacheMisses.Load(),
		CacheNegativeHits:   a.CacheNegativeHits.Load(),
		BreakerTrips:        a.BreakerTrips.Load(),
		ReloadOK:            a.ReloadOK.Load(),
		ReloadErr:           a.ReloadErr.Load(),
	}
}

// Noop discards every count; used when a host doesn't care.
type Noop struct{}

func (Noop) ConsumeAllowed(string)     {}
func (Noop) ConsumeRejected(string)    {}
func (Noop) CompensationFailed(string) {}
func (Noop) CacheHit()                 {}
func (Noop) CacheMiss()                {}
func (Noop) CacheNegativeHit()         {}
func (Noop) BreakerTripped(string)     {}
func (Noop) ReloadSucceeded()          {}
func (Noop) ReloadFailed()             {}
