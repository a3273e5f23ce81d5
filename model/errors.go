package model

import "errors"

// Sentinel error kinds. Callers use errors.Is against these; wrapping
// layers attach context with fmt.Errorf("...: %w", ...) and never log
// the same failure twice as it propagates.
var (
	// ErrInvalidArgument marks a caller mistake: a malformed rule set,
	// an unknown key strategy, a non-positive band capacity or window,
	// a negative permits count.
	ErrInvalidArgument = errors.New("fluxgate: invalid argument")

	// ErrStoreTransient marks a backing-store failure that is worth
	// retrying (connection reset, timeout, temporary unavailability).
	ErrStoreTransient = errors.New("fluxgate: transient store failure")

	// ErrStoreFatal marks a backing-store failure that retrying will
	// not fix (auth failure, malformed response, programmer error).
	ErrStoreFatal = errors.New("fluxgate: fatal store failure")

	// ErrRuleSetMissing is returned by the caching provider when a
	// rule set id has no corresponding rule set, confirmed absent.
	ErrRuleSetMissing = errors.New("fluxgate: rule set not found")

	// ErrListenerFailure marks a reload listener that returned an
	// error while handling a change notification.
	ErrListenerFailure = errors.New("fluxgate: reload listener failed")

	// ErrCompensationFailure marks a failed attempt to refund a
	// previously consumed band after a later band rejected the
	// request. The caller already observed the reject; this only
	// affects bookkeeping accuracy of the refunded band.
	ErrCompensationFailure = errors.New("fluxgate: compensation failed")

	// ErrCircuitOpen is returned by the resilience wrapper when a
	// circuit breaker is open and the configured fallback is
	// fail-closed.
	ErrCircuitOpen = errors.New("fluxgate: circuit open")
)
