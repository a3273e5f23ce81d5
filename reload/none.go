package reload

import "context"

// None is the reload strategy that never detects changes; callers
// rely entirely on the rule cache's own TTL to eventually pick up
// updates. Used when ReloadStrategyKind is "none".
type None struct {
	broadcaster
}

// NewNone builds a no-op Strategy.
func NewNone() *None { return &None{} }

func (n *None) Start(ctx context.Context) error { return nil }
func (n *None) Stop(ctx context.Context) error  { return nil }
