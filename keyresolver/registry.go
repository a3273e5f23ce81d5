// Package keyresolver turns a rule's keyStrategyId and an inbound
// request context into the scope value the bucket key is built from.
package keyresolver

import (
	"strings"

	"github.com/fluxgate/fluxgate/model"
)

// Func resolves a request context to a scope value. Returning an
// empty string tells the caller the subject is absent and the owning
// rule should be skipped for this request; it is never a literal
// empty-string scope.
type Func func(model.RequestContext) string

// Registry maps keyStrategyId strings to resolver funcs. The zero
// value is not usable; use NewRegistry.
type Registry struct {
	resolvers map[string]Func
}

// NewRegistry builds a Registry pre-populated with the default scope
// resolvers named in the external interfaces table: global,
// per-ip, per-user, per-api-key.
func NewRegistry() *Registry {
	r := &Registry{resolvers: make(map[string]Func)}
	r.Register("global", func(model.RequestContext) string { return "global" })
	r.Register("per-ip", func(rc model.RequestContext) string { return rc.IP })
	r.Register("per-user", func(rc model.RequestContext) string { return rc.UserID })
	r.Register("per-api-key", func(rc model.RequestContext) string { return rc.APIKey })
	return r
}

// Register adds or replaces the resolver for id. Safe to call before
// the registry is shared across goroutines; not safe concurrently
// with Resolve; registries are built once at construction time, not
// mutated on the hot path.
func (r *Registry) Register(id string, fn Func) {
	r.resolvers[id] = fn
}

// Resolve looks up the resolver for keyStrategyID and applies it. A
// missing keyStrategyID is the caller's configuration mistake,
// reported as model.ErrInvalidArgument at first use rather than at
// registry construction: rule sets are hot-loaded, so an id is first
// seen only when a rule naming it is evaluated.
func (r *Registry) Resolve(keyStrategyID string, rc model.RequestContext) (string, bool, error) {
	fn, ok := r.resolvers[keyStrategyID]
	if !ok {
		return "", false, model.ErrInvalidArgument
	}
	scope := fn(rc)
	if scope == "" {
		return "", false, nil
	}
	return scope, true, nil
}

// CompositeKey builds the final opaque bucket key from a resolved
// scope, joining the rule-set id, rule id, and scope with colons.
// Colons inside a part are neither rejected nor escaped, so parts
// that themselves contain colons can yield colliding keys.
func CompositeKey(ruleSetID, ruleID, scope string) string {
	var b strings.Builder
	b.Grow(len(ruleSetID) + len(ruleID) + len(scope) + 2)
	b.WriteString(ruleSetID)
	b.WriteByte(':')
	b.WriteString(ruleID)
	b.WriteByte(':')
	b.WriteString(scope)
	return b.String()
}
