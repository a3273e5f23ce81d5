// Package rulestore owns the persistent rule corpus: create, read,
// update, delete of individual rules, and listing the rules of one
// rule set ordered by priority then rule id. It never sees bucket
// state.
package rulestore

import (
	"context"
	"fmt"

	"github.com/fluxgate/fluxgate/model"
)

// RuleStore is implemented by every rule-corpus backend. Rules are
// keyed by RuleID; a rule belongs to the set named by its RuleSetID.
type RuleStore interface {
	// FindByID returns the rule with the given id, or (nil, nil) if
	// none exists.
	FindByID(ctx context.Context, ruleID string) (*model.Rule, error)

	// FindByRuleSetID returns every rule of the set, ordered by
	// priority ascending then rule id, deterministically across
	// backends so cache reloads are reproducible.
	FindByRuleSetID(ctx context.Context, ruleSetID string) ([]model.Rule, error)

	// FindAll returns every rule in the corpus, in no particular
	// order.
	FindAll(ctx context.Context) ([]model.Rule, error)

	// Save upserts a rule by its RuleID.
	Save(ctx context.Context, rule *model.Rule) error

	// DeleteByID removes one rule, reporting whether it existed.
	DeleteByID(ctx context.Context, ruleID string) (bool, error)

	// DeleteByRuleSetID removes every rule of the set, reporting how
	// many were deleted.
	DeleteByRuleSetID(ctx context.Context, ruleSetID string) (int64, error)
}

// WrapError tags err as a transient store failure.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("rulestore: %s: %w: %w", op, model.ErrStoreTransient, err)
}

// SortRules orders rules by priority ascending, then rule id, used by
// every backend that cannot guarantee server-side ordering.
func SortRules(rules []model.Rule) {
	// insertion sort: rule counts per set are small (tens, not
	// thousands), and this keeps the ordering stable without pulling
	// in sort.Slice's reflection-based comparator for a handful of
	// elements.
	for i := 1; i < len(rules); i++ {
		j := i
		for j > 0 && less(rules[j], rules[j-1]) {
			rules[j], rules[j-1] = rules[j-1], rules[j]
			j--
		}
	}
}

func less(a, b model.Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.RuleID < b.RuleID
}
