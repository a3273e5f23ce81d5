package rulestore

import (
	"context"
	"sync"

	"github.com/fluxgate/fluxgate/model"
)

// Memory is an in-memory RuleStore for tests and standalone
// deployments with no external document store.
type Memory struct {
	mu    sync.RWMutex
	rules map[string]model.Rule
}

func NewMemory() *Memory {
	return &Memory{rules: make(map[string]model.Rule)}
}

func (m *Memory) FindByID(ctx context.Context, ruleID string) (*model.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[ruleID]
	if !ok {
		return nil, nil
	}
	clone := cloneRule(r)
	return &clone, nil
}

func (m *Memory) FindByRuleSetID(ctx context.Context, ruleSetID string) ([]model.Rule, error) {
	m.mu.RLock()
	var rules []model.Rule
	for _, r := range m.rules {
		if r.RuleSetID == ruleSetID {
			rules = append(rules, cloneRule(r))
		}
	}
	m.mu.RUnlock()
	SortRules(rules)
	return rules, nil
}

func (m *Memory) FindAll(ctx context.Context) ([]model.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rules := make([]model.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, cloneRule(r))
	}
	return rules, nil
}

func (m *Memory) Save(ctx context.Context, rule *model.Rule) error {
	if rule == nil || rule.RuleID == "" || len(rule.Bands) == 0 {
		return model.ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.RuleID] = cloneRule(*rule)
	return nil
}

func (m *Memory) DeleteByID(ctx context.Context, ruleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rules[ruleID]
	delete(m.rules, ruleID)
	return ok, nil
}

func (m *Memory) DeleteByRuleSetID(ctx context.Context, ruleSetID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.rules {
		if r.RuleSetID == ruleSetID {
			delete(m.rules, id)
			n++
		}
	}
	return n, nil
}

// cloneRule copies the slices and map so a caller mutating its copy
// never aliases stored state.
func cloneRule(r model.Rule) model.Rule {
	r.Bands = append([]model.Band(nil), r.Bands...)
	if r.Attributes != nil {
		attrs := make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			attrs[k] = v
		}
		r.Attributes = attrs
	}
	return r
}
