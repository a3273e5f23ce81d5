package rulestore

import (
	"context"
	"errors"
	"time"

	"github.com/fluxgate/fluxgate/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ruleDoc is the wire shape stored in the collection: one document
// per rule, keyed by ruleId, matching the control-plane document
// schema (band windows travel as whole seconds).
type ruleDoc struct {
	RuleID        string            `bson:"ruleId"`
	Name          string            `bson:"name"`
	Enabled       bool              `bson:"enabled"`
	Scope         string            `bson:"scope"`
	KeyStrategyID string            `bson:"keyStrategyId"`
	OnLimitExceed string            `bson:"onLimitExceedPolicy"`
	Priority      int               `bson:"priority"`
	Bands         []bandDoc         `bson:"bands"`
	RuleSetID     string            `bson:"ruleSetId,omitempty"`
	Attributes    map[string]string `bson:"attributes,omitempty"`
}

type bandDoc struct {
	WindowSeconds int64  `bson:"windowSeconds"`
	Capacity      int64  `bson:"capacity"`
	Label         string `bson:"label,omitempty"`
}

func docFromRule(r *model.Rule) ruleDoc {
	bands := make([]bandDoc, 0, len(r.Bands))
	for _, b := range r.Bands {
		bands = append(bands, bandDoc{
			WindowSeconds: int64(b.Window / time.Second),
			Capacity:      b.Capacity,
			Label:         b.Label,
		})
	}
	return ruleDoc{
		RuleID:        r.RuleID,
		Name:          r.Name,
		Enabled:       r.Enabled,
		Scope:         string(r.Scope),
		KeyStrategyID: r.KeyStrategyID,
		OnLimitExceed: string(r.OnLimitExceed),
		Priority:      r.Priority,
		Bands:         bands,
		RuleSetID:     r.RuleSetID,
		Attributes:    r.Attributes,
	}
}

func (d ruleDoc) toRule() model.Rule {
	bands := make([]model.Band, 0, len(d.Bands))
	for _, b := range d.Bands {
		bands = append(bands, model.Band{
			Capacity: b.Capacity,
			Window:   time.Duration(b.WindowSeconds) * time.Second,
			Label:    b.Label,
		})
	}
	return model.Rule{
		RuleID:        d.RuleID,
		Name:          d.Name,
		Enabled:       d.Enabled,
		Scope:         model.Scope(d.Scope),
		KeyStrategyID: d.KeyStrategyID,
		OnLimitExceed: model.OnLimitExceedPolicy(d.OnLimitExceed),
		Priority:      d.Priority,
		Bands:         bands,
		RuleSetID:     d.RuleSetID,
		Attributes:    d.Attributes,
	}
}

// Mongo is the primary RuleStore backend: one document per rule in a
// MongoDB collection keyed by ruleId.
type Mongo struct {
	coll             *mongo.Collection
	hasPriorityIndex bool
}

// NewMongo builds a Mongo-backed RuleStore over an existing
// collection handle. hasPriorityIndex tells FindByRuleSetID whether
// it can rely on a compound (ruleSetId, priority, ruleId) index for
// server-side ordering, or must sort client-side.
func NewMongo(coll *mongo.Collection, hasPriorityIndex bool) *Mongo {
	return &Mongo{coll: coll, hasPriorityIndex: hasPriorityIndex}
}

func (m *Mongo) FindByID(ctx context.Context, ruleID string) (*model.Rule, error) {
	var doc ruleDoc
	err := m.coll.FindOne(ctx, bson.M{"ruleId": ruleID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, WrapError("findById", err)
	}
	rule := doc.toRule()
	return &rule, nil
}

func (m *Mongo) FindByRuleSetID(ctx context.Context, ruleSetID string) ([]model.Rule, error) {
	findOpts := options.Find()
	if m.hasPriorityIndex {
		findOpts.SetSort(bson.D{{Key: "priority", Value: 1}, {Key: "ruleId", Value: 1}})
	}

	cur, err := m.coll.Find(ctx, bson.M{"ruleSetId": ruleSetID}, findOpts)
	if err != nil {
		return nil, WrapError("findByRuleSetId", err)
	}
	defer cur.Close(ctx)

	rules, err := decodeRules(ctx, cur)
	if err != nil {
		return nil, WrapError("findByRuleSetId", err)
	}
	if !m.hasPriorityIndex {
		SortRules(rules)
	}
	return rules, nil
}

func (m *Mongo) FindAll(ctx context.Context) ([]model.Rule, error) {
	cur, err := m.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, WrapError("findAll", err)
	}
	defer cur.Close(ctx)

	rules, err := decodeRules(ctx, cur)
	if err != nil {
		return nil, WrapError("findAll", err)
	}
	return rules, nil
}

func (m *Mongo) Save(ctx context.Context, rule *model.Rule) error {
	if rule == nil || rule.RuleID == "" || len(rule.Bands) == 0 {
		return model.ErrInvalidArgument
	}
	opts := options.Replace().SetUpsert(true)
	_, err := m.coll.ReplaceOne(ctx, bson.M{"ruleId": rule.RuleID}, docFromRule(rule), opts)
	if err != nil {
		return WrapError("save", err)
	}
	return nil
}

func (m *Mongo) DeleteByID(ctx context.Context, ruleID string) (bool, error) {
	res, err := m.coll.DeleteOne(ctx, bson.M{"ruleId": ruleID})
	if err != nil {
		return false, WrapError("deleteById", err)
	}
	return res.DeletedCount > 0, nil
}

func (m *Mongo) DeleteByRuleSetID(ctx context.Context, ruleSetID string) (int64, error) {
	res, err := m.coll.DeleteMany(ctx, bson.M{"ruleSetId": ruleSetID})
	if err != nil {
		return 0, WrapError("deleteByRuleSetId", err)
	}
	return res.DeletedCount, nil
}

func decodeRules(ctx context.Context, cur *mongo.Cursor) ([]model.Rule, error) {
	var rules []model.Rule
	for cur.Next(ctx) {
		var doc ruleDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rules = append(rules, doc.toRule())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}
