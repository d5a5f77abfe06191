package condition

import (
	"encoding/json"
	"fmt"
)

// ruleSpec is the wire form of the built-in rule predicates. Custom
// RuleFunc predicates cannot round-trip and are dropped on marshal.
type ruleSpec struct {
	Type   string `json:"type"`
	Amount int64  `json:"amount,omitempty"`
	Count  int    `json:"count,omitempty"`
}

const (
	ruleTypeMinTotal = "min_total"
	ruleTypeMinItems = "min_items"
)

type conditionJSON struct {
	Name           string    `json:"name"`
	Kind           Kind      `json:"kind"`
	Target         Target    `json:"target"`
	Value          string    `json:"value"`
	Operator       Operator  `json:"operator,omitempty"`
	Priority       int       `json:"priority"`
	Stackable      bool      `json:"stackable"`
	ExclusionGroup string    `json:"exclusionGroup,omitempty"`
	Rule           *ruleSpec `json:"rule,omitempty"`
}

// MarshalJSON encodes the condition including any built-in rule predicate.
func (c Condition) MarshalJSON() ([]byte, error) {
	out := conditionJSON{
		Name:           c.Name,
		Kind:           c.Kind,
		Target:         c.Target,
		Value:          c.Value,
		Operator:       c.Operator,
		Priority:       c.Priority,
		Stackable:      c.Stackable,
		ExclusionGroup: c.ExclusionGroup,
	}
	switch r := c.Rule.(type) {
	case nil:
	case MinTotal:
		out.Rule = &ruleSpec{Type: ruleTypeMinTotal, Amount: r.Amount}
	case MinItems:
		out.Rule = &ruleSpec{Type: ruleTypeMinItems, Count: r.Count}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a condition, reconstructing built-in rules.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var in conditionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*c = Condition{
		Name:           in.Name,
		Kind:           in.Kind,
		Target:         in.Target,
		Value:          in.Value,
		Operator:       in.Operator,
		Priority:       in.Priority,
		Stackable:      in.Stackable,
		ExclusionGroup: in.ExclusionGroup,
	}
	if in.Rule == nil {
		return nil
	}
	switch in.Rule.Type {
	case ruleTypeMinTotal:
		c.Rule = MinTotal{Amount: in.Rule.Amount}
	case ruleTypeMinItems:
		c.Rule = MinItems{Count: in.Rule.Count}
	default:
		return fmt.Errorf("condition %q: unknown rule type %q", in.Name, in.Rule.Type)
	}
	return nil
}
