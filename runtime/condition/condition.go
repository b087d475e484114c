// Package condition evaluates boolean condition trees attached to
// instructions and attribute schemas. A tree is a list of conditions and
// nested groups; operands may be reference expressions resolved at
// evaluation time through the caller-supplied Resolver.
package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/clue/log"
)

// Logic combines the results of a group's children.
type Logic string

// Group logics. The default is AND.
const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Operator is a comparison operator applied to a condition's operands.
type Operator string

// Supported operators.
const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpExists             Operator = "exists"
	OpNotExists          Operator = "not_exists"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
)

type (
	// Condition compares a parameter against a value. Param may be a
	// literal or a reference expression.
	Condition struct {
		Param    any      `json:"param"`
		Operator Operator `json:"operator"`
		Value    any      `json:"value,omitempty"`
	}

	// Group combines nested conditions with a logic operator. An empty
	// group evaluates true.
	Group struct {
		Logic      Logic  `json:"logic,omitempty"`
		Conditions []Node `json:"conditions"`
	}

	// Node is either a single condition or a nested group.
	Node struct {
		Cond  *Condition
		Group *Group
	}

	// Resolver resolves operand values before comparison. It receives the
	// raw operand (possibly a reference expression) and returns the plain
	// value.
	Resolver func(ctx context.Context, v any) (any, error)
)

// UnmarshalJSON decodes a node as a group when the object carries a
// "conditions" key and as a single condition otherwise. "group_operator" is
// accepted as an alias for "logic".
func (n *Node) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if _, ok := probe["conditions"]; ok {
		var g struct {
			Logic         Logic  `json:"logic"`
			GroupOperator Logic  `json:"group_operator"`
			Conditions    []Node `json:"conditions"`
		}
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		logic := g.Logic
		if logic == "" {
			logic = g.GroupOperator
		}
		n.Group = &Group{Logic: logic, Conditions: g.Conditions}
		return nil
	}
	var c Condition
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	n.Cond = &c
	return nil
}

// MarshalJSON encodes the underlying condition or group.
func (n Node) MarshalJSON() ([]byte, error) {
	if n.Group != nil {
		return json.Marshal(n.Group)
	}
	if n.Cond != nil {
		return json.Marshal(n.Cond)
	}
	return []byte("null"), nil
}

// Map returns a copy of the node tree with fn applied to every leaf
// condition. Callers use it to rewrite operands before evaluation, e.g.
// substituting body fields for parameter names.
func Map(nodes []Node, fn func(Condition) Condition) []Node {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.mapNode(fn)
	}
	return out
}

func (n Node) mapNode(fn func(Condition) Condition) Node {
	if n.Group != nil {
		return Node{Group: &Group{
			Logic:      n.Group.Logic,
			Conditions: Map(n.Group.Conditions, fn),
		}}
	}
	if n.Cond != nil {
		mapped := fn(*n.Cond)
		return Node{Cond: &mapped}
	}
	return n
}

// EvaluateAll evaluates nodes as an implicit AND group.
func EvaluateAll(ctx context.Context, nodes []Node, resolve Resolver) (bool, error) {
	return Group{Conditions: nodes}.Evaluate(ctx, resolve)
}

// Evaluate evaluates the group recursively. An empty group is true.
func (g Group) Evaluate(ctx context.Context, resolve Resolver) (bool, error) {
	logic := g.Logic
	if logic == "" {
		logic = LogicAnd
	}
	if logic != LogicAnd && logic != LogicOr {
		return false, fmt.Errorf("unknown group logic %q", logic)
	}
	for _, child := range g.Conditions {
		ok, err := child.Evaluate(ctx, resolve)
		if err != nil {
			return false, err
		}
		if logic == LogicAnd && !ok {
			return false, nil
		}
		if logic == LogicOr && ok {
			return true, nil
		}
	}
	return logic == LogicAnd, nil
}

// Evaluate evaluates the node against the resolver.
func (n Node) Evaluate(ctx context.Context, resolve Resolver) (bool, error) {
	if n.Group != nil {
		return n.Group.Evaluate(ctx, resolve)
	}
	if n.Cond != nil {
		return n.Cond.Evaluate(ctx, resolve)
	}
	return true, nil
}

// Evaluate resolves both operands and applies the operator. Operand type
// mismatches fail the condition and are logged; they do not abort the
// enclosing group.
func (c Condition) Evaluate(ctx context.Context, resolve Resolver) (bool, error) {
	param := c.Param
	value := c.Value
	if resolve != nil {
		var err error
		if param, err = resolve(ctx, param); err != nil {
			return false, err
		}
		if value, err = resolve(ctx, value); err != nil {
			return false, err
		}
	}
	switch c.Operator {
	case OpExists:
		return param != nil, nil
	case OpNotExists:
		return param == nil, nil
	case OpEquals:
		return looseEqual(param, value), nil
	case OpNotEquals:
		return !looseEqual(param, value), nil
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		cmp, ok := compare(param, value)
		if !ok {
			logMismatch(ctx, c, param, value)
			return false, nil
		}
		switch c.Operator {
		case OpGreaterThan:
			return cmp > 0, nil
		case OpLessThan:
			return cmp < 0, nil
		case OpGreaterThanOrEqual:
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpContains, OpNotContains:
		ok, valid := contains(param, value)
		if !valid {
			logMismatch(ctx, c, param, value)
			return false, nil
		}
		if c.Operator == OpNotContains {
			ok = !ok
		}
		return ok, nil
	case OpIn, OpNotIn:
		ok, valid := contains(value, param)
		if !valid {
			logMismatch(ctx, c, param, value)
			return false, nil
		}
		if c.Operator == OpNotIn {
			ok = !ok
		}
		return ok, nil
	case OpStartsWith, OpEndsWith:
		ps, pok := param.(string)
		vs, vok := value.(string)
		if !pok || !vok {
			logMismatch(ctx, c, param, value)
			return false, nil
		}
		if c.Operator == OpStartsWith {
			return strings.HasPrefix(ps, vs), nil
		}
		return strings.HasSuffix(ps, vs), nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

func logMismatch(ctx context.Context, c Condition, param, value any) {
	log.Warn(ctx,
		log.KV{K: "msg", V: "condition operand type mismatch"},
		log.KV{K: "operator", V: string(c.Operator)},
		log.KV{K: "param_type", V: fmt.Sprintf("%T", param)},
		log.KV{K: "value_type", V: fmt.Sprintf("%T", value)},
	)
}

// looseEqual compares values with numeric normalization so 3, int64(3), and
// 3.0 compare equal.
func looseEqual(a, b any) bool {
	if cmp, ok := compare(a, b); ok {
		return cmp == 0
	}
	if an, aok := toFloat(a); aok {
		if bn, bok := toFloat(b); bok {
			return an == bn
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b) && fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

// compare orders two values using the native ordering of their resolved
// types: numeric or lexicographic. It reports false when the types have no
// common ordering.
func compare(a, b any) (int, bool) {
	if an, ok := toFloat(a); ok {
		bn, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	ab, aok2 := a.(bool)
	bb, bok2 := b.(bool)
	if aok2 && bok2 {
		if ab == bb {
			return 0, true
		}
		return 0, false
	}
	return 0, false
}

// contains reports membership of needle in haystack: substring for strings,
// element membership for lists. The second result is false when the
// haystack type supports neither.
func contains(haystack, needle any) (bool, bool) {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return false, false
		}
		return strings.Contains(h, n), true
	case []any:
		for _, elem := range h {
			if looseEqual(elem, needle) {
				return true, true
			}
		}
		return false, true
	default:
		return false, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
