// Package query defines the immutable filter/sort/projection specification
// evaluated by the record store. Evaluation is pure: a filter tree plus a
// record payload in, a boolean out. Nothing here touches the database.
package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Op is a comparison operator on a single payload field.
type Op string

const (
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpContains Op = "contains"
	OpStarts   Op = "starts"
	OpEnds     Op = "ends"
	OpNull     Op = "null"
	OpNotNull  Op = "notnull"
	OpIn       Op = "in"
)

// allowedOps is the operator whitelist used by Validate.
var allowedOps = map[Op]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpContains: true, OpStarts: true, OpEnds: true, OpNull: true, OpNotNull: true,
	OpIn: true,
}

// Kind discriminates filter tree nodes.
type Kind string

const (
	KindAnd        Kind = "and"
	KindOr         Kind = "or"
	KindNot        Kind = "not"
	KindComparison Kind = "cmp"
)

// Node is one node of a filter tree. Exactly one variant is populated,
// selected by Kind: Children for and/or, Child for not, Field/Op/Value for
// a comparison.
type Node struct {
	Kind     Kind    `json:"kind"`
	Children []*Node `json:"children,omitempty"`
	Child    *Node   `json:"child,omitempty"`
	Field    string  `json:"field,omitempty"`
	Op       Op      `json:"op,omitempty"`
	Value    any     `json:"value,omitempty"`
}

// And combines child filters; a nil child is skipped.
func And(children ...*Node) *Node {
	return &Node{Kind: KindAnd, Children: compact(children)}
}

// Or combines child filters; a nil child is skipped.
func Or(children ...*Node) *Node {
	return &Node{Kind: KindOr, Children: compact(children)}
}

// Not negates a child filter.
func Not(child *Node) *Node {
	return &Node{Kind: KindNot, Child: child}
}

// Cmp builds a comparison leaf.
func Cmp(field string, op Op, value any) *Node {
	return &Node{Kind: KindComparison, Field: field, Op: op, Value: value}
}

func compact(children []*Node) []*Node {
	out := make([]*Node, 0, len(children))
	for _, c := range children {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Validate checks a filter tree for structural errors: unknown node kinds,
// unknown operators, comparisons without a field. A nil tree is valid
// (matches everything).
func Validate(n *Node) error {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case KindAnd, KindOr:
		for _, c := range n.Children {
			if err := Validate(c); err != nil {
				return err
			}
		}
		return nil
	case KindNot:
		return Validate(n.Child)
	case KindComparison:
		if n.Field == "" {
			return fmt.Errorf("query: comparison without field")
		}
		if !allowedOps[n.Op] {
			return fmt.Errorf("query: unknown operator %q", n.Op)
		}
		return nil
	default:
		return fmt.Errorf("query: unknown node kind %q", n.Kind)
	}
}

// Matches reports whether a record payload satisfies the filter tree.
// A nil tree matches everything. An empty AND matches; an empty OR does not.
func Matches(payload map[string]any, n *Node) bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case KindAnd:
		for _, c := range n.Children {
			if !Matches(payload, c) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range n.Children {
			if Matches(payload, c) {
				return true
			}
		}
		return false
	case KindNot:
		return !Matches(payload, n.Child)
	case KindComparison:
		return compare(payload, n)
	default:
		return false
	}
}

func compare(payload map[string]any, n *Node) bool {
	v, present := payload[n.Field]
	if v == nil {
		present = false
	}

	switch n.Op {
	case OpNull:
		return !present
	case OpNotNull:
		return present
	}
	if !present {
		return false
	}

	switch n.Op {
	case OpEq:
		return canonical(v) == canonical(n.Value)
	case OpNeq:
		return canonical(v) != canonical(n.Value)
	case OpContains:
		return strings.Contains(canonical(v), canonical(n.Value))
	case OpStarts:
		return strings.HasPrefix(canonical(v), canonical(n.Value))
	case OpEnds:
		return strings.HasSuffix(canonical(v), canonical(n.Value))
	case OpIn:
		for _, want := range valueList(n.Value) {
			if canonical(v) == canonical(want) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		// Numeric operators: both sides must coerce to float64,
		// otherwise the comparison is false (never an error).
		a, okA := asFloat(v)
		b, okB := asFloat(n.Value)
		if !okA || !okB {
			return false
		}
		switch n.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	}
	return false
}

// canonical lowers a value to its lower-cased string form for the string
// operators (eq, neq, contains, starts, ends, in).
func canonical(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.ToLower(s)
	}
	return strings.ToLower(fmt.Sprintf("%v", v))
}

// asFloat coerces a payload value to float64 for the numeric operators.
func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// valueList normalizes the "in" operand to a slice.
func valueList(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case nil:
		return nil
	default:
		return []any{x}
	}
}
