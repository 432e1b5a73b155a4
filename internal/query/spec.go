package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Sort orders results by one payload field, or by one of the stored
// timestamp columns when Field is "_createdAt" or "_updatedAt".
type Sort struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Spec is an immutable query bound to one source. Refine produces a new
// Spec; a Spec is never mutated after construction, so multiple views may
// share one base spec safely.
type Spec struct {
	SourceID   string   `json:"source_id"`
	Filter     *Node    `json:"filter,omitempty"`
	Sort       *Sort    `json:"sort,omitempty"`
	Projection []string `json:"projection,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// Refinement narrows a Spec. Filter is ANDed with the parent filter;
// Sort, Projection, and Limit override the parent only when set.
type Refinement struct {
	Filter     *Node
	Sort       *Sort
	Projection []string
	Limit      int
}

// Refine returns a new Spec combining the receiver with the refinement.
// The receiver is not modified.
func (s Spec) Refine(r Refinement) Spec {
	next := s
	switch {
	case s.Filter != nil && r.Filter != nil:
		next.Filter = And(s.Filter, r.Filter)
	case r.Filter != nil:
		next.Filter = r.Filter
	}
	if r.Sort != nil {
		next.Sort = r.Sort
	}
	if r.Projection != nil {
		next.Projection = r.Projection
	}
	if r.Limit > 0 {
		next.Limit = r.Limit
	}
	return next
}

// Validate checks the spec's filter tree and sort field.
func (s Spec) Validate() error {
	if s.SourceID == "" {
		return fmt.Errorf("query: spec without source")
	}
	return Validate(s.Filter)
}

// Project returns a copy of payload restricted to the given fields.
// A nil field list returns a full copy.
func Project(payload map[string]any, fields []string) map[string]any {
	if fields == nil {
		out := make(map[string]any, len(payload))
		for k, v := range payload {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := payload[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Less compares two payloads under the sort. Numeric when both sides
// coerce to float64, case-insensitive string comparison otherwise.
func (s *Sort) Less(a, b map[string]any) bool {
	if s.Desc {
		return lessValue(b[s.Field], a[s.Field])
	}
	return lessValue(a[s.Field], b[s.Field])
}

func lessValue(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af < bf
	}
	return strings.Compare(canonical(a), canonical(b)) < 0
}

// SortPayloads sorts records in place by comparing their payloads.
// The sort is stable so records equal under the key keep stored order.
func SortPayloads[T any](items []T, payload func(T) map[string]any, s *Sort) {
	if s == nil {
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		return s.Less(payload(items[i]), payload(items[j]))
	})
}

// MarshalSpec serializes a Spec for the saved-queries table.
func MarshalSpec(s Spec) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("query: marshal spec: %w", err)
	}
	return string(data), nil
}

// UnmarshalSpec parses a Spec stored by MarshalSpec.
func UnmarshalSpec(data string) (Spec, error) {
	var s Spec
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Spec{}, fmt.Errorf("query: unmarshal spec: %w", err)
	}
	return s, nil
}
