package query

import (
	"encoding/json"
	"testing"
)

func fields(pairs ...any) map[string]any {
	m := make(map[string]any, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i].(string)] = pairs[i+1]
	}
	return m
}

func TestMatches_NilTreeMatchesEverything(t *testing.T) {
	if !Matches(fields("a", 1), nil) {
		t.Fatal("nil filter should match")
	}
	if !Matches(nil, nil) {
		t.Fatal("nil filter should match empty fields")
	}
}

func TestMatches_ComparisonOps(t *testing.T) {
	rec := fields("name", "Widget Pro", "price", 42.5, "qty", 7, "tag", nil)

	cases := []struct {
		name string
		node *Node
		want bool
	}{
		{"eq string", Cmp("name", OpEq, "Widget Pro"), true},
		{"eq case-insensitive", Cmp("name", OpEq, "widget pro"), true},
		{"neq", Cmp("name", OpNeq, "Widget Pro"), false},
		{"gt number", Cmp("price", OpGt, 40), true},
		{"gte boundary", Cmp("price", OpGte, 42.5), true},
		{"lt false", Cmp("price", OpLt, 42.5), false},
		{"lte int field", Cmp("qty", OpLte, 7), true},
		{"contains", Cmp("name", OpContains, "get p"), true},
		{"starts", Cmp("name", OpStarts, "widget"), true},
		{"ends", Cmp("name", OpEnds, "PRO"), true},
		{"null on nil value", Cmp("tag", OpNull, nil), true},
		{"null on absent field", Cmp("missing", OpNull, nil), true},
		{"notnull present", Cmp("name", OpNotNull, nil), true},
		{"notnull absent", Cmp("missing", OpNotNull, nil), false},
		{"in hit", Cmp("qty", OpIn, []any{1, 7, 9}), true},
		{"in miss", Cmp("qty", OpIn, []any{1, 2}), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(rec, tc.node); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatches_NumericCoercion(t *testing.T) {
	// WHAT: "42" (stored as string) compares numerically against 42.
	// WHY: Payloads round-trip through JSON, so numeric fields arrive in
	// mixed representations across sources.
	rec := fields("count", "42")
	if !Matches(rec, Cmp("count", OpGte, 42)) {
		t.Error("string \"42\" should satisfy gte 42")
	}
	if !Matches(rec, Cmp("count", OpLt, json.Number("43"))) {
		t.Error("string \"42\" should satisfy lt json.Number(43)")
	}

	// Non-numeric strings never satisfy ordered comparisons.
	rec = fields("count", "many")
	if Matches(rec, Cmp("count", OpGt, 0)) {
		t.Error("non-numeric string must not satisfy gt")
	}
}

func TestMatches_BooleanComposition(t *testing.T) {
	rec := fields("status", "open", "priority", 3)

	and := And(Cmp("status", OpEq, "open"), Cmp("priority", OpGte, 2))
	if !Matches(rec, and) {
		t.Error("and should match")
	}

	or := Or(Cmp("status", OpEq, "closed"), Cmp("priority", OpGt, 2))
	if !Matches(rec, or) {
		t.Error("or should match on the second branch")
	}

	not := Not(Cmp("status", OpEq, "closed"))
	if !Matches(rec, not) {
		t.Error("not should match")
	}

	nested := And(or, Not(Cmp("priority", OpGt, 10)))
	if !Matches(rec, nested) {
		t.Error("nested tree should match")
	}
}

func TestMatches_EmptyGroups(t *testing.T) {
	// Empty AND is vacuously true; empty OR has no branch to satisfy.
	rec := fields("a", 1)
	if !Matches(rec, And()) {
		t.Error("empty and should match")
	}
	if Matches(rec, Or()) {
		t.Error("empty or should not match")
	}
}

func TestValidate_RejectsUnknownOp(t *testing.T) {
	bad := &Node{Kind: KindComparison, Field: "a", Op: Op("regex")}
	if err := Validate(bad); err == nil {
		t.Fatal("expected error for unknown op")
	}
}

func TestValidate_RejectsMalformedTree(t *testing.T) {
	cases := []struct {
		name string
		node *Node
	}{
		{"cmp without field", &Node{Kind: KindComparison, Op: OpEq}},
		{"nested bad op", And(Cmp("a", OpEq, 1), Not(&Node{Kind: KindComparison, Field: "b", Op: Op("like")}))},
		{"unknown kind", &Node{Kind: Kind("xor")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(tc.node); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestNode_JSONRoundTrip(t *testing.T) {
	orig := And(
		Cmp("status", OpEq, "open"),
		Or(Cmp("score", OpGt, 10), Not(Cmp("tag", OpNull, nil))),
	)
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Node
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := Validate(&got); err != nil {
		t.Fatalf("validate after round trip: %v", err)
	}
	rec := fields("status", "open", "score", 11)
	if !Matches(rec, &got) {
		t.Error("round-tripped tree should match the same record")
	}
}
