package cql2

import "testing"

func mustParse(t *testing.T, raw string) *Query {
	t.Helper()
	q, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return q
}

func TestEvaluate_Comparison(t *testing.T) {
	props := map[string]any{"name": "US", "depth": 40.0}
	cases := []struct {
		raw  string
		want bool
	}{
		{`{"op":"=","args":[{"property":"name"},"US"]}`, true},
		{`{"op":"=","args":[{"property":"name"},"MX"]}`, false},
		{`{"op":"<>","args":[{"property":"name"},"MX"]}`, true},
		{`{"op":"<","args":[{"property":"depth"},50]}`, true},
		{`{"op":">=","args":[{"property":"depth"},40]}`, true},
		{`{"op":">","args":[{"property":"depth"},40]}`, false},
	}
	for _, tc := range cases {
		got, err := Evaluate(mustParse(t, tc.raw), props)
		if err != nil {
			t.Errorf("%s: %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestEvaluate_Logical(t *testing.T) {
	props := map[string]any{"type": "marine", "depth": 10.0}
	q := mustParse(t, `{"op":"and","args":[
		{"op":"=","args":[{"property":"type"},"marine"]},
		{"op":"<","args":[{"property":"depth"},100]}
	]}`)
	ok, err := Evaluate(q, props)
	if err != nil || !ok {
		t.Fatalf("and = %v, %v; want true", ok, err)
	}

	q = mustParse(t, `{"op":"not","args":[{"op":"=","args":[{"property":"type"},"land"]}]}`)
	ok, err = Evaluate(q, props)
	if err != nil || !ok {
		t.Fatalf("not = %v, %v; want true", ok, err)
	}
}

func TestEvaluate_In(t *testing.T) {
	q := mustParse(t, `{"op":"in","args":[{"property":"name"},["US","MX"]]}`)
	ok, err := Evaluate(q, map[string]any{"name": "MX"})
	if err != nil || !ok {
		t.Fatalf("in = %v, %v; want true", ok, err)
	}
	ok, _ = Evaluate(q, map[string]any{"name": "CA"})
	if ok {
		t.Fatal("in should be false for CA")
	}
}

func TestEvaluate_IsNull(t *testing.T) {
	q := mustParse(t, `{"op":"isNull","args":[{"property":"missing"}]}`)
	ok, err := Evaluate(q, map[string]any{})
	if err != nil || !ok {
		t.Fatalf("isNull = %v, %v; want true", ok, err)
	}
}

func TestEvaluate_Errors(t *testing.T) {
	if _, err := Evaluate(mustParse(t, `{"op":"between","args":[]}`), nil); err == nil {
		t.Fatal("unsupported operator should error")
	}
	q := mustParse(t, `{"op":"<","args":[{"property":"a"},{"property":"b"}]}`)
	if _, err := Evaluate(q, map[string]any{"a": "x", "b": 3.0}); err == nil {
		t.Fatal("mismatched operand types should error")
	}
}

func TestConsolidate(t *testing.T) {
	a := mustParse(t, `{"op":"=","args":[{"property":"name"},"US"]}`)
	b := mustParse(t, `{"op":"=","args":[{"property":"name"},"MX"]}`)

	merged := Consolidate(a, b)
	if merged.Op != "or" || len(merged.Args) != 2 {
		t.Fatalf("unexpected merge shape: %+v", merged)
	}
	ok, err := Evaluate(merged, map[string]any{"name": "MX"})
	if err != nil || !ok {
		t.Fatalf("merged predicate should match MX: %v, %v", ok, err)
	}

	// nil matches everything, so merging with nil stays nil
	if Consolidate(a, nil) != nil {
		t.Fatal("consolidating with a nil predicate must yield nil")
	}
}
