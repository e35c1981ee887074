// Package cql2 evaluates CQL2 JSON filter predicates against feature
// properties. Only the subset used by clipping layers is implemented:
// comparison operators, and/or/not, in, and isNull.
package cql2

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Query is a parsed CQL2 JSON predicate, e.g.
//
//	{"op": "=", "args": [{"property": "name"}, "US"]}
type Query struct {
	Op   string `json:"op"`
	Args []Arg  `json:"args"`
}

// Arg is one operand of a predicate: a property reference, a nested
// predicate, or a literal value.
type Arg struct {
	Property string
	Query    *Query
	Literal  any
}

// UnmarshalJSON distinguishes property references and nested predicates from
// plain literals by shape.
func (a *Arg) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "{") {
		var probe struct {
			Property *string         `json:"property"`
			Op       *string         `json:"op"`
			Args     json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(b, &probe); err != nil {
			return err
		}
		if probe.Property != nil {
			a.Property = *probe.Property
			return nil
		}
		if probe.Op != nil {
			q := &Query{}
			if err := json.Unmarshal(b, q); err != nil {
				return err
			}
			a.Query = q
			return nil
		}
		return fmt.Errorf("object operand must carry \"property\" or \"op\": %s", trimmed)
	}
	return json.Unmarshal(b, &a.Literal)
}

// MarshalJSON round-trips the operand shape produced by UnmarshalJSON.
func (a Arg) MarshalJSON() ([]byte, error) {
	switch {
	case a.Property != "":
		return json.Marshal(map[string]string{"property": a.Property})
	case a.Query != nil:
		return json.Marshal(a.Query)
	default:
		return json.Marshal(a.Literal)
	}
}

// Parse decodes a raw CQL2 JSON predicate.
func Parse(raw []byte) (*Query, error) {
	q := &Query{}
	if err := json.Unmarshal(raw, q); err != nil {
		return nil, fmt.Errorf("parse cql2 predicate: %w", err)
	}
	if q.Op == "" {
		return nil, fmt.Errorf("cql2 predicate missing op")
	}
	return q, nil
}

// Consolidate merges two predicates with a logical OR, used when clipping
// layers sharing a source and operation are combined. A nil predicate matches
// everything, so the merge of anything with nil is nil.
func Consolidate(a, b *Query) *Query {
	if a == nil || b == nil {
		return nil
	}
	return &Query{Op: "or", Args: []Arg{{Query: a}, {Query: b}}}
}

// Evaluate applies the predicate to a feature's properties.
func Evaluate(q *Query, props map[string]any) (bool, error) {
	if q == nil {
		return true, nil
	}
	switch q.Op {
	case "and":
		for i := range q.Args {
			ok, err := evalNested(q.Args[i], props)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case "or":
		for i := range q.Args {
			ok, err := evalNested(q.Args[i], props)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case "not":
		if len(q.Args) != 1 {
			return false, fmt.Errorf("not takes exactly one argument")
		}
		ok, err := evalNested(q.Args[0], props)
		return !ok, err
	case "isNull":
		if len(q.Args) != 1 {
			return false, fmt.Errorf("isNull takes exactly one argument")
		}
		v, err := resolve(q.Args[0], props)
		return v == nil, err
	case "in":
		if len(q.Args) != 2 {
			return false, fmt.Errorf("in takes exactly two arguments")
		}
		v, err := resolve(q.Args[0], props)
		if err != nil {
			return false, err
		}
		list, ok := q.Args[1].Literal.([]any)
		if !ok {
			return false, fmt.Errorf("in requires a list operand")
		}
		for _, item := range list {
			if looseEqual(v, item) {
				return true, nil
			}
		}
		return false, nil
	case "=", "<>", "<", ">", "<=", ">=":
		if len(q.Args) != 2 {
			return false, fmt.Errorf("%s takes exactly two arguments", q.Op)
		}
		left, err := resolve(q.Args[0], props)
		if err != nil {
			return false, err
		}
		right, err := resolve(q.Args[1], props)
		if err != nil {
			return false, err
		}
		return compare(q.Op, left, right)
	default:
		return false, fmt.Errorf("unsupported cql2 operator %q", q.Op)
	}
}

func evalNested(a Arg, props map[string]any) (bool, error) {
	if a.Query == nil {
		return false, fmt.Errorf("logical operator requires predicate operands")
	}
	return Evaluate(a.Query, props)
}

func resolve(a Arg, props map[string]any) (any, error) {
	switch {
	case a.Property != "":
		return props[a.Property], nil
	case a.Query != nil:
		return nil, fmt.Errorf("nested predicate where a value was expected")
	default:
		return a.Literal, nil
	}
}

func compare(op string, left, right any) (bool, error) {
	switch op {
	case "=":
		return looseEqual(left, right), nil
	case "<>":
		return !looseEqual(left, right), nil
	}
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case ">":
			return lf > rf, nil
		case "<=":
			return lf <= rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs, nil
		case ">":
			return ls > rs, nil
		case "<=":
			return ls <= rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return false, fmt.Errorf("cannot order %T against %T", left, right)
}

func looseEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
