package docstore

import (
	"fmt"
	"strings"
	"time"
)

// Filter operators.
const (
	OpEq            = "=="
	OpNe            = "!="
	OpLt            = "<"
	OpLte           = "<="
	OpGt            = ">"
	OpGte           = ">="
	OpIn            = "in"
	OpArrayContains = "array-contains"
)

// Filter compares a (possibly dotted) field path against a value.
type Filter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Where is shorthand for building a Filter.
func Where(field, op string, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query selects documents of one collection, optionally scoped to a family.
type Query struct {
	Collection string   `json:"collection"`
	FamilyID   string   `json:"family_id,omitempty"`
	Filters    []Filter `json:"filters,omitempty"`
	// OrderBy names a field; a leading "-" sorts descending.
	OrderBy string `json:"order_by,omitempty"`
}

// Validate rejects unknown operators before a query reaches the store.
func (q Query) Validate() error {
	if q.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("filter field is required")
		}
		switch f.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIn, OpArrayContains:
		default:
			return fmt.Errorf("unsupported operator %q", f.Op)
		}
	}
	return nil
}

// Matches reports whether d satisfies every filter of q.
func (q Query) Matches(d *Document) bool {
	if d.Collection != q.Collection {
		return false
	}
	if q.FamilyID != "" && d.FamilyID != q.FamilyID {
		return false
	}
	for _, f := range q.Filters {
		if !f.matches(d.Data) {
			return false
		}
	}
	return true
}

func (f Filter) matches(data map[string]any) bool {
	v, present := lookup(data, f.Field)

	switch f.Op {
	case OpEq:
		if f.Value == nil {
			return !present || v == nil
		}
		c, ok := compare(v, f.Value)
		return ok && c == 0
	case OpNe:
		if f.Value == nil {
			return present && v != nil
		}
		c, ok := compare(v, f.Value)
		return !ok || c != 0
	case OpLt, OpLte, OpGt, OpGte:
		if v == nil {
			return false
		}
		c, ok := compare(v, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpLt:
			return c < 0
		case OpLte:
			return c <= 0
		case OpGt:
			return c > 0
		default:
			return c >= 0
		}
	case OpIn:
		for _, candidate := range toSlice(f.Value) {
			if c, ok := compare(v, candidate); ok && c == 0 {
				return true
			}
		}
		return false
	case OpArrayContains:
		arr, ok := v.([]any)
		if !ok {
			return false
		}
		for _, elem := range arr {
			if c, ok := compare(elem, f.Value); ok && c == 0 {
				return true
			}
		}
		return false
	}
	return false
}

func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out
	}
	return nil
}

// compare orders two JSON-ish values. Times compare against RFC3339 strings;
// numbers of any Go numeric type compare as float64.
func compare(a, b any) (int, bool) {
	if ta, ok := asTime(b); ok {
		tb, ok := asTime(a)
		if !ok {
			return 0, false
		}
		return cmpTime(tb, ta), true
	}

	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	case nil:
		if b == nil {
			return 0, true
		}
	}
	return 0, false
}

func cmpTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
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
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
