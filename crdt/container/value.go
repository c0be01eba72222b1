package container

import (
	"fmt"
	"sort"
)

// Value is a materialized document value.
// Allowed dynamic types are:
//   - nil
//   - bool
//   - int64
//   - float64
//   - string
//   - []byte
//   - []Value
//   - map[string]Value
//   - ID (a reference to a nested container)
type Value = any

// NormalizeValue coerces Go values into the canonical Value shape,
// so that structurally equal inputs produce identical values.
// It returns an error for unsupported dynamic types.
func NormalizeValue(v any) (Value, error) {
	switch vv := v.(type) {
	case nil, bool, int64, float64, string, []byte, ID:
		return vv, nil
	case int:
		return int64(vv), nil
	case int32:
		return int64(vv), nil
	case uint:
		return int64(vv), nil
	case uint32:
		return int64(vv), nil
	case uint64:
		return int64(vv), nil
	case float32:
		return float64(vv), nil
	case []any:
		out := make([]Value, len(vv))
		for i, el := range vv {
			norm, err := NormalizeValue(el)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	case map[string]any:
		out := make(map[string]Value, len(vv))
		for k, el := range vv {
			norm, err := NormalizeValue(el)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// ValueEqual checks two values for deep structural equality.
func ValueEqual(a, b Value) bool {
	switch av := a.(type) {
	case []Value:
		bv, ok := b.([]Value)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]Value:
		bv, ok := b.(map[string]Value)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			ov, ok := bv[k]
			if !ok || !ValueEqual(v, ov) {
				return false
			}
		}
		return true
	case []byte:
		bv, ok := b.([]byte)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// SortedKeys returns the keys of a value map in lexicographic order.
func SortedKeys(m map[string]Value) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
