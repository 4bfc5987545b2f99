// Package equal compares plain data values by content.
package equal

import (
	"encoding/json"
	"fmt"
)

// MaxDepth bounds how deep Equal descends into nested values. Values nested
// deeper than this are reported as different.
const MaxDepth = 64

// Normalize converts v into plain data (nil, bool, float64, string, []any and
// map[string]any) by a JSON round trip.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	return plain, nil
}

// Equal reports whether a and b hold the same content. Values that cannot be
// normalized are never equal.
func Equal(a, b any) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return plain(na, nb, 0)
}

func plain(a, b any, depth int) bool {
	if depth > MaxDepth {
		return false
	}

	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !plain(av[i], bv[i], depth+1) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, found := bv[k]
			if !found || !plain(x, y, depth+1) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
