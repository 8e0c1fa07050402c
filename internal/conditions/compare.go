package conditions

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/entityflow/pkg/schema"
)

// Compare applies op to a field value and an operand. Ordering operators on
// operands that are neither numbers nor dates return a TYPE_MISMATCH error.
func Compare(actual any, op schema.Operator, expected any) (bool, error) {
	switch op {
	case schema.OpEmpty:
		return IsEmpty(actual), nil
	case schema.OpNotEmpty:
		return !IsEmpty(actual), nil
	case schema.OpEquals:
		return equal(actual, expected), nil
	case schema.OpNotEquals:
		return !equal(actual, expected), nil
	case schema.OpGreater, schema.OpLess:
		cmp, err := order(actual, expected)
		if err != nil {
			return false, err
		}
		if op == schema.OpGreater {
			return cmp > 0, nil
		}
		return cmp < 0, nil
	case schema.OpContains:
		return contains(actual, expected)
	default:
		return false, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "unknown operator %q", op)
	}
}

// IsEmpty reports whether v is missing, nil, blank, or an empty collection.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// ToNumber converts numeric values and numeric strings to float64.
func ToNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// ToTime parses RFC 3339 datetimes and YYYY-MM-DD dates.
func ToTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, true
		}
		if t, err := time.Parse(schema.DateLayout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return IsEmpty(a) && IsEmpty(b)
	}
	if na, ok := ToNumber(a); ok {
		if nb, ok := ToNumber(b); ok {
			return na == nb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	return canonical(a) == canonical(b)
}

func order(a, b any) (int, error) {
	if na, ok := ToNumber(a); ok {
		if nb, ok := ToNumber(b); ok {
			switch {
			case na < nb:
				return -1, nil
			case na > nb:
				return 1, nil
			}
			return 0, nil
		}
	}
	if ta, ok := ToTime(a); ok {
		if tb, ok := ToTime(b); ok {
			return ta.Compare(tb), nil
		}
	}
	return 0, typeMismatch(a, b)
}

func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case nil:
		return false, nil
	case string:
		return strings.Contains(h, canonical(needle)), nil
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		n := canonical(needle)
		for _, item := range h {
			if item == n {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		_, ok := h[canonical(needle)]
		return ok, nil
	}
	return false, typeMismatch(haystack, needle)
}

func typeMismatch(a, b any) error {
	return schema.NewErrorf(schema.ErrCodeTypeMismatch, "cannot compare %T with %T", a, b).
		WithDetails(map[string]any{"left": a, "right": b})
}

func canonical(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		if n, ok := ToNumber(v); ok {
			return strconv.FormatFloat(n, 'f', -1, 64)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
