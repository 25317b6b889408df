package engine

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpExists      = "exists"
)

func KnownOperator(op string) bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan, OpExists:
		return true
	}
	return false
}

// Compare applies op to a resolved field. found reports whether the field
// resolved at all; a missing field satisfies no operator.
func Compare(op string, actual any, found bool, expected any) (bool, error) {
	if !KnownOperator(op) {
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
	if op == OpExists {
		return found && actual != nil, nil
	}
	if !found {
		return false, nil
	}
	switch op {
	case OpEquals:
		return valuesEqual(actual, expected), nil
	case OpNotEquals:
		return !valuesEqual(actual, expected), nil
	case OpContains:
		return contains(actual, expected), nil
	case OpGreaterThan, OpLessThan:
		c, err := order(actual, expected)
		if err != nil {
			return false, err
		}
		if op == OpGreaterThan {
			return c > 0, nil
		}
		return c < 0, nil
	}
	return false, nil
}

func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := toBool(b); ok {
			return ab == bb
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func contains(haystack, needle any) bool {
	if s, ok := haystack.(string); ok {
		return strings.Contains(s, fmt.Sprint(needle))
	}
	v := reflect.ValueOf(haystack)
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		for i := 0; i < v.Len(); i++ {
			if valuesEqual(v.Index(i).Interface(), needle) {
				return true
			}
		}
	}
	return false
}

// order compares numbers numerically and RFC3339 timestamps chronologically.
func order(a, b any) (int, error) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			}
			return 0, nil
		}
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return at.Compare(bt), nil
		}
	}
	return 0, fmt.Errorf("values %v and %v are not comparable", a, b)
}

func toFloat(v any) (float64, bool) {
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
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
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

// lookupContact resolves a contact attribute, walking into custom fields for
// dotted paths.
func lookupContact(c *domain.Contact, path string) (any, bool) {
	if c == nil {
		return nil, false
	}
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		return c.Field(path)
	}
	if head == "fields" {
		return lookupPath(c.Fields, rest)
	}
	v, ok := c.Field(head)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupPath(m, rest)
}

// FieldSource names where an unprefixed field is looked up and in which order.
type FieldSource struct {
	Name string
	Data map[string]any
}

// ResolveField resolves "payload.x", "entry.x" or "contact.x" explicitly;
// unprefixed names are tried against each data source in order, then the
// contact.
func ResolveField(field string, contact *domain.Contact, sources ...FieldSource) (any, bool) {
	if head, rest, ok := strings.Cut(field, "."); ok {
		if head == "contact" {
			return lookupContact(contact, rest)
		}
		for _, s := range sources {
			if s.Name == head {
				return lookupPath(s.Data, rest)
			}
		}
	}
	for _, s := range sources {
		if v, ok := lookupPath(s.Data, field); ok {
			return v, true
		}
	}
	return lookupContact(contact, field)
}

// needsContact reports whether resolving field may require the contact record.
func needsContact(field string, sources ...FieldSource) bool {
	if head, _, ok := strings.Cut(field, "."); ok {
		if head == "contact" {
			return true
		}
		for _, s := range sources {
			if s.Name == head {
				return false
			}
		}
	}
	for _, s := range sources {
		if _, ok := lookupPath(s.Data, field); ok {
			return false
		}
	}
	return true
}
