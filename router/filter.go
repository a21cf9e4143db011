package router

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/c360/seatstream/errors"
)

// Filter operators applied field-by-field against event payloads.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpIn       = "in"
	OpNin      = "nin"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
	OpMatches  = "matches"
)

// FieldFilter is one compiled predicate over a single payload field.
type FieldFilter struct {
	Field   string
	Op      string
	Value   any
	Values  []any          // for in/nin
	pattern *regexp.Regexp // compiled for matches
}

// filterSpec is the wire form: either a bare value (implied eq) or an
// {"op": ..., "value": ...} object.
type filterSpec struct {
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value"`
}

// CompileFilters validates and compiles the wire filter map. Unknown
// operators and unparseable patterns fail the subscribe call.
func CompileFilters(raw map[string]json.RawMessage) ([]FieldFilter, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	filters := make([]FieldFilter, 0, len(raw))
	for field, spec := range raw {
		filter, err := compileFilter(field, spec)
		if err != nil {
			return nil, err
		}
		filters = append(filters, filter)
	}
	return filters, nil
}

func compileFilter(field string, raw json.RawMessage) (FieldFilter, error) {
	var spec filterSpec
	if err := json.Unmarshal(raw, &spec); err != nil || spec.Op == "" {
		// Bare value: implied equality.
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return FieldFilter{}, errors.WrapInvalid(errors.ErrInvalidFilter, "router", "CompileFilters",
				fmt.Sprintf("parse filter for field %q", field))
		}
		return FieldFilter{Field: field, Op: OpEq, Value: value}, nil
	}

	filter := FieldFilter{Field: field, Op: spec.Op}
	switch spec.Op {
	case OpIn, OpNin:
		if err := json.Unmarshal(spec.Value, &filter.Values); err != nil {
			return FieldFilter{}, errors.WrapInvalid(errors.ErrInvalidFilter, "router", "CompileFilters",
				fmt.Sprintf("%s filter for field %q requires an array", spec.Op, field))
		}
	case OpMatches:
		var pattern string
		if err := json.Unmarshal(spec.Value, &pattern); err != nil {
			return FieldFilter{}, errors.WrapInvalid(errors.ErrInvalidFilter, "router", "CompileFilters",
				fmt.Sprintf("matches filter for field %q requires a string pattern", field))
		}
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return FieldFilter{}, errors.WrapInvalid(errors.ErrInvalidFilter, "router", "CompileFilters",
				fmt.Sprintf("compile pattern for field %q", field))
		}
		filter.pattern = compiled
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains:
		if err := json.Unmarshal(spec.Value, &filter.Value); err != nil {
			return FieldFilter{}, errors.WrapInvalid(errors.ErrInvalidFilter, "router", "CompileFilters",
				fmt.Sprintf("parse %s value for field %q", spec.Op, field))
		}
	default:
		return FieldFilter{}, errors.WrapInvalid(errors.ErrInvalidFilter, "router", "CompileFilters",
			fmt.Sprintf("unknown operator %q for field %q", spec.Op, field))
	}
	return filter, nil
}

// Matches evaluates every filter against the payload; all must pass. A
// missing field fails the predicate rather than passing it silently.
func Matches(filters []FieldFilter, payload map[string]any) bool {
	for _, f := range filters {
		value, ok := payload[f.Field]
		if !ok {
			return false
		}
		if !f.match(value) {
			return false
		}
	}
	return true
}

func (f FieldFilter) match(value any) bool {
	switch f.Op {
	case OpEq:
		return equal(value, f.Value)
	case OpNeq:
		return !equal(value, f.Value)
	case OpIn:
		for _, candidate := range f.Values {
			if equal(value, candidate) {
				return true
			}
		}
		return false
	case OpNin:
		for _, candidate := range f.Values {
			if equal(value, candidate) {
				return false
			}
		}
		return true
	case OpGt, OpGte, OpLt, OpLte:
		return ordered(value, f.Value, f.Op)
	case OpContains:
		haystack, ok1 := value.(string)
		needle, ok2 := f.Value.(string)
		return ok1 && ok2 && strings.Contains(haystack, needle)
	case OpMatches:
		s, ok := value.(string)
		return ok && f.pattern != nil && f.pattern.MatchString(s)
	default:
		return false
	}
}

// equal compares JSON-decoded scalars. Numbers compare numerically so 1 and
// 1.0 are equal.
func equal(a, b any) bool {
	if na, ok := asNumber(a); ok {
		if nb, ok := asNumber(b); ok {
			return na == nb
		}
		return false
	}
	return a == b
}

func ordered(a, b any, op string) bool {
	na, ok1 := asNumber(a)
	nb, ok2 := asNumber(b)
	if ok1 && ok2 {
		switch op {
		case OpGt:
			return na > nb
		case OpGte:
			return na >= nb
		case OpLt:
			return na < nb
		case OpLte:
			return na <= nb
		}
		return false
	}

	sa, ok1 := a.(string)
	sb, ok2 := b.(string)
	if !ok1 || !ok2 {
		return false
	}
	switch op {
	case OpGt:
		return sa > sb
	case OpGte:
		return sa >= sb
	case OpLt:
		return sa < sb
	case OpLte:
		return sa <= sb
	}
	return false
}

func asNumber(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}
