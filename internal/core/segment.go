package core

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// MatchesSegment reports whether a user's attribute map satisfies every
// rule of the segment. Rules combine with logical AND; the first failing
// rule short-circuits. An empty rule list matches everyone.
func MatchesSegment(attributes map[string]any, segment UserSegment) bool {
	for _, rule := range segment.Rules {
		if !matchSegmentRule(attributes, rule) {
			return false
		}
	}

	return true
}

// matchSegmentRule applies a single property comparison. A property absent
// from the attribute map fails every operator except the negated ones,
// which succeed vacuously.
func matchSegmentRule(attributes map[string]any, rule SegmentRule) bool {
	value, present := attributes[rule.Property]
	if !present {
		switch rule.Operator {
		case OperatorNotEquals, OperatorNotContains, OperatorNotIn:
			return true
		default:
			return false
		}
	}

	switch rule.Operator {
	case OperatorEquals:
		return valuesEqual(value, rule.Value)
	case OperatorNotEquals:
		return !valuesEqual(value, rule.Value)
	case OperatorContains:
		return stringContains(value, rule.Value)
	case OperatorNotContains:
		return !stringContains(value, rule.Value)
	case OperatorGreaterThan:
		left, right, ok := numericPair(value, rule.Value)
		return ok && left > right
	case OperatorLessThan:
		left, right, ok := numericPair(value, rule.Value)
		return ok && left < right
	case OperatorIn:
		return valueIn(value, rule.Value)
	case OperatorNotIn:
		return !valueIn(value, rule.Value)
	default:
		return false
	}
}

// valueIn treats ruleValue as a set and tests membership of value.
func valueIn(value any, ruleValue any) bool {
	values := reflect.ValueOf(ruleValue)
	if !values.IsValid() {
		return false
	}

	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < values.Len(); i++ {
		if valuesEqual(value, values.Index(i).Interface()) {
			return true
		}
	}

	return false
}

// valuesEqual compares two values strictly, with numeric cross-type
// equality so an attribute decoded from JSON as float64(30) equals a rule
// value of int(30). Strings never equal numbers.
func valuesEqual(left any, right any) bool {
	leftNum, leftOK := asNumber(left)
	rightNum, rightOK := asNumber(right)
	if leftOK && rightOK {
		return leftNum == rightNum
	}
	if leftOK != rightOK {
		return false
	}

	return reflect.DeepEqual(left, right)
}

// stringContains coerces both sides to strings and tests substring
// presence.
func stringContains(haystack, needle any) bool {
	h, ok := asString(haystack)
	if !ok {
		return false
	}
	n, ok := asString(needle)
	if !ok {
		return false
	}

	return strings.Contains(h, n)
}

// numericPair coerces both sides to float64. A non-numeric value on either
// side fails the comparison, which counts as a non-match rather than an
// error.
func numericPair(left, right any) (float64, float64, bool) {
	l, ok := asFloat64(left)
	if !ok {
		return 0, 0, false
	}
	r, ok := asFloat64(right)
	if !ok {
		return 0, 0, false
	}
	if math.IsNaN(l) || math.IsNaN(r) {
		return 0, 0, false
	}

	return l, r, true
}

// asNumber converts any numeric Go type to float64 without parsing
// strings. It backs strict equality.
func asNumber(value any) (float64, bool) {
	switch number := value.(type) {
	case int:
		return float64(number), true
	case int8:
		return float64(number), true
	case int16:
		return float64(number), true
	case int32:
		return float64(number), true
	case int64:
		return float64(number), true
	case uint:
		return float64(number), true
	case uint8:
		return float64(number), true
	case uint16:
		return float64(number), true
	case uint32:
		return float64(number), true
	case uint64:
		return float64(number), true
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

// asFloat64 additionally parses numeric strings. It backs the ordered
// comparisons, which coerce both sides to numeric.
func asFloat64(value any) (float64, bool) {
	if number, ok := asNumber(value); ok {
		return number, true
	}

	if s, ok := value.(string); ok {
		parsed, err := strconv.ParseFloat(s, 64)
		return parsed, err == nil
	}

	return 0, false
}

func asString(value any) (string, bool) {
	switch s := value.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	case bool:
		return strconv.FormatBool(s), true
	default:
		if number, ok := asFloat64(value); ok {
			return strconv.FormatFloat(number, 'f', -1, 64), true
		}
		return "", false
	}
}
