package core

import (
	"errors"
	"fmt"
	"sort"
)

// Predicate is a closed boolean expression over the user attribute
// namespace. Exactly one of the comparison form (Property/Operator/Value)
// or a combinator (All, Any, Not) may be set. There is deliberately no
// escape hatch into code execution: the grammar supports only the fixed
// comparison operators and boolean combinators, so attacker-influenced
// expressions cannot do anything beyond comparing properties.
type Predicate struct {
	Property string   `json:"property,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`

	All []Predicate `json:"all,omitempty"`
	Any []Predicate `json:"any,omitempty"`
	Not *Predicate  `json:"not,omitempty"`
}

var errMixedPredicate = errors.New("predicate mixes comparison and combinator forms")

// Eval evaluates the predicate against an attribute map. Malformed
// predicates evaluate to false rather than erroring: on the evaluation hot
// path a bad expression is a non-match, never a failure.
func (p Predicate) Eval(attributes map[string]any) bool {
	switch {
	case p.Not != nil:
		return !p.Not.Eval(attributes)
	case len(p.All) > 0:
		for _, sub := range p.All {
			if !sub.Eval(attributes) {
				return false
			}
		}
		return true
	case len(p.Any) > 0:
		for _, sub := range p.Any {
			if sub.Eval(attributes) {
				return true
			}
		}
		return false
	case p.Property != "":
		return matchSegmentRule(attributes, SegmentRule{
			Property: p.Property,
			Operator: p.Operator,
			Value:    p.Value,
		})
	default:
		return false
	}
}

// Validate rejects structurally malformed predicates at admin time so the
// registry never stores an expression that silently evaluates to false.
func (p Predicate) Validate() error {
	combinators := 0
	if len(p.All) > 0 {
		combinators++
	}
	if len(p.Any) > 0 {
		combinators++
	}
	if p.Not != nil {
		combinators++
	}

	if combinators > 1 || (combinators == 1 && p.Property != "") {
		return errMixedPredicate
	}

	if combinators == 0 {
		if p.Property == "" {
			return errors.New("predicate has neither comparison nor combinator")
		}
		if !KnownOperator(p.Operator) {
			return fmt.Errorf("unknown operator %q", p.Operator)
		}
		return nil
	}

	for _, sub := range p.All {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	for _, sub := range p.Any {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	if p.Not != nil {
		return p.Not.Validate()
	}

	return nil
}

// KnownOperator reports whether op is one of the supported comparison
// operators.
func KnownOperator(op Operator) bool {
	switch op {
	case OperatorEquals, OperatorNotEquals,
		OperatorContains, OperatorNotContains,
		OperatorGreaterThan, OperatorLessThan,
		OperatorIn, OperatorNotIn:
		return true
	default:
		return false
	}
}

// evaluateConditions walks conditions in ascending priority order and
// returns the result of the first matching one. Ties preserve definition
// order.
func evaluateConditions(conditions []FlagCondition, attributes map[string]any) (any, bool) {
	if len(conditions) == 0 {
		return nil, false
	}

	ordered := make([]FlagCondition, len(conditions))
	copy(ordered, conditions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	for _, condition := range ordered {
		if condition.Expression.Eval(attributes) {
			return condition.Result, true
		}
	}

	return nil, false
}
