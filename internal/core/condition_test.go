package core

import "testing"

func TestPredicateEval(t *testing.T) {
	attributes := map[string]any{
		"plan":    "premium",
		"age":     30,
		"country": "DE",
	}

	tests := []struct {
		name      string
		predicate Predicate
		want      bool
	}{
		{
			name:      "comparison",
			predicate: Predicate{Property: "plan", Operator: OperatorEquals, Value: "premium"},
			want:      true,
		},
		{
			name: "all",
			predicate: Predicate{All: []Predicate{
				{Property: "plan", Operator: OperatorEquals, Value: "premium"},
				{Property: "age", Operator: OperatorGreaterThan, Value: 18},
			}},
			want: true,
		},
		{
			name: "all short-circuits on failure",
			predicate: Predicate{All: []Predicate{
				{Property: "plan", Operator: OperatorEquals, Value: "basic"},
				{Property: "age", Operator: OperatorGreaterThan, Value: 18},
			}},
			want: false,
		},
		{
			name: "any",
			predicate: Predicate{Any: []Predicate{
				{Property: "plan", Operator: OperatorEquals, Value: "basic"},
				{Property: "country", Operator: OperatorIn, Value: []any{"DE", "AT"}},
			}},
			want: true,
		},
		{
			name: "not",
			predicate: Predicate{Not: &Predicate{
				Property: "plan", Operator: OperatorEquals, Value: "basic",
			}},
			want: true,
		},
		{
			name: "nested combinators",
			predicate: Predicate{All: []Predicate{
				{Any: []Predicate{
					{Property: "country", Operator: OperatorEquals, Value: "DE"},
					{Property: "country", Operator: OperatorEquals, Value: "AT"},
				}},
				{Not: &Predicate{Property: "age", Operator: OperatorLessThan, Value: 18}},
			}},
			want: true,
		},
		{
			name:      "empty predicate is a non-match",
			predicate: Predicate{},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.predicate.Eval(attributes); got != tt.want {
				t.Fatalf("Eval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPredicateValidate(t *testing.T) {
	tests := []struct {
		name      string
		predicate Predicate
		wantErr   bool
	}{
		{
			name:      "valid comparison",
			predicate: Predicate{Property: "plan", Operator: OperatorEquals, Value: "premium"},
		},
		{
			name: "valid combinator",
			predicate: Predicate{Any: []Predicate{
				{Property: "plan", Operator: OperatorEquals, Value: "x"},
			}},
		},
		{
			name:      "empty",
			predicate: Predicate{},
			wantErr:   true,
		},
		{
			name:      "unknown operator",
			predicate: Predicate{Property: "plan", Operator: Operator("eval"), Value: "x"},
			wantErr:   true,
		},
		{
			name: "mixed comparison and combinator",
			predicate: Predicate{
				Property: "plan",
				Operator: OperatorEquals,
				Value:    "x",
				All:      []Predicate{{Property: "a", Operator: OperatorEquals, Value: 1}},
			},
			wantErr: true,
		},
		{
			name: "invalid nested predicate",
			predicate: Predicate{Not: &Predicate{
				Property: "plan", Operator: Operator("exec"), Value: "x",
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.predicate.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEvaluateConditionsPriorityOrder(t *testing.T) {
	attributes := map[string]any{"plan": "premium", "country": "DE"}

	conditions := []FlagCondition{
		{
			ID:         "later",
			Priority:   10,
			Expression: Predicate{Property: "plan", Operator: OperatorEquals, Value: "premium"},
			Result:     "low-priority",
		},
		{
			ID:         "first",
			Priority:   1,
			Expression: Predicate{Property: "country", Operator: OperatorEquals, Value: "DE"},
			Result:     "high-priority",
		},
	}

	value, ok := evaluateConditions(conditions, attributes)
	if !ok {
		t.Fatal("expected a condition match")
	}
	if value != "high-priority" {
		t.Fatalf("value = %v, want high-priority (lowest priority number wins)", value)
	}

	// Definition order must be preserved for equal priorities.
	tied := []FlagCondition{
		{ID: "a", Priority: 5, Expression: Predicate{Property: "plan", Operator: OperatorEquals, Value: "premium"}, Result: "a"},
		{ID: "b", Priority: 5, Expression: Predicate{Property: "plan", Operator: OperatorEquals, Value: "premium"}, Result: "b"},
	}
	value, ok = evaluateConditions(tied, attributes)
	if !ok || value != "a" {
		t.Fatalf("tied priorities: value = %v, want a", value)
	}

	// No match falls through to rollout logic.
	if _, ok := evaluateConditions(conditions, map[string]any{}); ok {
		t.Fatal("expected no match for empty attributes")
	}
}
