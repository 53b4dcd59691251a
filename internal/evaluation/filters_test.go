package evaluation

import (
	"testing"

	"github.com/matt-riley/flightz/internal/flight"
)

func TestContextGet(t *testing.T) {
	ctx := Context{Attributes: map[string]string{"Country": "NL", "alias": "alice"}}

	if value, ok := ctx.Get("country"); !ok || value != "NL" {
		t.Fatalf("expected case-insensitive lookup, got %q %v", value, ok)
	}
	if value, ok := ctx.Get("alias"); !ok || value != "alice" {
		t.Fatalf("expected exact lookup, got %q %v", value, ok)
	}
	if _, ok := ctx.Get("region"); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestFilterEvaluatorEvaluate(t *testing.T) {
	evaluator := NewFilterEvaluator(NewStrategy())
	ctx := Context{Attributes: map[string]string{
		"country": "NL",
		"role":    "operator",
		"alias":   "alice",
		"tier":    "gold",
	}}

	tests := []struct {
		name string
		rule flight.FilterRule
		want bool
	}{
		{
			name: "built-in binding resolves context key",
			rule: flight.FilterRule{FilterType: "Country", Operator: "Equals", Value: "nl"},
			want: true,
		},
		{
			name: "built-in binding is case-insensitive on filter type",
			rule: flight.FilterRule{FilterType: "country", Operator: "Equals", Value: "NL"},
			want: true,
		},
		{
			name: "custom dimension falls back to generic",
			rule: flight.FilterRule{FilterType: "tier", Operator: "In", Value: "silver,gold"},
			want: true,
		},
		{
			name: "custom dimension miss",
			rule: flight.FilterRule{FilterType: "tier", Operator: "Equals", Value: "platinum"},
			want: false,
		},
		{
			name: "absent context value does not match equals",
			rule: flight.FilterRule{FilterType: "Region", Operator: "Equals", Value: "emea"},
			want: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tc.rule, ctx, testIDs)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Matched != tc.want {
				t.Fatalf("expected matched=%v, got %v", tc.want, result.Matched)
			}
			if result.FilterType != tc.rule.FilterType {
				t.Fatalf("expected filter type %q echoed, got %q", tc.rule.FilterType, result.FilterType)
			}
		})
	}
}

func TestFilterEvaluatorConfigurationError(t *testing.T) {
	evaluator := NewFilterEvaluator(NewStrategy())
	rule := flight.FilterRule{FilterType: "Country", Operator: "Percentage", Value: "50"}

	_, err := evaluator.Evaluate(rule, Context{}, testIDs)
	if !flight.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestEvaluateStage(t *testing.T) {
	evaluator := NewFilterEvaluator(NewStrategy())
	ctx := Context{Attributes: map[string]string{"country": "NL", "role": "operator"}}

	t.Run("all rules must match", func(t *testing.T) {
		stage := &flight.Stage{ID: 1, Name: "ring0", Filters: []flight.FilterRule{
			{FilterType: "Country", Operator: "Equals", Value: "NL"},
			{FilterType: "Role", Operator: "In", Value: "admin,operator"},
		}}
		matched, err := evaluator.EvaluateStage(stage, ctx, testIDs)
		if err != nil {
			t.Fatalf("EvaluateStage failed: %v", err)
		}
		if !matched {
			t.Fatal("expected stage to match")
		}
	})

	t.Run("one failing rule rejects the stage", func(t *testing.T) {
		stage := &flight.Stage{ID: 1, Name: "ring0", Filters: []flight.FilterRule{
			{FilterType: "Country", Operator: "Equals", Value: "NL"},
			{FilterType: "Role", Operator: "Equals", Value: "admin"},
		}}
		matched, err := evaluator.EvaluateStage(stage, ctx, testIDs)
		if err != nil {
			t.Fatalf("EvaluateStage failed: %v", err)
		}
		if matched {
			t.Fatal("expected stage rejected")
		}
	})

	t.Run("empty stage matches unconditionally", func(t *testing.T) {
		matched, err := evaluator.EvaluateStage(&flight.Stage{ID: 1, Name: "ring0"}, Context{}, testIDs)
		if err != nil {
			t.Fatalf("EvaluateStage failed: %v", err)
		}
		if !matched {
			t.Fatal("expected unconditional match")
		}
	})

	t.Run("configuration error propagates", func(t *testing.T) {
		stage := &flight.Stage{ID: 1, Name: "ring0", Filters: []flight.FilterRule{
			{FilterType: "Country", Operator: "Nope", Value: "NL"},
		}}
		_, err := evaluator.EvaluateStage(stage, ctx, testIDs)
		if !flight.IsConfiguration(err) {
			t.Fatalf("expected configuration error, got %v", err)
		}
	})
}
