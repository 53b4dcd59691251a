// Package evaluation implements the operator strategy and per-dimension
// filter evaluators used to match flight filter rules against a request
// context. Operators are pure and stateless, so they are safe under
// unbounded parallel evaluation.
package evaluation

import (
	"fmt"
	"slices"

	"github.com/matt-riley/flightz/internal/flight"
	"github.com/matt-riley/flightz/internal/tracking"
)

// Operator is the comparison kind configured on a filter rule.
type Operator string

const (
	OperatorEquals      Operator = "Equals"
	OperatorNotEquals   Operator = "NotEquals"
	OperatorIn          Operator = "In"
	OperatorNotIn       Operator = "NotIn"
	OperatorContains    Operator = "Contains"
	OperatorNotContains Operator = "NotContains"
	OperatorInRange     Operator = "InRange"
	OperatorPercentage  Operator = "Percentage"
	OperatorTimeWindow  Operator = "TimeWindow"
	OperatorBefore      Operator = "Before"
	OperatorAfter       Operator = "After"
)

// Result is the verdict of evaluating one rule.
type Result struct {
	Matched    bool
	Operator   Operator
	FilterType string
}

// EvaluateFunc compares a configured value against a context value for one
// filter type.
type EvaluateFunc func(configured, contextValue, filterType string, ids tracking.IDs) (Result, error)

// OperatorEvaluator couples an operator kind with the filter types it
// supports and its evaluation function.
type OperatorEvaluator struct {
	Operator         Operator
	SupportedFilters []string
	Evaluate         EvaluateFunc
}

// Strategy resolves configured operator kinds to their evaluators. New
// operators register without touching existing ones.
type Strategy struct {
	evaluators map[Operator]OperatorEvaluator
}

// NewStrategy returns a strategy with all built-in operators registered.
func NewStrategy() *Strategy {
	s := &Strategy{evaluators: make(map[Operator]OperatorEvaluator)}
	for _, evaluator := range builtinOperators() {
		s.Register(evaluator)
	}
	return s
}

// Register adds or replaces an operator evaluator.
func (s *Strategy) Register(evaluator OperatorEvaluator) {
	s.evaluators[evaluator.Operator] = evaluator
}

// Evaluate resolves the operator for a rule, validates the filter type is
// supported, and runs the comparison. Unknown operators and unsupported
// filter types fail with a configuration error.
func (s *Strategy) Evaluate(operator Operator, filterType, configured, contextValue string, ids tracking.IDs) (Result, error) {
	evaluator, ok := s.evaluators[operator]
	if !ok {
		return Result{}, flight.NewConfiguration("EVALUATE_OPERATOR_001",
			fmt.Sprintf("unknown operator %q", operator), ids)
	}
	if !slices.Contains(evaluator.SupportedFilters, filterType) {
		return Result{}, flight.NewConfiguration("EVALUATE_OPERATOR_002",
			fmt.Sprintf("operator %q does not support filter type %q", operator, filterType), ids)
	}
	return evaluator.Evaluate(configured, contextValue, filterType, ids)
}
