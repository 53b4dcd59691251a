package evaluation

import (
	"strings"

	"github.com/matt-riley/flightz/internal/flight"
	"github.com/matt-riley/flightz/internal/tracking"
)

// Context is the request context a rule is evaluated against: a flat map of
// dimension keys to values. Keys are compared case-insensitively.
type Context struct {
	Attributes map[string]string
}

// Get returns the attribute for key, ignoring case.
func (c Context) Get(key string) (string, bool) {
	if value, ok := c.Attributes[key]; ok {
		return value, true
	}
	for attribute, value := range c.Attributes {
		if strings.EqualFold(attribute, key) {
			return value, true
		}
	}
	return "", false
}

// filterBinding maps a filter type to the context key it reads and the
// support key checked against operator capabilities.
type filterBinding struct {
	contextKey string
	supportKey string
}

var builtinFilters = map[string]filterBinding{
	strings.ToLower(FilterCountry):    {contextKey: "country", supportKey: FilterCountry},
	strings.ToLower(FilterRegion):     {contextKey: "region", supportKey: FilterRegion},
	strings.ToLower(FilterRole):       {contextKey: "role", supportKey: FilterRole},
	strings.ToLower(FilterRoleGroup):  {contextKey: "rolegroup", supportKey: FilterRoleGroup},
	strings.ToLower(FilterAlias):      {contextKey: "alias", supportKey: FilterAlias},
	strings.ToLower(FilterUserUPN):    {contextKey: "upn", supportKey: FilterUserUPN},
	strings.ToLower(FilterDate):       {contextKey: "date", supportKey: FilterDate},
	strings.ToLower(FilterPercentage): {contextKey: "alias", supportKey: FilterPercentage},
}

// FilterEvaluator evaluates flight filter rules against a request context by
// resolving each rule's operator through the strategy. Filter types without
// a built-in binding are treated as generic custom dimensions keyed by the
// filter type itself.
type FilterEvaluator struct {
	strategy *Strategy
}

// NewFilterEvaluator builds an evaluator over the given strategy.
func NewFilterEvaluator(strategy *Strategy) *FilterEvaluator {
	return &FilterEvaluator{strategy: strategy}
}

// Evaluate returns the match verdict for one rule.
func (e *FilterEvaluator) Evaluate(rule flight.FilterRule, ctx Context, ids tracking.IDs) (Result, error) {
	binding, ok := builtinFilters[strings.ToLower(rule.FilterType)]
	if !ok {
		binding = filterBinding{contextKey: rule.FilterType, supportKey: FilterGeneric}
	}
	contextValue, _ := ctx.Get(binding.contextKey)
	result, err := e.strategy.Evaluate(Operator(rule.Operator), binding.supportKey, rule.Value, contextValue, ids)
	if err != nil {
		return Result{}, err
	}
	result.FilterType = rule.FilterType
	return result, nil
}

// EvaluateStage reports whether every rule of the stage matches the context.
// A stage with no rules matches unconditionally.
func (e *FilterEvaluator) EvaluateStage(stage *flight.Stage, ctx Context, ids tracking.IDs) (bool, error) {
	for _, rule := range stage.Filters {
		result, err := e.Evaluate(rule, ctx, ids)
		if err != nil {
			return false, err
		}
		if !result.Matched {
			return false, nil
		}
	}
	return true, nil
}
