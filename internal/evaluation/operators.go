package evaluation

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/flightz/internal/flight"
	"github.com/matt-riley/flightz/internal/tracking"
)

// Filter type names understood by the built-in operators. Membership
// operators accept any of the identity dimensions plus generic custom keys.
const (
	FilterCountry    = "Country"
	FilterRegion     = "Region"
	FilterRole       = "Role"
	FilterRoleGroup  = "RoleGroup"
	FilterAlias      = "Alias"
	FilterUserUPN    = "UserUpn"
	FilterGeneric    = "Generic"
	FilterDate       = "Date"
	FilterPercentage = "Percentage"
)

// percentageBuckets is the modulus for stable percentage bucketing.
const percentageBuckets = 100

func stringFilters() []string {
	return []string{FilterAlias, FilterCountry, FilterRegion, FilterRole, FilterRoleGroup, FilterUserUPN, FilterGeneric}
}

func builtinOperators() []OperatorEvaluator {
	return []OperatorEvaluator{
		{
			Operator:         OperatorEquals,
			SupportedFilters: stringFilters(),
			Evaluate: func(configured, contextValue, filterType string, _ tracking.IDs) (Result, error) {
				return Result{Matched: strings.EqualFold(configured, contextValue), Operator: OperatorEquals, FilterType: filterType}, nil
			},
		},
		{
			Operator:         OperatorNotEquals,
			SupportedFilters: stringFilters(),
			Evaluate: func(configured, contextValue, filterType string, _ tracking.IDs) (Result, error) {
				return Result{Matched: !strings.EqualFold(configured, contextValue), Operator: OperatorNotEquals, FilterType: filterType}, nil
			},
		},
		{
			Operator:         OperatorIn,
			SupportedFilters: stringFilters(),
			Evaluate: func(configured, contextValue, filterType string, _ tracking.IDs) (Result, error) {
				return Result{Matched: memberOf(configured, contextValue), Operator: OperatorIn, FilterType: filterType}, nil
			},
		},
		{
			Operator:         OperatorNotIn,
			SupportedFilters: stringFilters(),
			Evaluate: func(configured, contextValue, filterType string, _ tracking.IDs) (Result, error) {
				return Result{Matched: !memberOf(configured, contextValue), Operator: OperatorNotIn, FilterType: filterType}, nil
			},
		},
		{
			Operator:         OperatorContains,
			SupportedFilters: stringFilters(),
			Evaluate: func(configured, contextValue, filterType string, _ tracking.IDs) (Result, error) {
				matched := strings.Contains(strings.ToLower(contextValue), strings.ToLower(configured))
				return Result{Matched: matched, Operator: OperatorContains, FilterType: filterType}, nil
			},
		},
		{
			Operator:         OperatorNotContains,
			SupportedFilters: stringFilters(),
			Evaluate: func(configured, contextValue, filterType string, _ tracking.IDs) (Result, error) {
				matched := !strings.Contains(strings.ToLower(contextValue), strings.ToLower(configured))
				return Result{Matched: matched, Operator: OperatorNotContains, FilterType: filterType}, nil
			},
		},
		{
			Operator:         OperatorInRange,
			SupportedFilters: []string{FilterGeneric},
			Evaluate:         evaluateInRange,
		},
		{
			Operator:         OperatorPercentage,
			SupportedFilters: []string{FilterPercentage},
			Evaluate:         evaluatePercentage,
		},
		{
			Operator:         OperatorTimeWindow,
			SupportedFilters: []string{FilterDate},
			Evaluate:         evaluateTimeWindow,
		},
		{
			Operator:         OperatorBefore,
			SupportedFilters: []string{FilterDate},
			Evaluate: func(configured, contextValue, filterType string, ids tracking.IDs) (Result, error) {
				return evaluateTimeBound(OperatorBefore, configured, contextValue, filterType, ids)
			},
		},
		{
			Operator:         OperatorAfter,
			SupportedFilters: []string{FilterDate},
			Evaluate: func(configured, contextValue, filterType string, ids tracking.IDs) (Result, error) {
				return evaluateTimeBound(OperatorAfter, configured, contextValue, filterType, ids)
			},
		},
	}
}

func memberOf(configured, contextValue string) bool {
	for value := range strings.SplitSeq(configured, ",") {
		if strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(contextValue)) {
			return true
		}
	}
	return false
}

// evaluateInRange expects the configured value as "low-high" and matches
// numeric context values inside the inclusive range.
func evaluateInRange(configured, contextValue, filterType string, ids tracking.IDs) (Result, error) {
	low, high, ok := strings.Cut(configured, "-")
	if !ok {
		return Result{}, flight.NewConfiguration("EVALUATE_RANGE_001",
			fmt.Sprintf("range value %q must be formatted as low-high", configured), ids)
	}
	lowBound, err := strconv.ParseFloat(strings.TrimSpace(low), 64)
	if err != nil {
		return Result{}, flight.NewConfiguration("EVALUATE_RANGE_002",
			fmt.Sprintf("range lower bound %q is not numeric", low), ids)
	}
	highBound, err := strconv.ParseFloat(strings.TrimSpace(high), 64)
	if err != nil {
		return Result{}, flight.NewConfiguration("EVALUATE_RANGE_003",
			fmt.Sprintf("range upper bound %q is not numeric", high), ids)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(contextValue), 64)
	if err != nil {
		return Result{Matched: false, Operator: OperatorInRange, FilterType: filterType}, nil
	}
	matched := value >= lowBound && value <= highBound
	return Result{Matched: matched, Operator: OperatorInRange, FilterType: filterType}, nil
}

// evaluatePercentage buckets the context value (typically the user alias)
// into 100 stable buckets and matches when the bucket falls below the
// configured threshold. The same context value always lands in the same
// bucket, so rollout membership is sticky.
func evaluatePercentage(configured, contextValue, filterType string, ids tracking.IDs) (Result, error) {
	threshold, err := strconv.ParseFloat(strings.TrimSpace(configured), 64)
	if err != nil || threshold < 0 || threshold > 100 {
		return Result{}, flight.NewConfiguration("EVALUATE_PERCENTAGE_001",
			fmt.Sprintf("percentage threshold %q must be a number between 0 and 100", configured), ids)
	}
	matched := PercentageBucket(contextValue) < threshold
	return Result{Matched: matched, Operator: OperatorPercentage, FilterType: filterType}, nil
}

// PercentageBucket maps a context value to its stable bucket in [0, 100).
func PercentageBucket(contextValue string) float64 {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(strings.ToLower(contextValue)))
	return float64(hasher.Sum32() % percentageBuckets)
}

// evaluateTimeBound expects a single RFC 3339 bound and compares the context
// timestamp against it, strictly before or strictly after. An empty context
// value means "now".
func evaluateTimeBound(op Operator, configured, contextValue, filterType string, ids tracking.IDs) (Result, error) {
	bound, err := time.Parse(time.RFC3339, strings.TrimSpace(configured))
	if err != nil {
		return Result{}, flight.NewConfiguration("EVALUATE_BOUND_001",
			fmt.Sprintf("time bound %q is not RFC 3339", configured), ids)
	}

	at := time.Now().UTC()
	if strings.TrimSpace(contextValue) != "" {
		at, err = time.Parse(time.RFC3339, strings.TrimSpace(contextValue))
		if err != nil {
			return Result{Matched: false, Operator: op, FilterType: filterType}, nil
		}
	}

	matched := at.Before(bound)
	if op == OperatorAfter {
		matched = at.After(bound)
	}
	return Result{Matched: matched, Operator: op, FilterType: filterType}, nil
}

// evaluateTimeWindow expects the configured value as "start/end" with both
// bounds in RFC 3339, and matches context timestamps inside the window. An
// empty context value means "now".
func evaluateTimeWindow(configured, contextValue, filterType string, ids tracking.IDs) (Result, error) {
	start, end, ok := strings.Cut(configured, "/")
	if !ok {
		return Result{}, flight.NewConfiguration("EVALUATE_WINDOW_001",
			fmt.Sprintf("time window %q must be formatted as start/end", configured), ids)
	}
	windowStart, err := time.Parse(time.RFC3339, strings.TrimSpace(start))
	if err != nil {
		return Result{}, flight.NewConfiguration("EVALUATE_WINDOW_002",
			fmt.Sprintf("window start %q is not RFC 3339", start), ids)
	}
	windowEnd, err := time.Parse(time.RFC3339, strings.TrimSpace(end))
	if err != nil {
		return Result{}, flight.NewConfiguration("EVALUATE_WINDOW_003",
			fmt.Sprintf("window end %q is not RFC 3339", end), ids)
	}

	at := time.Now().UTC()
	if strings.TrimSpace(contextValue) != "" {
		at, err = time.Parse(time.RFC3339, strings.TrimSpace(contextValue))
		if err != nil {
			return Result{Matched: false, Operator: OperatorTimeWindow, FilterType: filterType}, nil
		}
	}
	matched := !at.Before(windowStart) && !at.After(windowEnd)
	return Result{Matched: matched, Operator: OperatorTimeWindow, FilterType: filterType}, nil
}
