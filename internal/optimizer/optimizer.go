// Package optimizer normalizes a projected flag's clause set before it is
// pushed to the downstream store: duplicate clauses are dropped, runs of
// single-value equality clauses on the same dimension collapse into one
// membership clause, and clauses are reordered so cheap checks evaluate
// first. The truth table of the original rule set is preserved, and running
// the optimizer on an already-optimized flag changes nothing.
package optimizer

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/matt-riley/flightz/internal/evaluation"
	"github.com/matt-riley/flightz/internal/flight"
	"github.com/matt-riley/flightz/internal/tracking"
)

// Rule names accepted in tenant optimization settings.
const (
	RuleDeduplicate = "Deduplicate"
	RuleMergeEquals = "MergeEquals"
	RuleReorder     = "Reorder"
)

type ruleFunc func(clauses []flight.FilterClause) ([]flight.FilterClause, bool)

// Optimizer implements flight.Optimizer over a named set of rewrite rules.
type Optimizer struct {
	log   *slog.Logger
	rules map[string]ruleFunc
}

// New returns an optimizer with all rewrite rules registered.
func New(log *slog.Logger) *Optimizer {
	if log == nil {
		log = slog.Default()
	}
	return &Optimizer{
		log: log,
		rules: map[string]ruleFunc{
			RuleDeduplicate: deduplicate,
			RuleMergeEquals: mergeEquals,
			RuleReorder:     reorder,
		},
	}
}

// DefaultRules is the rule order applied when a tenant does not configure
// its own. Merging runs before deduplication so merged clauses can collapse
// with pre-existing membership clauses; reordering runs last.
func DefaultRules() []string {
	return []string{RuleMergeEquals, RuleDeduplicate, RuleReorder}
}

// Optimize rewrites the flag's clauses in place and reports whether the
// shape changed. Unknown rule names fail; the caller leaves the flag
// unoptimized in that case.
func (o *Optimizer) Optimize(flag *flight.ProjectedFlag, rules []string, ids tracking.IDs) (bool, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	clauses := make([]flight.FilterClause, len(flag.Clauses))
	copy(clauses, flag.Clauses)

	changed := false
	for _, name := range rules {
		rule, ok := o.rules[name]
		if !ok {
			return false, fmt.Errorf("unknown optimization rule %q", name)
		}
		next, ruleChanged := rule(clauses)
		if ruleChanged {
			o.log.Debug("optimization rule rewrote clauses",
				"rule", name,
				"flight_id", flag.ID,
				"correlation_id", ids.CorrelationID)
			clauses = next
			changed = true
		}
	}

	if changed {
		flag.Clauses = clauses
	}
	return changed, nil
}

// deduplicate drops clauses that are exact duplicates of an earlier clause.
func deduplicate(clauses []flight.FilterClause) ([]flight.FilterClause, bool) {
	result := make([]flight.FilterClause, 0, len(clauses))
	for _, clause := range clauses {
		duplicate := false
		for _, kept := range result {
			if kept.Equal(clause) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			result = append(result, clause)
		}
	}
	return result, len(result) != len(clauses)
}

// mergeEquals collapses multiple Equals clauses on the same stage and
// dimension into a single In membership clause over the union of their
// values. A lone Equals clause stays as it is.
func mergeEquals(clauses []flight.FilterClause) ([]flight.FilterClause, bool) {
	type groupKey struct {
		name    string
		stageID int
	}
	counts := make(map[groupKey]int)
	for _, clause := range clauses {
		if clause.Parameters.Operator == string(evaluation.OperatorEquals) {
			counts[groupKey{name: clause.Name, stageID: clause.Parameters.StageID}]++
		}
	}

	merged := make(map[groupKey]bool)
	values := make(map[groupKey][]string)
	result := make([]flight.FilterClause, 0, len(clauses))
	changed := false

	for _, clause := range clauses {
		key := groupKey{name: clause.Name, stageID: clause.Parameters.StageID}
		if clause.Parameters.Operator != string(evaluation.OperatorEquals) || counts[key] < 2 {
			result = append(result, clause)
			continue
		}

		values[key] = appendUnique(values[key], splitValues(clause.Parameters.Value))
		if merged[key] {
			changed = true
			continue
		}
		merged[key] = true

		membership := clause
		membership.Parameters.Operator = string(evaluation.OperatorIn)
		result = append(result, membership)
	}

	if !changed {
		return clauses, false
	}

	for i, clause := range result {
		key := groupKey{name: clause.Name, stageID: clause.Parameters.StageID}
		if merged[key] && clause.Parameters.Operator == string(evaluation.OperatorIn) {
			result[i].Parameters.Value = strings.Join(values[key], ",")
		}
	}
	return result, true
}

// reorder sorts clauses stably: stage rank first, then dimension cost so
// the downstream store checks cheap identity dimensions before percentage
// buckets and time windows.
func reorder(clauses []flight.FilterClause) ([]flight.FilterClause, bool) {
	result := make([]flight.FilterClause, len(clauses))
	copy(result, clauses)
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Parameters.StageID != result[j].Parameters.StageID {
			return result[i].Parameters.StageID < result[j].Parameters.StageID
		}
		return clauseCost(result[i]) < clauseCost(result[j])
	})

	for i := range result {
		if !result[i].Equal(clauses[i]) {
			return result, true
		}
	}
	return clauses, false
}

func clauseCost(clause flight.FilterClause) int {
	switch clause.Name {
	case evaluation.FilterPercentage:
		return 2
	case evaluation.FilterDate:
		return 1
	default:
		return 0
	}
}

func splitValues(value string) []string {
	parts := strings.Split(value, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func appendUnique(values []string, candidates []string) []string {
	for _, candidate := range candidates {
		exists := false
		for _, value := range values {
			if strings.EqualFold(value, candidate) {
				exists = true
				break
			}
		}
		if !exists {
			values = append(values, candidate)
		}
	}
	return values
}
