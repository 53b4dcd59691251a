package flight

import (
	"fmt"
	"sort"
	"strings"

	"github.com/matt-riley/flightz/internal/tracking"
)

// Stage is one ranked rollout phase. ID is the rank and ordering key; Name
// is unique within the condition, compared case-insensitively.
type Stage struct {
	ID       int          `json:"id"`
	Name     string       `json:"name"`
	IsActive bool         `json:"is_active"`
	Filters  []FilterRule `json:"filters,omitempty"`
}

// Activate marks the stage active.
func (s *Stage) Activate() { s.IsActive = true }

// Deactivate marks the stage inactive.
func (s *Stage) Deactivate() { s.IsActive = false }

// FiltersEqual reports whether the stage carries the same rule set as other,
// order-sensitive because projection order follows rule order.
func (s *Stage) FiltersEqual(other *Stage) bool {
	if len(s.Filters) != len(other.Filters) {
		return false
	}
	for i := range s.Filters {
		if !s.Filters[i].Equal(other.Filters[i]) {
			return false
		}
	}
	return true
}

// Condition is the ordered stage collection plus the activation policy.
// IncrementalActivation=true keeps lower-ranked stages active when a stage
// is activated (cumulative rings); false makes activation exclusive.
type Condition struct {
	IncrementalActivation bool     `json:"incremental_activation"`
	Stages                []*Stage `json:"stages"`
}

// NewCondition builds a condition with stages sorted by rank.
func NewCondition(incremental bool, stages []*Stage) *Condition {
	condition := &Condition{IncrementalActivation: incremental, Stages: stages}
	condition.sortStages()
	return condition
}

func (c *Condition) sortStages() {
	sort.SliceStable(c.Stages, func(i, j int) bool {
		return c.Stages[i].ID < c.Stages[j].ID
	})
}

// Validate checks structural invariants: at least one stage, unique ranks,
// unique case-insensitive names, non-empty names.
func (c *Condition) Validate(ids tracking.IDs) error {
	if len(c.Stages) == 0 {
		return NewValidation("VALIDATE_CONDITION_001", "condition must have at least one stage", ids)
	}

	ranks := make(map[int]string, len(c.Stages))
	names := make(map[string]struct{}, len(c.Stages))
	for _, stage := range c.Stages {
		name := strings.ToLower(strings.TrimSpace(stage.Name))
		if name == "" {
			return NewValidation("VALIDATE_CONDITION_002", "stage name must not be empty", ids)
		}
		if existing, ok := ranks[stage.ID]; ok {
			return NewValidation("VALIDATE_CONDITION_003",
				fmt.Sprintf("stages %q and %q share rank %d", existing, stage.Name, stage.ID), ids)
		}
		if _, ok := names[name]; ok {
			return NewValidation("VALIDATE_CONDITION_004",
				fmt.Sprintf("duplicate stage name %q", stage.Name), ids)
		}
		ranks[stage.ID] = stage.Name
		names[name] = struct{}{}
	}
	return nil
}

// HasActiveStage reports whether any stage is currently active.
func (c *Condition) HasActiveStage() bool {
	for _, stage := range c.Stages {
		if stage.IsActive {
			return true
		}
	}
	return false
}

// HighestActiveStage returns the active stage with the highest rank, or nil
// when no stage is active.
func (c *Condition) HighestActiveStage() *Stage {
	var highest *Stage
	for _, stage := range c.Stages {
		if stage.IsActive && (highest == nil || stage.ID > highest.ID) {
			highest = stage
		}
	}
	return highest
}

// StageByName looks up a stage by case-insensitive name.
func (c *Condition) StageByName(name string) *Stage {
	for _, stage := range c.Stages {
		if strings.EqualFold(stage.Name, name) {
			return stage
		}
	}
	return nil
}

// Diff reports which facets changed during a condition update. The four
// flags are independent so callers can pick the right version bump and
// update-type label.
type Diff struct {
	SettingsChanged bool
	StagesUpdated   bool
	StagesAdded     bool
	StagesDeleted   bool
}

// Changed reports whether any facet changed.
func (d Diff) Changed() bool {
	return d.SettingsChanged || d.StagesUpdated || d.StagesAdded || d.StagesDeleted
}

// Update replaces the condition's content with next and reports the
// symmetric difference over stage names: stages only in next are additions,
// stages only in the current condition are deletions, and stages present in
// both are compared for filter and setting changes in place.
func (c *Condition) Update(next *Condition) Diff {
	var diff Diff
	if c.IncrementalActivation != next.IncrementalActivation {
		diff.SettingsChanged = true
	}

	current := make(map[string]*Stage, len(c.Stages))
	for _, stage := range c.Stages {
		current[strings.ToLower(stage.Name)] = stage
	}
	seen := make(map[string]struct{}, len(next.Stages))

	for _, incoming := range next.Stages {
		key := strings.ToLower(incoming.Name)
		seen[key] = struct{}{}
		existing, ok := current[key]
		if !ok {
			diff.StagesAdded = true
			continue
		}
		if existing.ID != incoming.ID || existing.IsActive != incoming.IsActive {
			diff.SettingsChanged = true
		}
		if !existing.FiltersEqual(incoming) {
			diff.StagesUpdated = true
		}
	}

	for name := range current {
		if _, ok := seen[name]; !ok {
			diff.StagesDeleted = true
			break
		}
	}

	if diff.Changed() {
		c.IncrementalActivation = next.IncrementalActivation
		c.Stages = next.Stages
		c.sortStages()
	}
	return diff
}
