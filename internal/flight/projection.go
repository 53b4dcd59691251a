package flight

// ProjectedFlag is the externally-facing flag representation pushed to the
// downstream feature-flag store. It is derived from aggregate state on every
// mutation and is never the source of truth.
type ProjectedFlag struct {
	ID                    string         `json:"id"`
	FeatureName           string         `json:"feature_name"`
	Description           string         `json:"description,omitempty"`
	Tenant                string         `json:"tenant"`
	Environment           string         `json:"environment"`
	Enabled               bool           `json:"enabled"`
	IsOptimized           bool           `json:"is_optimized"`
	IncrementalActivation bool           `json:"incremental_activation"`
	Version               string         `json:"version"`
	Clauses               []FilterClause `json:"clauses"`
}

// FilterClause is one flattened filter expression in the projected flag. The
// downstream store evaluates clauses of active stages against request
// contexts at runtime.
type FilterClause struct {
	Name       string           `json:"name"`
	Parameters ClauseParameters `json:"parameters"`
}

// ClauseParameters carries the evaluation inputs for one clause plus the
// stage it came from.
type ClauseParameters struct {
	Operator         string `json:"operator"`
	Value            string `json:"value"`
	IsActive         bool   `json:"is_active"`
	StageID          int    `json:"stage_id"`
	StageName        string `json:"stage_name"`
	FlightContextKey string `json:"flight_context_key,omitempty"`
}

// Equal compares two clauses field by field.
func (c FilterClause) Equal(other FilterClause) bool {
	return c.Name == other.Name && c.Parameters == other.Parameters
}

// Clone returns a deep copy of the projected flag.
func (p *ProjectedFlag) Clone() *ProjectedFlag {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Clauses = make([]FilterClause, len(p.Clauses))
	copy(clone.Clauses, p.Clauses)
	return &clone
}

// stageMarkerFilter names the synthetic clause emitted for a stage without
// filter rules. A stage with no rules matches unconditionally, so the marker
// carries the stage through the projection round-trip without changing
// evaluation semantics.
const stageMarkerFilter = "Stage"

func stageMarker(stage *Stage) FilterClause {
	return FilterClause{
		Name: stageMarkerFilter,
		Parameters: ClauseParameters{
			Operator:  "Equals",
			Value:     stage.Name,
			IsActive:  stage.IsActive,
			StageID:   stage.ID,
			StageName: stage.Name,
		},
	}
}

func isStageMarker(clause FilterClause) bool {
	return clause.Name == stageMarkerFilter &&
		clause.Parameters.Operator == "Equals" &&
		clause.Parameters.Value == clause.Parameters.StageName
}

// Project assembles the projected flag from current aggregate state. Stages
// contribute their clauses in rank order; a stage without rules contributes
// its marker clause so it survives the round-trip through update commands.
func Project(a *Aggregate) *ProjectedFlag {
	projected := &ProjectedFlag{
		ID:                    a.ID(),
		FeatureName:           a.Feature.Name,
		Tenant:                a.Tenant.Name,
		Environment:           a.Tenant.Environment,
		Enabled:               a.Status.Enabled,
		IncrementalActivation: a.Condition.IncrementalActivation,
		Version:               a.Version.String(),
	}
	for _, stage := range a.Condition.Stages {
		if len(stage.Filters) == 0 {
			projected.Clauses = append(projected.Clauses, stageMarker(stage))
			continue
		}
		for _, rule := range stage.Filters {
			projected.Clauses = append(projected.Clauses, FilterClause{
				Name: rule.FilterType,
				Parameters: ClauseParameters{
					Operator:  rule.Operator,
					Value:     rule.Value,
					IsActive:  stage.IsActive,
					StageID:   stage.ID,
					StageName: stage.Name,
				},
			})
		}
	}
	return projected
}

// ConditionFromProjection rebuilds a candidate condition from an incoming
// flag shape by grouping clauses back into their stages. Used by update
// commands, where the caller submits the projected representation. Stage
// marker clauses register the stage without adding a filter rule.
func ConditionFromProjection(flag *ProjectedFlag) *Condition {
	stagesByID := make(map[int]*Stage)
	var stages []*Stage
	for _, clause := range flag.Clauses {
		stage, ok := stagesByID[clause.Parameters.StageID]
		if !ok {
			stage = &Stage{
				ID:       clause.Parameters.StageID,
				Name:     clause.Parameters.StageName,
				IsActive: clause.Parameters.IsActive,
			}
			stagesByID[clause.Parameters.StageID] = stage
			stages = append(stages, stage)
		}
		if isStageMarker(clause) {
			continue
		}
		stage.Filters = append(stage.Filters, FilterRule{
			FilterType: clause.Name,
			Operator:   clause.Parameters.Operator,
			Value:      clause.Parameters.Value,
		})
	}
	return NewCondition(flag.IncrementalActivation, stages)
}
