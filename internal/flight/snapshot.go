package flight

// Snapshot is the serializable full state of a flight, stored as the flight
// document and used to rebuild the aggregate for the next command.
type Snapshot struct {
	ID        string         `json:"id"`
	Feature   Feature        `json:"feature"`
	Tenant    Tenant         `json:"tenant"`
	Status    Status         `json:"status"`
	Settings  Settings       `json:"settings"`
	Condition *Condition     `json:"condition"`
	Version   Version        `json:"version"`
	Audit     *Audit         `json:"audit,omitempty"`
	Projected *ProjectedFlag `json:"projected,omitempty"`
}

// Snapshot captures the aggregate's current state as a deep copy, so later
// mutations do not leak into a snapshot already handed out.
func (a *Aggregate) Snapshot() *Snapshot {
	return &Snapshot{
		ID:        a.ID(),
		Feature:   a.Feature,
		Tenant:    a.Tenant,
		Status:    a.Status,
		Settings:  cloneSettings(a.Settings),
		Condition: a.Condition.Clone(),
		Version:   a.Version,
		Audit:     cloneAudit(a.Audit),
		Projected: a.Projected.Clone(),
	}
}

// Restore rebuilds an aggregate from a persisted snapshot.
func Restore(snapshot *Snapshot) *Aggregate {
	return &Aggregate{
		Feature:   snapshot.Feature,
		Tenant:    snapshot.Tenant,
		Status:    snapshot.Status,
		Settings:  cloneSettings(snapshot.Settings),
		Condition: snapshot.Condition.Clone(),
		Version:   snapshot.Version,
		Audit:     cloneAudit(snapshot.Audit),
		Projected: snapshot.Projected.Clone(),
	}
}

// Clone returns a deep copy of the condition and its stages.
func (c *Condition) Clone() *Condition {
	if c == nil {
		return nil
	}
	stages := make([]*Stage, len(c.Stages))
	for i, stage := range c.Stages {
		copied := *stage
		copied.Filters = make([]FilterRule, len(stage.Filters))
		copy(copied.Filters, stage.Filters)
		stages[i] = &copied
	}
	return &Condition{IncrementalActivation: c.IncrementalActivation, Stages: stages}
}

func cloneAudit(audit *Audit) *Audit {
	if audit == nil {
		return nil
	}
	copied := *audit
	if audit.EnabledOn != nil {
		enabledOn := *audit.EnabledOn
		copied.EnabledOn = &enabledOn
	}
	if audit.DisabledOn != nil {
		disabledOn := *audit.DisabledOn
		copied.DisabledOn = &disabledOn
	}
	return &copied
}

func cloneSettings(settings Settings) Settings {
	copied := settings
	copied.OptimizationRules = append([]string(nil), settings.OptimizationRules...)
	return copied
}
