// Package flight holds the feature-flight domain model: the aggregate that
// owns a flight's state, the condition/stage rollout machinery, version and
// audit value objects, domain events, and the projection of a flight into
// its externally-consumable flag shape.
package flight

import (
	"fmt"
	"strings"
	"time"
)

// Feature identifies the feature a flight controls. Immutable once created.
type Feature struct {
	Name string `json:"name"`
}

// Tenant scopes a flight to an organization and deployment environment.
type Tenant struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Environment string `json:"environment"`
}

// Status is the toggle-level state of a flight. IsActive is derived from the
// condition's active stages and must be recomputed after every condition
// mutation.
type Status struct {
	Enabled     bool `json:"enabled"`
	IsOptimized bool `json:"is_optimized"`
	IsActive    bool `json:"is_active"`
}

// Toggle flips the user-controlled enabled bit.
func (s *Status) Toggle() {
	s.Enabled = !s.Enabled
}

// UpdateActiveStatus recomputes IsActive from the condition's stages.
func (s *Status) UpdateActiveStatus(condition *Condition) {
	s.IsActive = condition.HasActiveStage()
}

// SetOptimizationStatus records the outcome of the last optimizer run.
func (s *Status) SetOptimizationStatus(optimized bool) {
	s.IsOptimized = optimized
}

// Version tracks semantic flight versions. Major increments when stages are
// structurally added or removed, Minor for any other effective change.
// Monotonic: no operation ever decreases it.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// NewVersion returns the initial version 1.0.
func NewVersion() Version {
	return Version{Major: 1}
}

// BumpMajor increments Major and resets Minor.
func (v *Version) BumpMajor() {
	v.Major++
	v.Minor = 0
}

// BumpMinor increments Minor.
func (v *Version) BumpMinor() {
	v.Minor++
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Audit records who performed the most recent transitions on a flight.
type Audit struct {
	CreatedBy      string     `json:"created_by"`
	CreatedOn      time.Time  `json:"created_on"`
	LastModifiedBy string     `json:"last_modified_by"`
	LastModifiedOn time.Time  `json:"last_modified_on"`
	LastUpdateType string     `json:"last_update_type"`
	EnabledOn      *time.Time `json:"enabled_on,omitempty"`
	DisabledOn     *time.Time `json:"disabled_on,omitempty"`
}

// NewAudit stamps creation metadata. The enabled bit decides which of
// EnabledOn/DisabledOn is set initially.
func NewAudit(createdBy string, now time.Time, enabled bool) *Audit {
	audit := &Audit{
		CreatedBy:      createdBy,
		CreatedOn:      now,
		LastModifiedBy: createdBy,
		LastModifiedOn: now,
		LastUpdateType: "Flight Created",
	}
	if enabled {
		audit.EnabledOn = &now
	} else {
		audit.DisabledOn = &now
	}
	return audit
}

// Update stamps a generic modification.
func (a *Audit) Update(modifiedBy string, now time.Time, updateType string) {
	a.LastModifiedBy = modifiedBy
	a.LastModifiedOn = now
	a.LastUpdateType = updateType
}

// UpdateEnabledStatus stamps an enable/disable transition.
func (a *Audit) UpdateEnabledStatus(modifiedBy string, now time.Time, enabled bool) {
	if enabled {
		a.EnabledOn = &now
		a.Update(modifiedBy, now, "Flight Enabled")
		return
	}
	a.DisabledOn = &now
	a.Update(modifiedBy, now, "Flight Disabled")
}

// Settings carries the per-tenant optimization configuration for a flight.
type Settings struct {
	EnableOptimization bool     `json:"enable_optimization"`
	OptimizationRules  []string `json:"optimization_rules,omitempty"`
}

// FilterRule is a single filter expression attached to a stage: a context
// dimension, an operator, and the configured value. Value may hold a
// comma-separated list for membership operators.
type FilterRule struct {
	FilterType string `json:"filter_type"`
	Operator   string `json:"operator"`
	Value      string `json:"value"`
}

// Equal compares two rules, treating the configured value
// case-insensitively the same way evaluation does.
func (r FilterRule) Equal(other FilterRule) bool {
	return strings.EqualFold(r.FilterType, other.FilterType) &&
		strings.EqualFold(r.Operator, other.Operator) &&
		strings.EqualFold(r.Value, other.Value)
}

// ID derives the deterministic flight identifier for a tenant/environment/
// feature triple. Tenant components are lowercased so the identifier is
// reproducible regardless of input casing.
func ID(tenantID, environment, featureName string) string {
	return strings.ToLower(tenantID) + "_" + strings.ToLower(environment) + "_" + featureName
}
