package flight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matt-riley/flightz/internal/tracking"
)

// Optimizer rewrites a projected flag's clause set in place before it is
// pushed downstream. It reports whether optimization changed the shape.
// Optimization is best-effort: a returned error must never fail the command.
type Optimizer interface {
	Optimize(flag *ProjectedFlag, rules []string, ids tracking.IDs) (bool, error)
}

// EventBus receives the queued domain events when a command commits.
type EventBus interface {
	Publish(ctx context.Context, events []Event) error
}

// Aggregate is the transactional boundary for one feature flight. It is
// rebuilt from a snapshot per command, mutated in process by exactly one
// operation, and discarded after Commit. Every mutator follows the same
// contract: detect no-ops, mutate, recompute derived status, bump version,
// stamp audit, re-project, queue exactly one domain event.
type Aggregate struct {
	Feature   Feature
	Tenant    Tenant
	Status    Status
	Settings  Settings
	Condition *Condition
	Version   Version
	Audit     *Audit
	Projected *ProjectedFlag

	pending []Event
}

// New constructs a fresh aggregate for a flight that has not been created
// yet. Audit and Version are initialized by Create.
func New(feature Feature, status Status, tenant Tenant, settings Settings, condition *Condition) *Aggregate {
	return &Aggregate{
		Feature:   feature,
		Tenant:    tenant,
		Status:    status,
		Settings:  settings,
		Condition: condition,
	}
}

// ID derives the flight identifier from tenant and feature.
func (a *Aggregate) ID() string {
	return ID(a.Tenant.ID, a.Tenant.Environment, a.Feature.Name)
}

// Create initializes audit and version, validates the condition, projects
// the flag, and queues the Created event. The aggregate must be freshly
// constructed and not yet committed.
func (a *Aggregate) Create(optimizer Optimizer, createdBy string, ids tracking.IDs) error {
	now := time.Now().UTC()
	a.Audit = NewAudit(createdBy, now, a.Status.Enabled)
	a.Version = NewVersion()
	a.Status.UpdateActiveStatus(a.Condition)
	if err := a.Condition.Validate(ids); err != nil {
		return err
	}
	a.project(optimizer, ids)
	a.apply(newCreated(a, ids))
	return nil
}

// Update diffs the incoming flag shape against current state. Status and
// condition changes are detected independently; when nothing changed the
// call is an idempotent no-op with no version bump and no event.
func (a *Aggregate) Update(optimizer Optimizer, updatedFlag *ProjectedFlag, updatedBy string, ids tracking.IDs) (bool, error) {
	original := a.Snapshot()
	now := time.Now().UTC()

	statusChanged := a.Status.Enabled != updatedFlag.Enabled
	if statusChanged {
		a.Status.Enabled = updatedFlag.Enabled
		if a.Status.Enabled {
			a.apply(newEnabled(a, ids))
		} else {
			a.apply(newDisabled(a, ids))
		}
		a.Audit.UpdateEnabledStatus(updatedBy, now, a.Status.Enabled)
	}

	diff := a.Condition.Update(ConditionFromProjection(updatedFlag))
	a.Status.UpdateActiveStatus(a.Condition)

	if !statusChanged && !diff.Changed() {
		return false, nil
	}
	if err := a.Condition.Validate(ids); err != nil {
		return false, err
	}
	if diff.StagesAdded || diff.StagesDeleted {
		a.Version.BumpMajor()
	} else {
		a.Version.BumpMinor()
	}

	updateType := updateTypeLabel(a.Status.Enabled, statusChanged, diff)
	a.Audit.Update(updatedBy, now, updateType)
	a.project(optimizer, ids)
	a.apply(newUpdated(a, original, updateType, ids))
	return true, nil
}

// Enable turns the flight on. No-op when already enabled.
func (a *Aggregate) Enable(enabledBy string, optimizer Optimizer, ids tracking.IDs) bool {
	if a.Status.Enabled {
		return false
	}
	a.Status.Toggle()
	a.Status.UpdateActiveStatus(a.Condition)
	a.Version.BumpMinor()
	a.Audit.UpdateEnabledStatus(enabledBy, time.Now().UTC(), a.Status.Enabled)
	a.project(optimizer, ids)
	a.apply(newEnabled(a, ids))
	return true
}

// Disable turns the flight off. No-op when already disabled.
func (a *Aggregate) Disable(disabledBy string, optimizer Optimizer, ids tracking.IDs) bool {
	if !a.Status.Enabled {
		return false
	}
	a.Status.Toggle()
	a.Status.UpdateActiveStatus(a.Condition)
	a.Version.BumpMinor()
	a.Audit.UpdateEnabledStatus(disabledBy, time.Now().UTC(), a.Status.Enabled)
	a.project(optimizer, ids)
	a.apply(newDisabled(a, ids))
	return true
}

// ActivateStage activates the named stage. Lower-ranked stages are activated
// when the condition uses incremental activation and deactivated otherwise;
// higher-ranked stages are always deactivated. The call is a no-op only when
// the target is already active and already the highest-ranked active stage;
// a lower active stage that was deactivated out of band is not detected.
func (a *Aggregate) ActivateStage(stageName, activatedBy string, optimizer Optimizer, ids tracking.IDs) (bool, error) {
	stage := a.Condition.StageByName(stageName)
	if stage == nil {
		return false, NewNotFound("ACTIVATE_STAGE_001",
			fmt.Sprintf("stage %q does not exist in flight for feature %s", stageName, a.Feature.Name), ids)
	}

	if stage.IsActive {
		if highest := a.Condition.HighestActiveStage(); highest != nil && highest.ID == stage.ID {
			return false, nil
		}
	}

	stage.Activate()
	for _, other := range a.Condition.Stages {
		switch {
		case other.ID < stage.ID && a.Condition.IncrementalActivation:
			other.Activate()
		case other.ID < stage.ID:
			other.Deactivate()
		case other.ID > stage.ID:
			other.Deactivate()
		}
	}

	a.Status.UpdateActiveStatus(a.Condition)
	a.Version.BumpMinor()
	a.Audit.Update(activatedBy, time.Now().UTC(), "Stage Activated")
	a.project(optimizer, ids)
	a.apply(newStageActivated(a, stage.Name, ids))
	return true, nil
}

// Delete stamps the audit trail and queues the Deleted event. Status,
// condition, and version stay untouched; physical removal belongs to the
// external stores.
func (a *Aggregate) Delete(deletedBy string, ids tracking.IDs) {
	a.Audit.Update(deletedBy, time.Now().UTC(), "Flight Deleted")
	a.apply(newDeleted(a, ids))
}

// Rebuild forces a re-projection without changing status or condition, used
// to re-apply optimizer logic after tenant settings change.
func (a *Aggregate) Rebuild(triggeredBy, reason string, optimizer Optimizer, ids tracking.IDs) {
	a.Audit.Update(triggeredBy, time.Now().UTC(), "Flight Rebuild - "+reason)
	a.Version.BumpMinor()
	a.project(optimizer, ids)
	a.apply(newRebuilt(a, reason, ids))
}

// Commit hands the queued events to the bus and clears the queue. Callers
// invoke it only after persistence side effects succeed, so consumers never
// observe a state that failed to persist.
func (a *Aggregate) Commit(ctx context.Context, bus EventBus) error {
	if len(a.pending) == 0 {
		return nil
	}
	if err := bus.Publish(ctx, a.pending); err != nil {
		return fmt.Errorf("publish flight events: %w", err)
	}
	a.pending = nil
	return nil
}

// PendingEvents returns the events queued since the last commit.
func (a *Aggregate) PendingEvents() []Event {
	events := make([]Event, len(a.pending))
	copy(events, a.pending)
	return events
}

func (a *Aggregate) apply(event Event) {
	a.pending = append(a.pending, event)
}

// project is the single point where condition state becomes the external
// artifact. It runs after every mutation, once invariants are restored.
// Optimizer failures clear the optimization flag and are otherwise ignored.
func (a *Aggregate) project(optimizer Optimizer, ids tracking.IDs) {
	a.Projected = Project(a)
	if a.Settings.EnableOptimization && optimizer != nil {
		optimized, err := optimizer.Optimize(a.Projected, a.Settings.OptimizationRules, ids)
		if err != nil {
			optimized = false
		}
		a.Status.SetOptimizationStatus(optimized)
	}
	a.Projected.IsOptimized = a.Status.IsOptimized
}

func updateTypeLabel(enabled, statusChanged bool, diff Diff) string {
	var parts []string
	if statusChanged {
		if enabled {
			parts = append(parts, "Flag Enabled")
		} else {
			parts = append(parts, "Flag Disabled")
		}
	}
	if diff.SettingsChanged {
		parts = append(parts, "Stage Settings Updated")
	}
	if diff.StagesUpdated {
		parts = append(parts, "Filters Changed")
	}
	if diff.StagesAdded {
		parts = append(parts, "New Stage Added")
	}
	if diff.StagesDeleted {
		parts = append(parts, "Existing Stage Deleted")
	}
	return strings.Join(parts, " | ")
}
