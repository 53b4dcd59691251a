package flight

import (
	"strconv"
	"time"

	"github.com/matt-riley/flightz/internal/tracking"
)

// Event is an immutable record of a committed flight state transition. Each
// event exposes a display name and a flattened property map for generic
// consumers (event log, webhooks, telemetry).
type Event interface {
	Name() string
	FlightID() string
	TrackingIDs() tracking.IDs
	OccurredAt() time.Time
	Properties() map[string]string
}

type baseEvent struct {
	name        string
	flightID    string
	feature     string
	tenant      string
	environment string
	enabled     bool
	isActive    bool
	version     string
	modifiedBy  string
	ids         tracking.IDs
	occurredAt  time.Time
	extra       map[string]string
}

func newBaseEvent(name string, a *Aggregate, ids tracking.IDs) baseEvent {
	return baseEvent{
		name:        name,
		flightID:    a.ID(),
		feature:     a.Feature.Name,
		tenant:      a.Tenant.Name,
		environment: a.Tenant.Environment,
		enabled:     a.Status.Enabled,
		isActive:    a.Status.IsActive,
		version:     a.Version.String(),
		modifiedBy:  a.Audit.LastModifiedBy,
		ids:         ids,
		occurredAt:  a.Audit.LastModifiedOn,
	}
}

func (e baseEvent) Name() string              { return e.name }
func (e baseEvent) FlightID() string          { return e.flightID }
func (e baseEvent) TrackingIDs() tracking.IDs { return e.ids }
func (e baseEvent) OccurredAt() time.Time     { return e.occurredAt }

func (e baseEvent) Properties() map[string]string {
	properties := map[string]string{
		"flight_id":      e.flightID,
		"feature_name":   e.feature,
		"tenant":         e.tenant,
		"environment":    e.environment,
		"enabled":        strconv.FormatBool(e.enabled),
		"is_active":      strconv.FormatBool(e.isActive),
		"version":        e.version,
		"modified_by":    e.modifiedBy,
		"correlation_id": e.ids.CorrelationID,
		"transaction_id": e.ids.TransactionID,
	}
	for key, value := range e.extra {
		properties[key] = value
	}
	return properties
}

// Created is emitted when a flight is created.
type Created struct{ baseEvent }

// Enabled is emitted when a flight's toggle turns on.
type Enabled struct{ baseEvent }

// Disabled is emitted when a flight's toggle turns off.
type Disabled struct{ baseEvent }

// Deleted is emitted when a flight is logically removed.
type Deleted struct{ baseEvent }

// StageActivated is emitted when a rollout stage is activated.
type StageActivated struct {
	baseEvent
	Stage string
}

// Updated is emitted for any other committed change. It carries the prior
// snapshot so consumers can diff what changed.
type Updated struct {
	baseEvent
	UpdateType string
	Original   *Snapshot
}

// Rebuilt is emitted when a flight is re-projected without a state change.
type Rebuilt struct {
	baseEvent
	Reason string
}

func newCreated(a *Aggregate, ids tracking.IDs) *Created {
	event := &Created{baseEvent: newBaseEvent("FeatureFlightCreated", a, ids)}
	event.extra = map[string]string{"created_by": a.Audit.CreatedBy}
	return event
}

func newEnabled(a *Aggregate, ids tracking.IDs) *Enabled {
	event := &Enabled{baseEvent: newBaseEvent("FeatureFlightEnabled", a, ids)}
	event.extra = map[string]string{"enabled_by": a.Audit.LastModifiedBy}
	return event
}

func newDisabled(a *Aggregate, ids tracking.IDs) *Disabled {
	event := &Disabled{baseEvent: newBaseEvent("FeatureFlightDisabled", a, ids)}
	event.extra = map[string]string{"disabled_by": a.Audit.LastModifiedBy}
	return event
}

func newDeleted(a *Aggregate, ids tracking.IDs) *Deleted {
	event := &Deleted{baseEvent: newBaseEvent("FeatureFlightDeleted", a, ids)}
	event.extra = map[string]string{"deleted_by": a.Audit.LastModifiedBy}
	return event
}

func newStageActivated(a *Aggregate, stage string, ids tracking.IDs) *StageActivated {
	event := &StageActivated{
		baseEvent: newBaseEvent("FeatureFlightStageActivated", a, ids),
		Stage:     stage,
	}
	event.extra = map[string]string{"stage": stage, "activated_by": a.Audit.LastModifiedBy}
	return event
}

func newUpdated(a *Aggregate, original *Snapshot, updateType string, ids tracking.IDs) *Updated {
	event := &Updated{
		baseEvent:  newBaseEvent("FeatureFlightUpdated", a, ids),
		UpdateType: updateType,
		Original:   original,
	}
	event.extra = map[string]string{"update_type": updateType}
	return event
}

func newRebuilt(a *Aggregate, reason string, ids tracking.IDs) *Rebuilt {
	event := &Rebuilt{
		baseEvent: newBaseEvent("FeatureFlightRebuilt", a, ids),
		Reason:    reason,
	}
	event.extra = map[string]string{"reason": reason, "triggered_by": a.Audit.LastModifiedBy}
	return event
}
