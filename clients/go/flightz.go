// Package flightz provides client interfaces and wire types for the flightz
// feature flight service.
//
// Use the sub-package to create a transport-specific client:
//
//	import flightzhttp "github.com/matt-riley/flightz/clients/go/http"
package flightz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// FlightManager covers lifecycle commands and queries on feature flights.
type FlightManager interface {
	CreateFlight(ctx context.Context, req CreateFlightRequest) (IDResult, error)
	GetFlight(ctx context.Context, feature string) (Flight, error)
	ListFlights(ctx context.Context) ([]Flight, error)
	UpdateFlight(ctx context.Context, feature string, flag ProjectedFlag) (IDResult, error)
	DeleteFlight(ctx context.Context, feature string) error
	EnableFlight(ctx context.Context, feature string) (IDResult, error)
	DisableFlight(ctx context.Context, feature string) (IDResult, error)
	ActivateStage(ctx context.Context, feature, stage string) (IDResult, error)
	RebuildFlights(ctx context.Context, reason string) ([]IDResult, error)
}

// Evaluator resolves a flight for a given evaluation context.
type Evaluator interface {
	Evaluate(ctx context.Context, feature string, evalCtx EvaluationContext) (Evaluation, error)
}

// EventReader pages through the committed event history of a flight.
// Watch polls the history on an interval and emits new events on the
// returned channel; the channel is closed when ctx is cancelled.
type EventReader interface {
	ListEvents(ctx context.Context, feature string, sinceEventID int64) ([]Event, error)
	Watch(ctx context.Context, feature string, sinceEventID int64, interval time.Duration) (<-chan Event, error)
}

// CreateFlightRequest describes a new feature flight.
type CreateFlightRequest struct {
	Feature               string  `json:"feature"`
	Enabled               bool    `json:"enabled"`
	IncrementalActivation bool    `json:"incremental_activation"`
	Stages                []Stage `json:"stages"`
}

// IDResult carries the flight identifier affected by a command.
type IDResult struct {
	ID string `json:"id"`
}

// Flight is the full versioned state of a feature flight.
type Flight struct {
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

// Feature names the flighted feature.
type Feature struct {
	Name string `json:"name"`
}

// Tenant identifies the owning tenant and environment.
type Tenant struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Environment string `json:"environment"`
}

// Status holds the lifecycle bits of a flight.
type Status struct {
	Enabled     bool `json:"enabled"`
	IsOptimized bool `json:"is_optimized"`
	IsActive    bool `json:"is_active"`
}

// Settings holds per-flight optimization settings.
type Settings struct {
	EnableOptimization bool     `json:"enable_optimization"`
	OptimizationRules  []string `json:"optimization_rules,omitempty"`
}

// Version is a flight's major.minor version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Audit records who changed a flight and when.
type Audit struct {
	CreatedBy      string     `json:"created_by"`
	CreatedOn      time.Time  `json:"created_on"`
	LastModifiedBy string     `json:"last_modified_by"`
	LastModifiedOn time.Time  `json:"last_modified_on"`
	LastUpdateType string     `json:"last_update_type"`
	EnabledOn      *time.Time `json:"enabled_on,omitempty"`
	DisabledOn     *time.Time `json:"disabled_on,omitempty"`
}

// Condition is the staged rollout configuration of a flight.
type Condition struct {
	IncrementalActivation bool    `json:"incremental_activation"`
	Stages                []Stage `json:"stages"`
}

// Stage is one rollout ring with its targeting filters.
type Stage struct {
	ID       int          `json:"id"`
	Name     string       `json:"name"`
	IsActive bool         `json:"is_active"`
	Filters  []FilterRule `json:"filters,omitempty"`
}

// FilterRule is a single targeting rule within a stage.
type FilterRule struct {
	FilterType string `json:"filter_type"`
	Operator   string `json:"operator"`
	Value      string `json:"value"`
}

// ProjectedFlag is the flattened evaluation-ready form of a flight.
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

// FilterClause is one flattened targeting clause of a projected flag.
type FilterClause struct {
	Name       string           `json:"name"`
	Parameters ClauseParameters `json:"parameters"`
}

// ClauseParameters carry the operator, value, and stage placement of a clause.
type ClauseParameters struct {
	Operator         string `json:"operator"`
	Value            string `json:"value"`
	IsActive         bool   `json:"is_active"`
	StageID          int    `json:"stage_id"`
	StageName        string `json:"stage_name"`
	FlightContextKey string `json:"flight_context_key,omitempty"`
}

// EvaluationContext provides attribute data used when evaluating stage filters.
type EvaluationContext struct {
	Attributes map[string]string
}

// Evaluation is the outcome of evaluating one flight.
type Evaluation struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	Stage   string `json:"stage,omitempty"`
}

// Event is one committed entry in a flight's event history.
type Event struct {
	EventID       int64           `json:"event_id"`
	FlightID      string          `json:"flight_id"`
	EventName     string          `json:"event_name"`
	Properties    json.RawMessage `json:"properties"`
	CorrelationID string          `json:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at"`
}
