// Package service orchestrates flight commands and queries. Each command
// loads tenant configuration and the current flight, invokes exactly one
// mutating operation on the aggregate, persists the updated snapshot and
// synchronizes the downstream store concurrently, commits the queued domain
// events, and returns the flight identifier.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/flightz/internal/evaluation"
	"github.com/matt-riley/flightz/internal/flight"
	"github.com/matt-riley/flightz/internal/metrics"
	"github.com/matt-riley/flightz/internal/tenant"
	"github.com/matt-riley/flightz/internal/tracking"
)

// Repository persists flight snapshots.
type Repository interface {
	SaveFlight(ctx context.Context, snapshot *flight.Snapshot, ids tracking.IDs) error
	GetFlight(ctx context.Context, tenantName, environment, feature string) (*flight.Snapshot, error)
	ListFlights(ctx context.Context, tenantName, environment string) ([]*flight.Snapshot, error)
	DeleteFlight(ctx context.Context, tenantName, environment, feature string) error
}

// FlagStore pushes projected flags to the downstream evaluation store.
type FlagStore interface {
	Update(ctx context.Context, projected *flight.ProjectedFlag, ids tracking.IDs) error
	Delete(ctx context.Context, flightID string, ids tracking.IDs) error
}

// Identity supplies the acting principal for audit stamping.
type Identity interface {
	Principal(ctx context.Context) string
}

// IDResult is the outcome of every mutating command.
type IDResult struct {
	ID string `json:"id"`
}

// FlightSpec is the input for creating a flight.
type FlightSpec struct {
	Feature               string
	Tenant                string
	Environment           string
	Enabled               bool
	IncrementalActivation bool
	Stages                []*flight.Stage
}

// Service wires the aggregate to its external collaborators.
type Service struct {
	tenants   tenant.Provider
	repo      Repository
	store     FlagStore
	optimizer flight.Optimizer
	bus       flight.EventBus
	identity  Identity
	evaluator *evaluation.FilterEvaluator
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithMetrics enables command instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New builds the service. All collaborators except metrics are required.
func New(tenants tenant.Provider, repo Repository, store FlagStore, optimizer flight.Optimizer, bus flight.EventBus, identity Identity, options ...Option) (*Service, error) {
	switch {
	case tenants == nil:
		return nil, errors.New("tenant provider is nil")
	case repo == nil:
		return nil, errors.New("repository is nil")
	case store == nil:
		return nil, errors.New("flag store is nil")
	case bus == nil:
		return nil, errors.New("event bus is nil")
	case identity == nil:
		return nil, errors.New("identity context is nil")
	}

	s := &Service{
		tenants:   tenants,
		repo:      repo,
		store:     store,
		optimizer: optimizer,
		bus:       bus,
		identity:  identity,
		evaluator: evaluation.NewFilterEvaluator(evaluation.NewStrategy()),
		log:       slog.Default(),
	}
	for _, option := range options {
		option(s)
	}
	return s, nil
}

// CreateFeatureFlight creates a new flight and pushes its first projection.
func (s *Service) CreateFeatureFlight(ctx context.Context, spec FlightSpec) (IDResult, error) {
	ids := tracking.FromContext(ctx)
	done := s.observe("create")

	configuration, err := s.tenants.Get(ctx, spec.Tenant)
	if err != nil {
		return done(IDResult{}, err)
	}
	if strings.TrimSpace(spec.Feature) == "" {
		return done(IDResult{}, flight.NewValidation("CREATE_FLIGHT_001", "feature name is required", ids))
	}
	if !configuration.HasEnvironment(spec.Environment) {
		return done(IDResult{}, flight.NewValidation("CREATE_FLIGHT_002",
			fmt.Sprintf("environment %q is not registered for tenant %s", spec.Environment, configuration.Name), ids))
	}
	existing, err := s.loadSnapshot(ctx, configuration.Name, spec.Environment, spec.Feature)
	if err != nil {
		return done(IDResult{}, err)
	}
	if existing != nil {
		return done(IDResult{}, flight.NewValidation("CREATE_FLIGHT_003",
			fmt.Sprintf("flight for feature %s already exists in %s", spec.Feature, spec.Environment), ids))
	}

	aggregate := flight.New(
		flight.Feature{Name: spec.Feature},
		flight.Status{Enabled: spec.Enabled},
		flight.Tenant{ID: configuration.ID, Name: configuration.Name, Environment: spec.Environment},
		settingsFor(configuration),
		flight.NewCondition(spec.IncrementalActivation, spec.Stages),
	)
	if err := aggregate.Create(s.optimizer, s.identity.Principal(ctx), ids); err != nil {
		return done(IDResult{}, err)
	}
	return done(s.finish(ctx, aggregate, configuration, ids))
}

// UpdateFeatureFlight applies an updated flag shape to an existing flight.
// A no-op update succeeds without persisting or emitting anything.
func (s *Service) UpdateFeatureFlight(ctx context.Context, tenantName, environment string, updatedFlag *flight.ProjectedFlag) (IDResult, error) {
	ids := tracking.FromContext(ctx)
	done := s.observe("update")

	configuration, aggregate, err := s.loadAggregate(ctx, tenantName, environment, updatedFlag.FeatureName, ids)
	if err != nil {
		return done(IDResult{}, err)
	}

	updated, err := aggregate.Update(s.optimizer, updatedFlag, s.identity.Principal(ctx), ids)
	if err != nil {
		return done(IDResult{}, err)
	}
	if !updated {
		return done(IDResult{ID: aggregate.ID()}, errNoop)
	}
	return done(s.finish(ctx, aggregate, configuration, ids))
}

// EnableFeatureFlight turns a flight on.
func (s *Service) EnableFeatureFlight(ctx context.Context, tenantName, environment, feature string) (IDResult, error) {
	ids := tracking.FromContext(ctx)
	done := s.observe("enable")

	configuration, aggregate, err := s.loadAggregate(ctx, tenantName, environment, feature, ids)
	if err != nil {
		return done(IDResult{}, err)
	}
	if !aggregate.Enable(s.identity.Principal(ctx), s.optimizer, ids) {
		return done(IDResult{ID: aggregate.ID()}, errNoop)
	}
	return done(s.finish(ctx, aggregate, configuration, ids))
}

// DisableFeatureFlight turns a flight off.
func (s *Service) DisableFeatureFlight(ctx context.Context, tenantName, environment, feature string) (IDResult, error) {
	ids := tracking.FromContext(ctx)
	done := s.observe("disable")

	configuration, aggregate, err := s.loadAggregate(ctx, tenantName, environment, feature, ids)
	if err != nil {
		return done(IDResult{}, err)
	}
	if !aggregate.Disable(s.identity.Principal(ctx), s.optimizer, ids) {
		return done(IDResult{ID: aggregate.ID()}, errNoop)
	}
	return done(s.finish(ctx, aggregate, configuration, ids))
}

// ActivateStage activates the named rollout stage of a flight.
func (s *Service) ActivateStage(ctx context.Context, tenantName, environment, feature, stage string) (IDResult, error) {
	ids := tracking.FromContext(ctx)
	done := s.observe("activate_stage")

	configuration, aggregate, err := s.loadAggregate(ctx, tenantName, environment, feature, ids)
	if err != nil {
		return done(IDResult{}, err)
	}
	activated, err := aggregate.ActivateStage(stage, s.identity.Principal(ctx), s.optimizer, ids)
	if err != nil {
		return done(IDResult{}, err)
	}
	if !activated {
		return done(IDResult{ID: aggregate.ID()}, errNoop)
	}
	return done(s.finish(ctx, aggregate, configuration, ids))
}

// DeleteFeatureFlight logically removes a flight: the document and the
// downstream flag are deleted and the Deleted event is committed.
func (s *Service) DeleteFeatureFlight(ctx context.Context, tenantName, environment, feature string) (IDResult, error) {
	ids := tracking.FromContext(ctx)
	done := s.observe("delete")

	configuration, aggregate, err := s.loadAggregate(ctx, tenantName, environment, feature, ids)
	if err != nil {
		return done(IDResult{}, err)
	}
	aggregate.Delete(s.identity.Principal(ctx), ids)

	group, groupCtx := errgroup.WithContext(ctx)
	if configuration.PersistenceEnabled() {
		group.Go(func() error {
			err := s.repo.DeleteFlight(groupCtx, configuration.Name, environment, feature)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		})
	}
	group.Go(func() error {
		err := s.store.Delete(groupCtx, aggregate.ID(), ids)
		if s.metrics != nil {
			s.metrics.RecordStoreSync(err)
		}
		return err
	})
	if err := group.Wait(); err != nil {
		return done(IDResult{}, err)
	}

	if err := s.commit(ctx, aggregate); err != nil {
		return done(IDResult{}, err)
	}
	return done(IDResult{ID: aggregate.ID()}, nil)
}

// RebuildFeatureFlights re-projects every flight of a tenant/environment,
// re-applying optimizer settings after a tenant configuration change.
// Returns the rebuilt flight IDs.
func (s *Service) RebuildFeatureFlights(ctx context.Context, tenantName, environment, reason string) ([]IDResult, error) {
	ids := tracking.FromContext(ctx)
	done := s.observe("rebuild")

	configuration, err := s.tenants.Get(ctx, tenantName)
	if err != nil {
		_, err = done(IDResult{}, err)
		return nil, err
	}
	snapshots, err := s.repo.ListFlights(ctx, configuration.Name, environment)
	if err != nil {
		_, err = done(IDResult{}, fmt.Errorf("list flights: %w", err))
		return nil, err
	}

	principal := s.identity.Principal(ctx)
	results := make([]IDResult, 0, len(snapshots))
	for _, snapshot := range snapshots {
		aggregate := flight.Restore(snapshot)
		aggregate.Settings = settingsFor(configuration)
		aggregate.Rebuild(principal, reason, s.optimizer, ids)
		result, err := s.finish(ctx, aggregate, configuration, ids)
		if err != nil {
			_, err = done(IDResult{}, err)
			return results, err
		}
		results = append(results, result)
	}
	_, _ = done(IDResult{}, nil)
	return results, nil
}

// GetFeatureFlight returns the stored snapshot for one flight.
func (s *Service) GetFeatureFlight(ctx context.Context, tenantName, environment, feature string) (*flight.Snapshot, error) {
	ids := tracking.FromContext(ctx)
	configuration, err := s.tenants.Get(ctx, tenantName)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.loadSnapshot(ctx, configuration.Name, environment, feature)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, flight.NewNotFound("GET_FLIGHT_001",
			fmt.Sprintf("flight for feature %s does not exist for %s in %s", feature, configuration.Name, environment), ids)
	}
	return snapshot, nil
}

// ListFeatureFlights returns all stored snapshots for a tenant/environment.
func (s *Service) ListFeatureFlights(ctx context.Context, tenantName, environment string) ([]*flight.Snapshot, error) {
	configuration, err := s.tenants.Get(ctx, tenantName)
	if err != nil {
		return nil, err
	}
	snapshots, err := s.repo.ListFlights(ctx, configuration.Name, environment)
	if err != nil {
		return nil, fmt.Errorf("list flights: %w", err)
	}
	return snapshots, nil
}

func (s *Service) loadAggregate(ctx context.Context, tenantName, environment, feature string, ids tracking.IDs) (*tenant.Configuration, *flight.Aggregate, error) {
	configuration, err := s.tenants.Get(ctx, tenantName)
	if err != nil {
		return nil, nil, err
	}
	snapshot, err := s.loadSnapshot(ctx, configuration.Name, environment, feature)
	if err != nil {
		return nil, nil, err
	}
	if snapshot == nil {
		return nil, nil, flight.NewNotFound("LOAD_FLIGHT_001",
			fmt.Sprintf("flight for feature %s does not exist for %s in %s", feature, configuration.Name, environment), ids)
	}
	aggregate := flight.Restore(snapshot)
	// Tenant settings may have changed since the snapshot was written.
	aggregate.Settings = settingsFor(configuration)
	return configuration, aggregate, nil
}

func (s *Service) loadSnapshot(ctx context.Context, tenantName, environment, feature string) (*flight.Snapshot, error) {
	snapshot, err := s.repo.GetFlight(ctx, tenantName, environment, feature)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load flight: %w", err)
	}
	return snapshot, nil
}

// finish runs the post-mutation side effects shared by every committing
// command: persist the snapshot and sync the downstream store in parallel,
// then commit the queued events. Events are committed only after both side
// effects succeed.
func (s *Service) finish(ctx context.Context, aggregate *flight.Aggregate, configuration *tenant.Configuration, ids tracking.IDs) (IDResult, error) {
	if s.metrics != nil && aggregate.Settings.EnableOptimization {
		s.metrics.RecordOptimization(aggregate.Status.IsOptimized)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if configuration.PersistenceEnabled() {
		snapshot := aggregate.Snapshot()
		group.Go(func() error {
			return s.repo.SaveFlight(groupCtx, snapshot, ids)
		})
	}
	group.Go(func() error {
		err := s.store.Update(groupCtx, aggregate.Projected, ids)
		if s.metrics != nil {
			s.metrics.RecordStoreSync(err)
		}
		return err
	})
	if err := group.Wait(); err != nil {
		return IDResult{}, err
	}

	if err := s.commit(ctx, aggregate); err != nil {
		return IDResult{}, err
	}
	return IDResult{ID: aggregate.ID()}, nil
}

func (s *Service) commit(ctx context.Context, aggregate *flight.Aggregate) error {
	events := aggregate.PendingEvents()
	if err := aggregate.Commit(ctx, s.bus); err != nil {
		return err
	}
	for _, event := range events {
		if s.metrics != nil {
			s.metrics.RecordEvent(event.Name())
		}
		s.log.Info("flight event committed",
			"event", event.Name(),
			"flight_id", event.FlightID(),
			"correlation_id", event.TrackingIDs().CorrelationID)
	}
	return nil
}

// errNoop marks a command that found nothing to change. It never escapes
// the service: observe records the outcome and reports success.
var errNoop = errors.New("command is a no-op")

// observe wraps a command with metrics bookkeeping. The returned func is
// called with the outcome and passes it through unchanged, except that
// [errNoop] is swallowed after being recorded.
func (s *Service) observe(command string) func(IDResult, error) (IDResult, error) {
	start := time.Now()
	return func(result IDResult, err error) (IDResult, error) {
		outcome := "applied"
		switch {
		case errors.Is(err, errNoop):
			outcome = "noop"
			err = nil
		case err != nil:
			outcome = "error"
		}
		if s.metrics != nil {
			s.metrics.ObserveCommand(command, outcome, time.Since(start))
		}
		return result, err
	}
}

func settingsFor(configuration *tenant.Configuration) flight.Settings {
	return flight.Settings{
		EnableOptimization: configuration.Optimization.Enabled,
		OptimizationRules:  configuration.Optimization.Rules,
	}
}
