package flight

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/matt-riley/flightz/internal/tracking"
)

var testIDs = tracking.IDs{CorrelationID: "corr-1", TransactionID: "txn-1"}

func newTestAggregate(t *testing.T, incremental bool, stages []*Stage) *Aggregate {
	t.Helper()
	a := New(
		Feature{Name: "checkout-v2"},
		Status{Enabled: true},
		Tenant{ID: "Contoso", Name: "Contoso", Environment: "Production"},
		Settings{},
		NewCondition(incremental, stages),
	)
	if err := a.Create(nil, "alice", testIDs); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return a
}

func threeStages() []*Stage {
	return []*Stage{
		{ID: 1, Name: "ring0", Filters: []FilterRule{{FilterType: "Audience", Operator: "Equals", Value: "internal"}}},
		{ID: 2, Name: "ring1", Filters: []FilterRule{{FilterType: "Percentage", Operator: "Percentage", Value: "25"}}},
		{ID: 3, Name: "ring2", Filters: []FilterRule{{FilterType: "Percentage", Operator: "Percentage", Value: "100"}}},
	}
}

func TestID(t *testing.T) {
	got := ID("Contoso", "Production", "checkout-v2")
	want := "contoso_production_checkout-v2"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	// Same inputs with different casing derive the same identifier.
	if other := ID("CONTOSO", "production", "checkout-v2"); other != got {
		t.Fatalf("expected identical id, got %q and %q", got, other)
	}
}

func TestCreate(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())

	if got := a.Version.String(); got != "1.0" {
		t.Fatalf("expected version 1.0, got %s", got)
	}
	if a.Audit == nil || a.Audit.CreatedBy != "alice" {
		t.Fatalf("expected audit stamped by alice, got %+v", a.Audit)
	}
	if a.Audit.EnabledOn == nil {
		t.Fatal("expected EnabledOn set for an enabled flight")
	}
	if a.Projected == nil {
		t.Fatal("expected projection after create")
	}
	if len(a.Projected.Clauses) != 3 {
		t.Fatalf("expected 3 projected clauses, got %d", len(a.Projected.Clauses))
	}

	events := a.PendingEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(events))
	}
	if events[0].Name() != "FeatureFlightCreated" {
		t.Fatalf("expected FeatureFlightCreated, got %s", events[0].Name())
	}
	if events[0].FlightID() != a.ID() {
		t.Fatalf("event flight id %q does not match aggregate id %q", events[0].FlightID(), a.ID())
	}
}

func TestCreateInvalidCondition(t *testing.T) {
	a := New(
		Feature{Name: "checkout-v2"},
		Status{Enabled: true},
		Tenant{ID: "contoso", Name: "Contoso", Environment: "production"},
		Settings{},
		NewCondition(false, nil),
	)
	err := a.Create(nil, "alice", testIDs)
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if events := a.PendingEvents(); len(events) != 0 {
		t.Fatalf("expected no events after failed create, got %d", len(events))
	}
}

func TestEnableIdempotent(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())
	before := a.Snapshot()

	if a.Enable("bob", nil, testIDs) {
		t.Fatal("expected enable of an enabled flight to be a no-op")
	}
	if a.Version != before.Version {
		t.Fatalf("version changed on no-op: %s -> %s", before.Version, a.Version)
	}
	if a.Audit.LastModifiedBy != before.Audit.LastModifiedBy {
		t.Fatal("audit changed on no-op")
	}
	if events := a.PendingEvents(); len(events) != 1 {
		t.Fatalf("expected only the create event, got %d", len(events))
	}
}

func TestDisableThenEnable(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())

	if !a.Disable("bob", nil, testIDs) {
		t.Fatal("expected disable to apply")
	}
	if a.Status.Enabled {
		t.Fatal("expected flight disabled")
	}
	if got := a.Version.String(); got != "1.1" {
		t.Fatalf("expected version 1.1 after disable, got %s", got)
	}
	if a.Audit.DisabledOn == nil {
		t.Fatal("expected DisabledOn stamped")
	}
	if a.Disable("bob", nil, testIDs) {
		t.Fatal("expected second disable to be a no-op")
	}

	if !a.Enable("carol", nil, testIDs) {
		t.Fatal("expected enable to apply")
	}
	if got := a.Version.String(); got != "1.2" {
		t.Fatalf("expected version 1.2 after enable, got %s", got)
	}
	if a.Audit.LastModifiedBy != "carol" {
		t.Fatalf("expected audit by carol, got %s", a.Audit.LastModifiedBy)
	}

	names := make([]string, 0, 3)
	for _, event := range a.PendingEvents() {
		names = append(names, event.Name())
	}
	want := []string{"FeatureFlightCreated", "FeatureFlightDisabled", "FeatureFlightEnabled"}
	if len(names) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestActivateStageExclusive(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())

	applied, err := a.ActivateStage("ring1", "alice", nil, testIDs)
	if err != nil {
		t.Fatalf("ActivateStage failed: %v", err)
	}
	if !applied {
		t.Fatal("expected activation to apply")
	}

	active := map[string]bool{}
	for _, stage := range a.Condition.Stages {
		active[stage.Name] = stage.IsActive
	}
	if active["ring0"] || !active["ring1"] || active["ring2"] {
		t.Fatalf("expected only ring1 active, got %v", active)
	}
	if !a.Status.IsActive {
		t.Fatal("expected IsActive after activation")
	}
	if got := a.Version.String(); got != "1.1" {
		t.Fatalf("expected version 1.1, got %s", got)
	}
}

func TestActivateStageIncremental(t *testing.T) {
	a := newTestAggregate(t, true, threeStages())

	if _, err := a.ActivateStage("ring1", "alice", nil, testIDs); err != nil {
		t.Fatalf("ActivateStage failed: %v", err)
	}

	active := map[string]bool{}
	for _, stage := range a.Condition.Stages {
		active[stage.Name] = stage.IsActive
	}
	if !active["ring0"] || !active["ring1"] || active["ring2"] {
		t.Fatalf("expected ring0 and ring1 active, got %v", active)
	}
}

func TestActivateStageHighestActiveNoop(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())

	if _, err := a.ActivateStage("ring1", "alice", nil, testIDs); err != nil {
		t.Fatalf("first activation failed: %v", err)
	}
	before := a.Version

	applied, err := a.ActivateStage("ring1", "alice", nil, testIDs)
	if err != nil {
		t.Fatalf("second activation failed: %v", err)
	}
	if applied {
		t.Fatal("expected activation of the highest active stage to be a no-op")
	}
	if a.Version != before {
		t.Fatalf("version changed on no-op: %s -> %s", before, a.Version)
	}
	if events := a.PendingEvents(); len(events) != 2 {
		t.Fatalf("expected 2 events (create, first activation), got %d", len(events))
	}
}

func TestActivateStageHighestActiveNoopMasksLowerGap(t *testing.T) {
	a := newTestAggregate(t, true, threeStages())

	if _, err := a.ActivateStage("ring1", "alice", nil, testIDs); err != nil {
		t.Fatalf("activation failed: %v", err)
	}
	// Deactivate a lower stage out of band: the highest-active check does
	// not notice, so re-activating ring1 stays a no-op and the gap remains.
	a.Condition.StageByName("ring0").Deactivate()
	before := a.Version

	applied, err := a.ActivateStage("ring1", "alice", nil, testIDs)
	if err != nil {
		t.Fatalf("second activation failed: %v", err)
	}
	if applied {
		t.Fatal("expected no-op while ring1 is still the highest active stage")
	}
	if a.Version != before {
		t.Fatalf("version changed on no-op: %s -> %s", before, a.Version)
	}
	if a.Condition.StageByName("ring0").IsActive {
		t.Fatal("expected the out-of-band deactivation of ring0 to persist")
	}
	if events := a.PendingEvents(); len(events) != 2 {
		t.Fatalf("expected 2 events (create, first activation), got %d", len(events))
	}
}

func TestActivateStageUnknown(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())

	_, err := a.ActivateStage("ring9", "alice", nil, testIDs)
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestActivateStageCaseInsensitiveName(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())

	applied, err := a.ActivateStage("RING1", "alice", nil, testIDs)
	if err != nil || !applied {
		t.Fatalf("expected case-insensitive activation, got applied=%v err=%v", applied, err)
	}
}

func TestUpdateNoop(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())
	before := a.Snapshot()

	applied, err := a.Update(nil, a.Projected.Clone(), "bob", testIDs)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if applied {
		t.Fatal("expected identical shape to be a no-op")
	}
	if a.Version != before.Version {
		t.Fatalf("version changed on no-op: %s -> %s", before.Version, a.Version)
	}
	if events := a.PendingEvents(); len(events) != 1 {
		t.Fatalf("expected only the create event, got %d", len(events))
	}
}

func TestUpdateNoopWithFilterlessStage(t *testing.T) {
	a := newTestAggregate(t, false, []*Stage{
		{ID: 1, Name: "ring0"},
		{ID: 2, Name: "ring1", Filters: []FilterRule{{FilterType: "Percentage", Operator: "Percentage", Value: "50"}}},
	})
	before := a.Snapshot()

	applied, err := a.Update(nil, a.Projected.Clone(), "bob", testIDs)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if applied {
		t.Fatalf("expected round-trip of own projection to be a no-op, got version %s -> %s",
			before.Version, a.Version)
	}
	if len(a.Condition.Stages) != 2 {
		t.Fatalf("filterless stage lost: %d stages remain", len(a.Condition.Stages))
	}
	if stage := a.Condition.StageByName("ring0"); stage == nil || len(stage.Filters) != 0 {
		t.Fatalf("expected ring0 to survive with no filters, got %+v", stage)
	}
	if events := a.PendingEvents(); len(events) != 1 {
		t.Fatalf("expected only the create event, got %d", len(events))
	}
}

func TestProjectStageMarkerRoundTrip(t *testing.T) {
	a := newTestAggregate(t, false, []*Stage{{ID: 1, Name: "ring0", IsActive: true}})

	if len(a.Projected.Clauses) != 1 {
		t.Fatalf("expected 1 marker clause, got %d", len(a.Projected.Clauses))
	}
	clause := a.Projected.Clauses[0]
	if clause.Parameters.StageID != 1 || clause.Parameters.StageName != "ring0" || !clause.Parameters.IsActive {
		t.Fatalf("marker clause carries wrong stage: %+v", clause)
	}

	rebuilt := ConditionFromProjection(a.Projected)
	if len(rebuilt.Stages) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(rebuilt.Stages))
	}
	if got := rebuilt.Stages[0]; got.Name != "ring0" || len(got.Filters) != 0 {
		t.Fatalf("expected filterless ring0, got %+v", got)
	}
}

func TestUpdateStageAddedBumpsMajor(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())

	next := a.Projected.Clone()
	next.Clauses[0].Parameters.Value = "external"
	next.Clauses = append(next.Clauses, FilterClause{
		Name: "Audience",
		Parameters: ClauseParameters{
			Operator:  "Equals",
			Value:     "beta",
			StageID:   4,
			StageName: "ring3",
		},
	})

	applied, err := a.Update(nil, next, "bob", testIDs)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !applied {
		t.Fatal("expected update to apply")
	}
	if got := a.Version.String(); got != "2.0" {
		t.Fatalf("expected major bump to 2.0, got %s", got)
	}
	if len(a.Condition.Stages) != 4 {
		t.Fatalf("expected 4 stages, got %d", len(a.Condition.Stages))
	}

	events := a.PendingEvents()
	last := events[len(events)-1]
	updated, ok := last.(*Updated)
	if !ok {
		t.Fatalf("expected Updated event, got %T", last)
	}
	if updated.Original == nil || updated.Original.Version.String() != "1.0" {
		t.Fatalf("expected original snapshot at 1.0, got %+v", updated.Original)
	}
	for _, want := range []string{"Filters Changed", "New Stage Added"} {
		found := false
		for _, part := range strings.Split(updated.UpdateType, " | ") {
			if part == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected update type to contain %q, got %q", want, updated.UpdateType)
		}
	}
}

func TestUpdateFiltersOnlyBumpsMinor(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())

	next := a.Projected.Clone()
	next.Clauses[1].Parameters.Value = "50"

	applied, err := a.Update(nil, next, "bob", testIDs)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !applied {
		t.Fatal("expected update to apply")
	}
	if got := a.Version.String(); got != "1.1" {
		t.Fatalf("expected minor bump to 1.1, got %s", got)
	}
}

func TestUpdateStatusChangeQueuesToggleEvent(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())

	next := a.Projected.Clone()
	next.Enabled = false

	applied, err := a.Update(nil, next, "bob", testIDs)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !applied {
		t.Fatal("expected update to apply")
	}
	if a.Status.Enabled {
		t.Fatal("expected flight disabled")
	}

	names := make([]string, 0, 3)
	for _, event := range a.PendingEvents() {
		names = append(names, event.Name())
	}
	want := []string{"FeatureFlightCreated", "FeatureFlightDisabled", "FeatureFlightUpdated"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestDelete(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())
	before := a.Version

	a.Delete("bob", testIDs)

	if a.Version != before {
		t.Fatal("delete must not bump version")
	}
	if a.Audit.LastUpdateType != "Flight Deleted" {
		t.Fatalf("expected Flight Deleted audit, got %s", a.Audit.LastUpdateType)
	}
	events := a.PendingEvents()
	if events[len(events)-1].Name() != "FeatureFlightDeleted" {
		t.Fatalf("expected FeatureFlightDeleted, got %s", events[len(events)-1].Name())
	}
}

func TestRebuild(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())

	a.Rebuild("bob", "tenant settings changed", nil, testIDs)

	if got := a.Version.String(); got != "1.1" {
		t.Fatalf("expected version 1.1 after rebuild, got %s", got)
	}
	events := a.PendingEvents()
	rebuilt, ok := events[len(events)-1].(*Rebuilt)
	if !ok {
		t.Fatalf("expected Rebuilt event, got %T", events[len(events)-1])
	}
	if rebuilt.Reason != "tenant settings changed" {
		t.Fatalf("unexpected reason %q", rebuilt.Reason)
	}
}

type recordingBus struct {
	published []Event
	err       error
	calls     int
}

func (b *recordingBus) Publish(_ context.Context, events []Event) error {
	b.calls++
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, events...)
	return nil
}

func TestCommit(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())
	a.Disable("bob", nil, testIDs)

	bus := &recordingBus{}
	if err := a.Commit(context.Background(), bus); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(bus.published) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(bus.published))
	}
	if len(a.PendingEvents()) != 0 {
		t.Fatal("expected pending queue cleared after commit")
	}

	// Second commit has nothing to publish and must not touch the bus.
	if err := a.Commit(context.Background(), bus); err != nil {
		t.Fatalf("empty Commit failed: %v", err)
	}
	if bus.calls != 1 {
		t.Fatalf("expected 1 bus call, got %d", bus.calls)
	}
}

func TestCommitPublishError(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())

	bus := &recordingBus{err: errors.New("bus down")}
	if err := a.Commit(context.Background(), bus); err == nil {
		t.Fatal("expected commit error")
	}
	if len(a.PendingEvents()) != 1 {
		t.Fatal("expected events retained after failed commit")
	}
}

type stubOptimizer struct {
	optimized bool
	err       error
	calls     int
}

func (o *stubOptimizer) Optimize(_ *ProjectedFlag, _ []string, _ tracking.IDs) (bool, error) {
	o.calls++
	return o.optimized, o.err
}

func TestProjectOptimizer(t *testing.T) {
	t.Run("success sets flag", func(t *testing.T) {
		a := New(
			Feature{Name: "checkout-v2"},
			Status{Enabled: true},
			Tenant{ID: "contoso", Name: "Contoso", Environment: "production"},
			Settings{EnableOptimization: true, OptimizationRules: []string{"merge-percentage"}},
			NewCondition(false, threeStages()),
		)
		opt := &stubOptimizer{optimized: true}
		if err := a.Create(opt, "alice", testIDs); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if opt.calls != 1 {
			t.Fatalf("expected 1 optimizer call, got %d", opt.calls)
		}
		if !a.Status.IsOptimized || !a.Projected.IsOptimized {
			t.Fatal("expected optimization flag set")
		}
	})

	t.Run("error clears flag", func(t *testing.T) {
		a := New(
			Feature{Name: "checkout-v2"},
			Status{Enabled: true},
			Tenant{ID: "contoso", Name: "Contoso", Environment: "production"},
			Settings{EnableOptimization: true},
			NewCondition(false, threeStages()),
		)
		opt := &stubOptimizer{optimized: true, err: errors.New("rule engine failure")}
		if err := a.Create(opt, "alice", testIDs); err != nil {
			t.Fatalf("Create must not fail on optimizer error: %v", err)
		}
		if a.Status.IsOptimized || a.Projected.IsOptimized {
			t.Fatal("expected optimization flag cleared on optimizer error")
		}
	})

	t.Run("disabled settings skip optimizer", func(t *testing.T) {
		a := New(
			Feature{Name: "checkout-v2"},
			Status{Enabled: true},
			Tenant{ID: "contoso", Name: "Contoso", Environment: "production"},
			Settings{},
			NewCondition(false, threeStages()),
		)
		opt := &stubOptimizer{optimized: true}
		if err := a.Create(opt, "alice", testIDs); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if opt.calls != 0 {
			t.Fatalf("expected optimizer not called, got %d calls", opt.calls)
		}
	})
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	a := newTestAggregate(t, true, threeStages())
	if _, err := a.ActivateStage("ring1", "alice", nil, testIDs); err != nil {
		t.Fatalf("ActivateStage failed: %v", err)
	}

	snapshot := a.Snapshot()
	restored := Restore(snapshot)

	if restored.ID() != a.ID() {
		t.Fatalf("expected id %q, got %q", a.ID(), restored.ID())
	}
	if restored.Version != a.Version {
		t.Fatalf("expected version %s, got %s", a.Version, restored.Version)
	}
	if len(restored.PendingEvents()) != 0 {
		t.Fatal("restored aggregate must not inherit pending events")
	}

	// Deep copy: mutating the restored aggregate must not leak back.
	restored.Condition.Stages[0].Deactivate()
	if !a.Condition.Stages[0].IsActive {
		t.Fatal("mutation of restored aggregate leaked into the original")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	a := newTestAggregate(t, false, threeStages())
	snapshot := a.Snapshot()

	a.Condition.Stages[0].Filters[0].Value = "changed"
	if snapshot.Condition.Stages[0].Filters[0].Value == "changed" {
		t.Fatal("snapshot shares filter storage with the aggregate")
	}

	a.Projected.Clauses[0].Parameters.Value = "changed"
	if snapshot.Projected.Clauses[0].Parameters.Value == "changed" {
		t.Fatal("snapshot shares clause storage with the aggregate")
	}
}
