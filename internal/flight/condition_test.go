package flight

import (
	"errors"
	"testing"
)

func TestNewConditionSortsStages(t *testing.T) {
	condition := NewCondition(false, []*Stage{
		{ID: 3, Name: "ring2"},
		{ID: 1, Name: "ring0"},
		{ID: 2, Name: "ring1"},
	})
	for i, want := range []int{1, 2, 3} {
		if condition.Stages[i].ID != want {
			t.Fatalf("stage %d: expected rank %d, got %d", i, want, condition.Stages[i].ID)
		}
	}
}

func TestConditionValidate(t *testing.T) {
	tests := []struct {
		name     string
		stages   []*Stage
		wantCode string
	}{
		{
			name:     "no stages",
			stages:   nil,
			wantCode: "VALIDATE_CONDITION_001",
		},
		{
			name:     "empty stage name",
			stages:   []*Stage{{ID: 1, Name: "  "}},
			wantCode: "VALIDATE_CONDITION_002",
		},
		{
			name: "duplicate rank",
			stages: []*Stage{
				{ID: 1, Name: "ring0"},
				{ID: 1, Name: "ring1"},
			},
			wantCode: "VALIDATE_CONDITION_003",
		},
		{
			name: "duplicate name case-insensitive",
			stages: []*Stage{
				{ID: 1, Name: "Ring0"},
				{ID: 2, Name: "ring0"},
			},
			wantCode: "VALIDATE_CONDITION_004",
		},
		{
			name: "valid",
			stages: []*Stage{
				{ID: 1, Name: "ring0"},
				{ID: 2, Name: "ring1"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := NewCondition(false, tc.stages).Validate(testIDs)
			if tc.wantCode == "" {
				if err != nil {
					t.Fatalf("expected valid condition, got %v", err)
				}
				return
			}
			var domainErr *Error
			if !errors.As(err, &domainErr) {
				t.Fatalf("expected domain error, got %v", err)
			}
			if domainErr.Code != tc.wantCode {
				t.Fatalf("expected code %s, got %s", tc.wantCode, domainErr.Code)
			}
			if !IsValidation(err) {
				t.Fatalf("expected validation kind, got %v", domainErr.Kind)
			}
		})
	}
}

func TestHighestActiveStage(t *testing.T) {
	condition := NewCondition(false, []*Stage{
		{ID: 1, Name: "ring0", IsActive: true},
		{ID: 2, Name: "ring1", IsActive: true},
		{ID: 3, Name: "ring2"},
	})
	highest := condition.HighestActiveStage()
	if highest == nil || highest.Name != "ring1" {
		t.Fatalf("expected ring1, got %+v", highest)
	}

	for _, stage := range condition.Stages {
		stage.Deactivate()
	}
	if condition.HighestActiveStage() != nil {
		t.Fatal("expected nil with no active stage")
	}
	if condition.HasActiveStage() {
		t.Fatal("expected HasActiveStage false")
	}
}

func TestStageByName(t *testing.T) {
	condition := NewCondition(false, []*Stage{
		{ID: 1, Name: "Ring0"},
		{ID: 2, Name: "ring1"},
	})
	if stage := condition.StageByName("ring0"); stage == nil || stage.ID != 1 {
		t.Fatalf("expected case-insensitive lookup of Ring0, got %+v", stage)
	}
	if condition.StageByName("ring9") != nil {
		t.Fatal("expected nil for unknown stage")
	}
}

func TestConditionUpdateDiff(t *testing.T) {
	base := func() *Condition {
		return NewCondition(false, []*Stage{
			{ID: 1, Name: "ring0", IsActive: true, Filters: []FilterRule{{FilterType: "Audience", Operator: "Equals", Value: "internal"}}},
			{ID: 2, Name: "ring1", Filters: []FilterRule{{FilterType: "Percentage", Operator: "Percentage", Value: "25"}}},
		})
	}

	tests := []struct {
		name string
		next *Condition
		want Diff
	}{
		{
			name: "identical shape is a no-op",
			next: base(),
			want: Diff{},
		},
		{
			name: "activation policy flip",
			next: NewCondition(true, base().Stages),
			want: Diff{SettingsChanged: true},
		},
		{
			name: "rank change",
			next: NewCondition(false, []*Stage{
				{ID: 5, Name: "ring0", IsActive: true, Filters: []FilterRule{{FilterType: "Audience", Operator: "Equals", Value: "internal"}}},
				{ID: 2, Name: "ring1", Filters: []FilterRule{{FilterType: "Percentage", Operator: "Percentage", Value: "25"}}},
			}),
			want: Diff{SettingsChanged: true},
		},
		{
			name: "active bit change",
			next: NewCondition(false, []*Stage{
				{ID: 1, Name: "ring0", Filters: []FilterRule{{FilterType: "Audience", Operator: "Equals", Value: "internal"}}},
				{ID: 2, Name: "ring1", Filters: []FilterRule{{FilterType: "Percentage", Operator: "Percentage", Value: "25"}}},
			}),
			want: Diff{SettingsChanged: true},
		},
		{
			name: "filter value change",
			next: NewCondition(false, []*Stage{
				{ID: 1, Name: "ring0", IsActive: true, Filters: []FilterRule{{FilterType: "Audience", Operator: "Equals", Value: "external"}}},
				{ID: 2, Name: "ring1", Filters: []FilterRule{{FilterType: "Percentage", Operator: "Percentage", Value: "25"}}},
			}),
			want: Diff{StagesUpdated: true},
		},
		{
			name: "stage added",
			next: NewCondition(false, append(base().Stages, &Stage{ID: 3, Name: "ring2"})),
			want: Diff{StagesAdded: true},
		},
		{
			name: "stage deleted",
			next: NewCondition(false, base().Stages[:1]),
			want: Diff{StagesDeleted: true},
		},
		{
			name: "rename is add plus delete",
			next: NewCondition(false, []*Stage{
				{ID: 1, Name: "canary", IsActive: true, Filters: []FilterRule{{FilterType: "Audience", Operator: "Equals", Value: "internal"}}},
				{ID: 2, Name: "ring1", Filters: []FilterRule{{FilterType: "Percentage", Operator: "Percentage", Value: "25"}}},
			}),
			want: Diff{StagesAdded: true, StagesDeleted: true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			condition := base()
			got := condition.Update(tc.next)
			if got != tc.want {
				t.Fatalf("expected diff %+v, got %+v", tc.want, got)
			}
			if tc.want.Changed() && !conditionMatches(condition, tc.next) {
				t.Fatal("expected condition content replaced after change")
			}
		})
	}
}

func conditionMatches(got, want *Condition) bool {
	if got.IncrementalActivation != want.IncrementalActivation || len(got.Stages) != len(want.Stages) {
		return false
	}
	for i := range got.Stages {
		if got.Stages[i].Name != want.Stages[i].Name {
			return false
		}
	}
	return true
}

func TestConditionUpdateKeepsContentOnNoop(t *testing.T) {
	condition := NewCondition(false, []*Stage{
		{ID: 1, Name: "ring0", Filters: []FilterRule{{FilterType: "Audience", Operator: "EQUALS", Value: "INTERNAL"}}},
	})
	// Rule comparison is case-insensitive, so differently-cased values
	// must not register as a change.
	next := NewCondition(false, []*Stage{
		{ID: 1, Name: "ring0", Filters: []FilterRule{{FilterType: "audience", Operator: "equals", Value: "internal"}}},
	})

	diff := condition.Update(next)
	if diff.Changed() {
		t.Fatalf("expected no change, got %+v", diff)
	}
	if condition.Stages[0].Filters[0].Value != "INTERNAL" {
		t.Fatal("expected original content retained on no-op")
	}
}

func TestFilterRuleEqual(t *testing.T) {
	a := FilterRule{FilterType: "Audience", Operator: "Equals", Value: "Internal"}
	b := FilterRule{FilterType: "audience", Operator: "equals", Value: "internal"}
	if !a.Equal(b) {
		t.Fatal("expected case-insensitive rule equality")
	}
	c := FilterRule{FilterType: "Audience", Operator: "Equals", Value: "external"}
	if a.Equal(c) {
		t.Fatal("expected inequality for different values")
	}
}
