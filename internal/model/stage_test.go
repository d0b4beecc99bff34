package model

import "testing"

// TestStage_CanTransition_Forward verifies the happy-path stage order.
func TestStage_CanTransition_Forward(t *testing.T) {
	t.Parallel()

	path := []Stage{
		StagePending,
		StageAnalyzeDuplicates,
		StageDetectSchema,
		StageValidateSchema,
		StageCreateSchemaVersion,
		StageGeocodeBatch,
		StageCreateEvents,
		StageCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		if !path[i].CanTransition(path[i+1]) {
			t.Errorf("%s -> %s should be allowed", path[i], path[i+1])
		}
	}
}

// TestStage_CanTransition_ApprovalBranch verifies the approval detour.
func TestStage_CanTransition_ApprovalBranch(t *testing.T) {
	t.Parallel()

	if !StageValidateSchema.CanTransition(StageAwaitApproval) {
		t.Errorf("VALIDATE_SCHEMA -> AWAIT_APPROVAL should be allowed")
	}
	if !StageAwaitApproval.CanTransition(StageCreateSchemaVersion) {
		t.Errorf("AWAIT_APPROVAL -> CREATE_SCHEMA_VERSION should be allowed")
	}
	if StageAwaitApproval.CanTransition(StageGeocodeBatch) {
		t.Errorf("AWAIT_APPROVAL must not skip CREATE_SCHEMA_VERSION")
	}
}

func TestStage_CanTransition_Illegal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Stage
	}{
		{StagePending, StageCreateEvents},
		{StageDetectSchema, StageAnalyzeDuplicates}, // backwards
		{StageCompleted, StagePending},
		{StageCompleted, StageFailed}, // terminal stays terminal
		{StageFailed, StageCompleted},
	}
	for _, c := range cases {
		if c.from.CanTransition(c.to) {
			t.Errorf("%s -> %s should be rejected", c.from, c.to)
		}
	}
}

// TestStage_CanTransition_SameStage verifies batch handlers may persist
// progress without advancing.
func TestStage_CanTransition_SameStage(t *testing.T) {
	t.Parallel()

	if !StageAnalyzeDuplicates.CanTransition(StageAnalyzeDuplicates) {
		t.Errorf("same-stage write should be allowed")
	}
}

func TestStage_CanTransition_FailedFromAnyNonTerminal(t *testing.T) {
	t.Parallel()

	for from := range stageTransitions {
		got := from.CanTransition(StageFailed)
		want := !from.Terminal() || from == StageFailed // same-stage write
		if got != want {
			t.Errorf("%s -> FAILED = %v, want %v", from, got, want)
		}
	}
}

func TestCoordinates_Valid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		c    Coordinates
		want bool
	}{
		{"origin", Coordinates{0, 0}, true},
		{"bounds", Coordinates{90, 180}, true},
		{"neg bounds", Coordinates{-90, -180}, true},
		{"lat too big", Coordinates{200, 10}, false},
		{"lng too big", Coordinates{10, 181}, false},
		{"lat too small", Coordinates{-90.5, 0}, false},
	}
	for _, c := range cases {
		if got := c.c.Valid(); got != c.want {
			t.Errorf("%s: Valid() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestDuplicateAnalysis_DuplicateRowSet(t *testing.T) {
	t.Parallel()

	d := &DuplicateAnalysis{
		Internal: []DuplicateRow{{Row: 7, FirstRow: 3, UniqueID: "a"}},
		External: []DuplicateRow{{Row: 2, UniqueID: "b"}},
	}
	set := d.DuplicateRowSet()
	if len(set) != 2 {
		t.Fatalf("set size = %d, want 2", len(set))
	}
	for _, row := range []int{2, 7} {
		if _, ok := set[row]; !ok {
			t.Errorf("row %d missing from set", row)
		}
	}
	if _, ok := set[3]; ok {
		t.Errorf("first occurrence row 3 must not be in the skip set")
	}

	var nilAnalysis *DuplicateAnalysis
	if got := nilAnalysis.DuplicateRowSet(); len(got) != 0 {
		t.Errorf("nil analysis should yield empty set, got %v", got)
	}
}
