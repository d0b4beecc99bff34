package store

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"geoimport/internal/model"
)

func TestFactory(t *testing.T) {
	// Not parallel: Register mutates shared factory state.
	called := false
	Register("fake", func(ctx context.Context, cfg Config) (Store, error) {
		called = true
		if cfg.DSN != "fake://dsn" {
			t.Errorf("factory got DSN %q", cfg.DSN)
		}
		return NewMemory(), nil
	})

	st, err := New(context.Background(), Config{Kind: "fake", DSN: "fake://dsn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if st == nil || !called {
		t.Fatalf("factory was not invoked")
	}

	if _, err := New(context.Background(), Config{Kind: "oracle"}); err == nil {
		t.Errorf("expected error for unregistered kind")
	}

	kinds := ListKinds()
	found := map[string]bool{}
	for i, k := range kinds {
		found[k] = true
		if i > 0 && kinds[i-1] > k {
			t.Errorf("ListKinds not sorted: %v", kinds)
		}
	}
	for _, want := range []string{"fake", "memory"} {
		if !found[want] {
			t.Errorf("ListKinds missing %q: %v", want, kinds)
		}
	}
}

func memStore(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	if err := m.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return m
}

func TestMemory_ImportFileCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := memStore(t)

	f := &model.ImportFile{ID: "f1", OwnerID: "u1", OriginalName: "events.csv", Status: model.FileStatusPending}
	if err := m.CreateImportFile(ctx, f); err != nil {
		t.Fatalf("CreateImportFile: %v", err)
	}
	if err := m.CreateImportFile(ctx, f); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate create err = %v", err)
	}

	got, err := m.GetImportFile(ctx, "f1")
	if err != nil {
		t.Fatalf("GetImportFile: %v", err)
	}
	if !reflect.DeepEqual(got, f) {
		t.Errorf("got %+v, want %+v", got, f)
	}

	got.Status = model.FileStatusProcessing
	if err := m.UpdateImportFile(ctx, got); err != nil {
		t.Fatalf("UpdateImportFile: %v", err)
	}
	again, _ := m.GetImportFile(ctx, "f1")
	if again.Status != model.FileStatusProcessing {
		t.Errorf("update not visible: %+v", again)
	}

	if _, err := m.GetImportFile(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file err = %v", err)
	}
}

func TestMemory_JobsByFileOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := memStore(t)

	for _, j := range []*model.ImportJob{
		{ID: "j2", FileID: "f1", SheetIndex: 1, Stage: model.StagePending},
		{ID: "j1", FileID: "f1", SheetIndex: 0, Stage: model.StagePending},
		{ID: "jx", FileID: "f2", SheetIndex: 0, Stage: model.StagePending},
	} {
		if err := m.CreateImportJob(ctx, j); err != nil {
			t.Fatalf("CreateImportJob(%s): %v", j.ID, err)
		}
	}

	jobs, err := m.ImportJobsByFile(ctx, "f1")
	if err != nil {
		t.Fatalf("ImportJobsByFile: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "j1" || jobs[1].ID != "j2" {
		t.Errorf("jobs = %+v, want j1 then j2 by sheet index", jobs)
	}
}

func TestMemory_SchemaVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := memStore(t)

	latest, err := m.LatestSchema(ctx, "ds")
	if err != nil || latest != nil {
		t.Fatalf("LatestSchema on empty = %v, %v; want nil, nil", latest, err)
	}

	for _, v := range []int{1, 2} {
		s := &model.DatasetSchema{ID: "s" + string(rune('0'+v)), DatasetID: "ds", Version: v}
		if err := m.CreateSchemaVersion(ctx, s); err != nil {
			t.Fatalf("CreateSchemaVersion(%d): %v", v, err)
		}
	}
	dup := &model.DatasetSchema{ID: "sx", DatasetID: "ds", Version: 2}
	if err := m.CreateSchemaVersion(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate version err = %v", err)
	}

	latest, err = m.LatestSchema(ctx, "ds")
	if err != nil {
		t.Fatalf("LatestSchema: %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("latest version = %d, want 2", latest.Version)
	}
}

func TestMemory_EventUniqueness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := memStore(t)

	e := &model.Event{ID: "e1", DatasetID: "ds", JobID: "j1", UniqueID: "u-1", Version: 0}
	if err := m.CreateEvent(ctx, e); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	clash := &model.Event{ID: "e2", DatasetID: "ds", JobID: "j1", UniqueID: "u-1", Version: 0}
	if err := m.CreateEvent(ctx, clash); !errors.Is(err, ErrDuplicate) {
		t.Errorf("same (dataset, unique_id, version) err = %v", err)
	}
	v1 := &model.Event{ID: "e3", DatasetID: "ds", JobID: "j1", UniqueID: "u-1", Version: 1}
	if err := m.CreateEvent(ctx, v1); err != nil {
		t.Errorf("new version should insert: %v", err)
	}
	other := &model.Event{ID: "e4", DatasetID: "ds2", JobID: "j2", UniqueID: "u-1", Version: 0}
	if err := m.CreateEvent(ctx, other); err != nil {
		t.Errorf("same ID in another dataset should insert: %v", err)
	}

	max, err := m.MaxEventVersion(ctx, "ds", "u-1")
	if err != nil || max != 1 {
		t.Errorf("MaxEventVersion = %d, %v; want 1", max, err)
	}
	max, err = m.MaxEventVersion(ctx, "ds", "unknown")
	if err != nil || max != -1 {
		t.Errorf("MaxEventVersion(unknown) = %d, %v; want -1", max, err)
	}
}

func TestMemory_ExistingEventUniqueIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := memStore(t)

	for i, uid := range []string{"a", "b", "b"} {
		e := &model.Event{
			ID: "e" + string(rune('0'+i)), DatasetID: "ds", JobID: "j1",
			UniqueID: uid, Version: i, // versions keep the b pair unique
		}
		if err := m.CreateEvent(ctx, e); err != nil {
			t.Fatalf("CreateEvent: %v", err)
		}
	}

	got, err := m.ExistingEventUniqueIDs(ctx, "ds", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("ExistingEventUniqueIDs: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("got %v, want [a b] with no duplicates", got)
	}

	got, err = m.ExistingEventUniqueIDs(ctx, "other", []string{"a"})
	if err != nil || len(got) != 0 {
		t.Errorf("cross-dataset lookup = %v, %v; want empty", got, err)
	}
}

func TestMemory_Counters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := memStore(t)

	if err := m.CreateDataset(ctx, &model.Dataset{ID: "ds", OwnerID: "u1"}); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	events := []*model.Event{
		{ID: "e1", DatasetID: "ds", JobID: "j1", UniqueID: "a", CoordSource: model.CoordSourceGeocoded},
		{ID: "e2", DatasetID: "ds", JobID: "j1", UniqueID: "b", CoordSource: model.CoordSourceImport},
		{ID: "e3", DatasetID: "ds", JobID: "j2", UniqueID: "c", CoordSource: model.CoordSourceNone},
	}
	for _, e := range events {
		if err := m.CreateEvent(ctx, e); err != nil {
			t.Fatalf("CreateEvent: %v", err)
		}
	}

	if n, _ := m.CountEventsByJob(ctx, "j1"); n != 2 {
		t.Errorf("CountEventsByJob = %d, want 2", n)
	}
	if n, _ := m.CountGeocodedEventsByJob(ctx, "j1"); n != 1 {
		t.Errorf("CountGeocodedEventsByJob = %d, want 1", n)
	}
	if n, _ := m.CountEventsByOwner(ctx, "u1"); n != 3 {
		t.Errorf("CountEventsByOwner = %d, want 3", n)
	}
	if n, _ := m.CountEventsByOwner(ctx, "stranger"); n != 0 {
		t.Errorf("CountEventsByOwner(stranger) = %d, want 0", n)
	}
}

func TestMemory_BatchMarkers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := memStore(t)

	done, err := m.BatchDone(ctx, "j1", model.StageCreateEvents, 0)
	if err != nil || done {
		t.Fatalf("BatchDone before mark = %v, %v", done, err)
	}
	if err := m.MarkBatchDone(ctx, "j1", model.StageCreateEvents, 0); err != nil {
		t.Fatalf("MarkBatchDone: %v", err)
	}
	// Marking twice mirrors a re-delivered task and must stay a no-op.
	if err := m.MarkBatchDone(ctx, "j1", model.StageCreateEvents, 0); err != nil {
		t.Fatalf("MarkBatchDone again: %v", err)
	}
	done, err = m.BatchDone(ctx, "j1", model.StageCreateEvents, 0)
	if err != nil || !done {
		t.Errorf("BatchDone after mark = %v, %v", done, err)
	}
	if done, _ := m.BatchDone(ctx, "j1", model.StageCreateEvents, 1); done {
		t.Errorf("neighbor batch reported done")
	}
	if done, _ := m.BatchDone(ctx, "j1", model.StageGeocodeBatch, 0); done {
		t.Errorf("same batch under another stage reported done")
	}
}
