package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"geoimport/internal/model"
)

func init() {
	Register("memory", func(ctx context.Context, cfg Config) (Store, error) {
		return NewMemory(), nil
	})
}

// Memory is an in-memory Store used by tests and local development. It
// honors the same uniqueness rules as the SQL backends.
type Memory struct {
	mu      sync.RWMutex
	files   map[string]model.ImportFile
	jobs    map[string]model.ImportJob
	sets    map[string]model.Dataset
	schemas map[string][]model.DatasetSchema // datasetID -> versions ascending
	events  []model.Event
	batches map[string]struct{} // "job|stage|batch"
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		files:   map[string]model.ImportFile{},
		jobs:    map[string]model.ImportJob{},
		sets:    map[string]model.Dataset{},
		schemas: map[string][]model.DatasetSchema{},
		batches: map[string]struct{}{},
	}
}

func (m *Memory) Bootstrap(ctx context.Context) error { return nil }
func (m *Memory) Close() error                        { return nil }

func (m *Memory) CreateImportFile(ctx context.Context, f *model.ImportFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; ok {
		return fmt.Errorf("import file %s: %w", f.ID, ErrDuplicate)
	}
	m.files[f.ID] = *f
	return nil
}

func (m *Memory) GetImportFile(ctx context.Context, id string) (*model.ImportFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("import file %s: %w", id, ErrNotFound)
	}
	return &f, nil
}

func (m *Memory) UpdateImportFile(ctx context.Context, f *model.ImportFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; !ok {
		return fmt.Errorf("import file %s: %w", f.ID, ErrNotFound)
	}
	m.files[f.ID] = *f
	return nil
}

func (m *Memory) CreateImportJob(ctx context.Context, j *model.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("import job %s: %w", j.ID, ErrDuplicate)
	}
	m.jobs[j.ID] = *j
	return nil
}

func (m *Memory) GetImportJob(ctx context.Context, id string) (*model.ImportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("import job %s: %w", id, ErrNotFound)
	}
	return &j, nil
}

func (m *Memory) UpdateImportJob(ctx context.Context, j *model.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return fmt.Errorf("import job %s: %w", j.ID, ErrNotFound)
	}
	m.jobs[j.ID] = *j
	return nil
}

func (m *Memory) ImportJobsByFile(ctx context.Context, fileID string) ([]*model.ImportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ImportJob
	for _, j := range m.jobs {
		if j.FileID == fileID {
			cp := j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SheetIndex < out[k].SheetIndex })
	return out, nil
}

func (m *Memory) CreateDataset(ctx context.Context, d *model.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sets[d.ID]; ok {
		return fmt.Errorf("dataset %s: %w", d.ID, ErrDuplicate)
	}
	m.sets[d.ID] = *d
	return nil
}

func (m *Memory) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.sets[id]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

func (m *Memory) LatestSchema(ctx context.Context, datasetID string) (*model.DatasetSchema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.schemas[datasetID]
	if len(versions) == 0 {
		return nil, nil
	}
	latest := versions[len(versions)-1]
	return &latest, nil
}

func (m *Memory) CreateSchemaVersion(ctx context.Context, s *model.DatasetSchema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.schemas[s.DatasetID] {
		if v.Version == s.Version {
			return fmt.Errorf("schema version %d: %w", s.Version, ErrDuplicate)
		}
	}
	m.schemas[s.DatasetID] = append(m.schemas[s.DatasetID], *s)
	sort.Slice(m.schemas[s.DatasetID], func(i, k int) bool {
		return m.schemas[s.DatasetID][i].Version < m.schemas[s.DatasetID][k].Version
	})
	return nil
}

func (m *Memory) CreateEvent(ctx context.Context, e *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.DatasetID == e.DatasetID && ev.UniqueID == e.UniqueID && ev.Version == e.Version {
			return fmt.Errorf("event %s v%d: %w", e.UniqueID, e.Version, ErrDuplicate)
		}
	}
	m.events = append(m.events, *e)
	return nil
}

func (m *Memory) UpdateEvent(ctx context.Context, e *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ev := range m.events {
		if ev.ID == e.ID {
			m.events[i] = *e
			return nil
		}
	}
	return fmt.Errorf("event %s: %w", e.ID, ErrNotFound)
}

func (m *Memory) GetEventByUniqueID(ctx context.Context, datasetID, uniqueID string) (*model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.DatasetID == datasetID && ev.UniqueID == uniqueID {
			cp := ev
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("event %s: %w", uniqueID, ErrNotFound)
}

func (m *Memory) MaxEventVersion(ctx context.Context, datasetID, uniqueID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := -1
	for _, ev := range m.events {
		if ev.DatasetID == datasetID && ev.UniqueID == uniqueID && ev.Version > max {
			max = ev.Version
		}
	}
	return max, nil
}

func (m *Memory) ExistingEventUniqueIDs(ctx context.Context, datasetID string, ids []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	seen := map[string]struct{}{}
	var out []string
	for _, ev := range m.events {
		if ev.DatasetID != datasetID {
			continue
		}
		if _, ok := want[ev.UniqueID]; !ok {
			continue
		}
		if _, dup := seen[ev.UniqueID]; dup {
			continue
		}
		seen[ev.UniqueID] = struct{}{}
		out = append(out, ev.UniqueID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) CountEventsByJob(ctx context.Context, jobID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, ev := range m.events {
		if ev.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountGeocodedEventsByJob(ctx context.Context, jobID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, ev := range m.events {
		if ev.JobID == jobID && ev.CoordSource == model.CoordSourceGeocoded {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountEventsByOwner(ctx context.Context, ownerID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owned := map[string]struct{}{}
	for id, d := range m.sets {
		if d.OwnerID == ownerID {
			owned[id] = struct{}{}
		}
	}
	var n int64
	for _, ev := range m.events {
		if _, ok := owned[ev.DatasetID]; ok {
			n++
		}
	}
	return n, nil
}

func batchKey(jobID string, stage model.Stage, batch int) string {
	return strings.Join([]string{jobID, string(stage), fmt.Sprint(batch)}, "|")
}

func (m *Memory) MarkBatchDone(ctx context.Context, jobID string, stage model.Stage, batch int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[batchKey(jobID, stage, batch)] = struct{}{}
	return nil
}

func (m *Memory) BatchDone(ctx context.Context, jobID string, stage model.Stage, batch int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.batches[batchKey(jobID, stage, batch)]
	return ok, nil
}
