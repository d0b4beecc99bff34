// Package store contains the storage-agnostic entity store contract and the
// backend factory. Concrete backends (Postgres, SQLite, memory) register
// themselves at init time via Register, so callers stay backend-agnostic and
// select a kind from configuration.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"geoimport/internal/model"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a uniqueness constraint is violated,
	// e.g. a repeated (dataset, version) schema pair or event unique ID.
	ErrDuplicate = errors.New("duplicate")
)

// Store is the entity store used by the import pipeline. Implementations must
// make every write durable before returning; stage handlers rely on that for
// crash-safe batch continuation.
type Store interface {
	// Bootstrap creates the backing tables when they do not exist yet.
	Bootstrap(ctx context.Context) error

	CreateImportFile(ctx context.Context, f *model.ImportFile) error
	GetImportFile(ctx context.Context, id string) (*model.ImportFile, error)
	UpdateImportFile(ctx context.Context, f *model.ImportFile) error

	CreateImportJob(ctx context.Context, j *model.ImportJob) error
	GetImportJob(ctx context.Context, id string) (*model.ImportJob, error)
	UpdateImportJob(ctx context.Context, j *model.ImportJob) error
	// ImportJobsByFile returns every sibling job of a file, for fan-in.
	ImportJobsByFile(ctx context.Context, fileID string) ([]*model.ImportJob, error)

	CreateDataset(ctx context.Context, d *model.Dataset) error
	GetDataset(ctx context.Context, id string) (*model.Dataset, error)

	// LatestSchema returns the newest schema version for a dataset, or nil.
	LatestSchema(ctx context.Context, datasetID string) (*model.DatasetSchema, error)
	// CreateSchemaVersion persists an immutable schema version; duplicate
	// (dataset, version) pairs return ErrDuplicate.
	CreateSchemaVersion(ctx context.Context, s *model.DatasetSchema) error

	CreateEvent(ctx context.Context, e *model.Event) error
	UpdateEvent(ctx context.Context, e *model.Event) error
	GetEventByUniqueID(ctx context.Context, datasetID, uniqueID string) (*model.Event, error)
	// MaxEventVersion returns the highest version stored for a unique ID, or
	// -1 when none exists.
	MaxEventVersion(ctx context.Context, datasetID, uniqueID string) (int, error)
	// ExistingEventUniqueIDs is the chunked membership query used by external
	// duplicate detection.
	ExistingEventUniqueIDs(ctx context.Context, datasetID string, ids []string) ([]string, error)

	// Durable counters; terminal job results are derived from these, never
	// from in-memory accumulation.
	CountEventsByJob(ctx context.Context, jobID string) (int64, error)
	CountGeocodedEventsByJob(ctx context.Context, jobID string) (int64, error)
	CountEventsByOwner(ctx context.Context, ownerID string) (int64, error)

	// Batch completion markers keyed by (job, stage, batch) make re-delivered
	// batch tasks a no-op.
	MarkBatchDone(ctx context.Context, jobID string, stage model.Stage, batch int) error
	BatchDone(ctx context.Context, jobID string, stage model.Stage, batch int) (bool, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Kind string // "postgres", "sqlite", "memory"
	DSN  string
}

// Factory builds a Store from a Config.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs (or replaces) the factory for a backend kind. Concrete
// backends call this from init.
func Register(kind string, fn Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = fn
}

// New constructs the Store for cfg.Kind. The backend package must have been
// imported (directly or via store/all) so its factory is registered.
func New(ctx context.Context, cfg Config) (Store, error) {
	mu.RLock()
	fn, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage kind %q is not registered", cfg.Kind)
	}
	return fn(ctx, cfg)
}

// ListKinds returns the registered backend kinds, for diagnostics.
func ListKinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
