package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"geoimport/internal/model"
)

// VersionStore is the slice of the entity store the versioning service needs.
type VersionStore interface {
	// LatestSchema returns the newest schema version for a dataset, or nil
	// when the dataset has none yet.
	LatestSchema(ctx context.Context, datasetID string) (*model.DatasetSchema, error)
	// CreateSchemaVersion persists a new version; it must reject duplicate
	// (dataset, version) pairs.
	CreateSchemaVersion(ctx context.Context, s *model.DatasetSchema) error
}

// Versioner publishes new immutable dataset schema versions. Both the
// auto-approved and the manually-approved paths go through Publish, so a
// version can never be created twice for one approval.
type Versioner struct {
	Store VersionStore

	// nowFn is a test seam.
	nowFn func() time.Time
}

// NewVersioner returns a Versioner backed by store.
func NewVersioner(store VersionStore) *Versioner {
	return &Versioner{Store: store, nowFn: time.Now}
}

// Publish creates the next schema version for the dataset. approvedBy is
// empty for auto-approval.
func (v *Versioner) Publish(ctx context.Context, datasetID string, s model.Schema, approvedBy string) (*model.DatasetSchema, error) {
	latest, err := v.Store.LatestSchema(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("load latest schema: %w", err)
	}
	next := 1
	if latest != nil {
		next = latest.Version + 1
	}
	ds := &model.DatasetSchema{
		ID:           uuid.NewString(),
		DatasetID:    datasetID,
		Version:      next,
		Schema:       s,
		AutoApproved: approvedBy == "",
		ApprovedBy:   approvedBy,
		CreatedAt:    v.nowFn(),
	}
	if err := v.Store.CreateSchemaVersion(ctx, ds); err != nil {
		return nil, fmt.Errorf("create schema version %d: %w", next, err)
	}
	return ds, nil
}
