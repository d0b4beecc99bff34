// Package model defines the persisted entities and value types shared by the
// import pipeline: files, jobs, datasets, schema versions, and materialized
// events. Everything here is JSON-serializable so snapshots and analysis
// results can be persisted on the job between task invocations.
package model

import (
	"encoding/json"
	"time"
)

// SheetMeta describes one sheet (or the single logical table of a CSV file)
// detected in an uploaded file.
type SheetMeta struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Rows    int    `json:"rows"`
	Columns int    `json:"columns"`
}

// ImportFile is one uploaded source file. It fans out into one ImportJob per
// detected sheet; its Status is recomputed from the child jobs each time one
// of them reaches a terminal stage.
type ImportFile struct {
	ID           string      `json:"id"`
	OwnerID      string      `json:"owner_id"`
	StoragePath  string      `json:"storage_path"`
	OriginalName string      `json:"original_name"`
	Sheets       []SheetMeta `json:"sheets,omitempty"`
	JobsTotal    int         `json:"jobs_total"`
	JobsDone     int         `json:"jobs_done"`
	Status       FileStatus  `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// DuplicateRow records one duplicate occurrence. Row numbers are 1-based data
// row positions (the header does not count).
type DuplicateRow struct {
	Row      int    `json:"row"`
	FirstRow int    `json:"first_row,omitempty"` // first occurrence, internal duplicates only
	UniqueID string `json:"unique_id"`
}

// DuplicateAnalysis is the persisted result of the duplicate-detection stage.
// Summary counters are derived once when the scan finishes; consumers must
// not recompute them.
type DuplicateAnalysis struct {
	TotalRows          int            `json:"total_rows"`
	UniqueRows         int            `json:"unique_rows"`
	Internal           []DuplicateRow `json:"internal,omitempty"`
	External           []DuplicateRow `json:"external,omitempty"`
	InternalDuplicates int            `json:"internal_duplicates"`
	ExternalDuplicates int            `json:"external_duplicates"`
}

// DuplicateRowSet returns the union of internal and external duplicate row
// numbers, the set the event materializer skips.
func (d *DuplicateAnalysis) DuplicateRowSet() map[int]struct{} {
	if d == nil {
		return map[int]struct{}{}
	}
	set := make(map[int]struct{}, len(d.Internal)+len(d.External))
	for _, r := range d.Internal {
		set[r.Row] = struct{}{}
	}
	for _, r := range d.External {
		set[r.Row] = struct{}{}
	}
	return set
}

// SchemaVerdict is the persisted outcome of the schema-validation stage.
type SchemaVerdict struct {
	RequiresApproval bool            `json:"requires_approval"`
	AutoApproved     bool            `json:"auto_approved"`
	Breaking         bool            `json:"breaking"`
	Reason           string          `json:"reason,omitempty"`
	ApprovedBy       string          `json:"approved_by,omitempty"` // set by manual approval
	DiffJSON         json.RawMessage `json:"diff,omitempty"`
}

// RowError is one non-fatal per-row failure kept on the job's error log.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// JobResult holds the final counters of a completed job. The values are
// derived from durable store counts, not from in-memory accumulation, so they
// stay correct when a batch task is re-delivered.
type JobResult struct {
	EventsCreated     int64 `json:"events_created"`
	DuplicatesSkipped int64 `json:"duplicates_skipped"`
	Geocoded          int64 `json:"geocoded"`
	Errors            int64 `json:"errors"`
}

// ImportJob is the unit of pipeline state for one sheet of one file. Stage
// handlers are its only writers.
type ImportJob struct {
	ID         string `json:"id"`
	FileID     string `json:"file_id"`
	DatasetID  string `json:"dataset_id"`
	SheetIndex int    `json:"sheet_index"`

	Stage         Stage `json:"stage"`
	RowsTotal     int   `json:"rows_total"`
	RowsProcessed int   `json:"rows_processed"`

	Duplicates      *DuplicateAnalysis `json:"duplicates,omitempty"`
	DedupSnapshot   json.RawMessage    `json:"dedup_snapshot,omitempty"`
	DetectedSchema  *Schema            `json:"detected_schema,omitempty"`
	BuilderSnapshot json.RawMessage    `json:"builder_snapshot,omitempty"`
	SchemaVerdict   *SchemaVerdict     `json:"schema_verdict,omitempty"`
	SchemaVersion   int                `json:"schema_version,omitempty"`

	// GeocodeResults maps a location string to a resolved result, filled by
	// the GEOCODE_BATCH stage and consumed read-only by event creation.
	GeocodeResults json.RawMessage `json:"geocode_results,omitempty"`

	RowErrors []RowError `json:"row_errors,omitempty"`
	Result    *JobResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Unique-ID strategies. A strategy is deterministic: the same row and config
// always produce the same ID.
const (
	IDStrategyAuto     = "auto"     // hash of every field
	IDStrategyExternal = "external" // value of one designated field
	IDStrategyHash     = "hash"     // hash of designated fields
	IDStrategyHybrid   = "hybrid"   // external field when present, hash fallback
)

// IDConfig selects how a row's unique ID is computed.
type IDConfig struct {
	Strategy      string   `json:"strategy"`
	Fields        []string `json:"fields,omitempty"`         // hash/hybrid: fields feeding the hash
	ExternalField string   `json:"external_field,omitempty"` // external/hybrid: source field
}

// Deduplication conflict strategies.
const (
	DedupSkip    = "skip"    // drop rows whose unique ID already exists
	DedupUpdate  = "update"  // overwrite the existing event's payload
	DedupVersion = "version" // insert a new event with an incremented version
)

// DedupConfig controls duplicate detection for a dataset.
type DedupConfig struct {
	Enabled  bool   `json:"enabled"`
	Strategy string `json:"strategy,omitempty"` // skip (default) | update | version
}

// Schema processing modes. Empty means "use the dataset's own configuration".
const (
	SchemaModeStrict   = "strict"
	SchemaModeAdditive = "additive"
	SchemaModeFlexible = "flexible"
)

// SchemaConfig controls how schema drift is handled for a dataset.
type SchemaConfig struct {
	Mode                   string `json:"mode,omitempty"`
	Locked                 bool   `json:"locked"`
	AutoGrow               bool   `json:"auto_grow"`
	AutoApproveNonBreaking bool   `json:"auto_approve_non_breaking"`
	AllowTransformations   bool   `json:"allow_transformations"`
}

// FieldMappings names the source fields used to resolve an event's
// coordinates, location string, and timestamp.
type FieldMappings struct {
	Latitude  string `json:"latitude,omitempty"`
	Longitude string `json:"longitude,omitempty"`
	Location  string `json:"location,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Dataset is the long-lived target collection for materialized events. The
// pipeline reads it and records new schema versions; it never mutates the
// configuration.
type Dataset struct {
	ID       string        `json:"id"`
	OwnerID  string        `json:"owner_id"`
	Name     string        `json:"name"`
	IDConfig IDConfig      `json:"id_config"`
	Dedup    DedupConfig   `json:"dedup"`
	Schema   SchemaConfig  `json:"schema"`
	Mappings FieldMappings `json:"mappings"`

	// Transforms holds the dataset's ordered transform rules as raw JSON; the
	// transform package decodes and validates them at pipeline-run time.
	Transforms json.RawMessage `json:"transforms,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DatasetSchema is one immutable, monotonically-versioned snapshot of a
// dataset's field schema. Created only by the versioning service.
type DatasetSchema struct {
	ID           string    `json:"id"`
	DatasetID    string    `json:"dataset_id"`
	Version      int       `json:"version"`
	Schema       Schema    `json:"schema"`
	AutoApproved bool      `json:"auto_approved"`
	ApprovedBy   string    `json:"approved_by,omitempty"` // empty for auto-approval
	CreatedAt    time.Time `json:"created_at"`
}

// Coordinate source tags on an event.
const (
	CoordSourceImport   = "import"
	CoordSourceGeocoded = "geocoded"
	CoordSourceNone     = "none"
)

// Coordinates is a validated latitude/longitude pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the pair is within [-90,90] / [-180,180].
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Event is one materialized output row. Immutable after creation except for
// later validation passes.
type Event struct {
	ID        string `json:"id"`
	DatasetID string `json:"dataset_id"`
	JobID     string `json:"job_id"`

	UniqueID string         `json:"unique_id"`
	Version  int            `json:"version"` // 0 unless the dataset versions duplicates
	Payload  map[string]any `json:"payload"`

	Timestamp   time.Time    `json:"timestamp"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	CoordSource string       `json:"coord_source"`

	SchemaVersion    int       `json:"schema_version"`
	TransformLog     []string  `json:"transform_log,omitempty"`
	ValidationStatus string    `json:"validation_status"`
	CreatedAt        time.Time `json:"created_at"`
}
