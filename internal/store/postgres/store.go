// Package postgres implements a Postgres-backed store.Store using pgx v5.
// Entities are persisted as JSONB documents alongside the handful of columns
// the pipeline filters or enforces uniqueness on.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"geoimport/internal/model"
	"geoimport/internal/store"
)

// newPool is a test hook that points to pgxpool.New by default.
var newPool = pgxpool.New

func init() {
	store.Register("postgres", func(ctx context.Context, cfg store.Config) (store.Store, error) {
		pool, err := newPool(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("pgxpool: %w", err)
		}
		return &Store{pool: pool}, nil
	})
}

// Store is a Postgres-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var bootstrapDDL = []string{
	`CREATE TABLE IF NOT EXISTS import_files (
		id       text PRIMARY KEY,
		owner_id text NOT NULL,
		doc      jsonb NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS import_jobs (
		id      text PRIMARY KEY,
		file_id text NOT NULL,
		doc     jsonb NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS import_jobs_file_idx ON import_jobs (file_id)`,
	`CREATE TABLE IF NOT EXISTS datasets (
		id       text PRIMARY KEY,
		owner_id text NOT NULL,
		doc      jsonb NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dataset_schemas (
		id         text PRIMARY KEY,
		dataset_id text NOT NULL,
		version    integer NOT NULL,
		doc        jsonb NOT NULL,
		UNIQUE (dataset_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id           text PRIMARY KEY,
		dataset_id   text NOT NULL,
		job_id       text NOT NULL,
		unique_id    text NOT NULL,
		version      integer NOT NULL,
		coord_source text NOT NULL,
		doc          jsonb NOT NULL,
		UNIQUE (dataset_id, unique_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS events_job_idx ON events (job_id)`,
	`CREATE TABLE IF NOT EXISTS import_batches (
		job_id text NOT NULL,
		stage  text NOT NULL,
		batch  integer NOT NULL,
		PRIMARY KEY (job_id, stage, batch)
	)`,
}

// Bootstrap applies the idempotent DDL for every table the store uses.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, ddl := range bootstrapDDL {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) CreateImportFile(ctx context.Context, f *model.ImportFile) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal import file: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO import_files (id, owner_id, doc) VALUES ($1, $2, $3)`,
		f.ID, f.OwnerID, doc)
	if isUniqueViolation(err) {
		return fmt.Errorf("import file %s: %w", f.ID, store.ErrDuplicate)
	}
	return err
}

func (s *Store) GetImportFile(ctx context.Context, id string) (*model.ImportFile, error) {
	var f model.ImportFile
	err := s.getDoc(ctx, `SELECT doc FROM import_files WHERE id = $1`, id, &f)
	if err != nil {
		return nil, fmt.Errorf("import file %s: %w", id, err)
	}
	return &f, nil
}

func (s *Store) UpdateImportFile(ctx context.Context, f *model.ImportFile) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal import file: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_files SET doc = $2 WHERE id = $1`, f.ID, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("import file %s: %w", f.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateImportJob(ctx context.Context, j *model.ImportJob) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal import job: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO import_jobs (id, file_id, doc) VALUES ($1, $2, $3)`,
		j.ID, j.FileID, doc)
	if isUniqueViolation(err) {
		return fmt.Errorf("import job %s: %w", j.ID, store.ErrDuplicate)
	}
	return err
}

func (s *Store) GetImportJob(ctx context.Context, id string) (*model.ImportJob, error) {
	var j model.ImportJob
	if err := s.getDoc(ctx, `SELECT doc FROM import_jobs WHERE id = $1`, id, &j); err != nil {
		return nil, fmt.Errorf("import job %s: %w", id, err)
	}
	return &j, nil
}

func (s *Store) UpdateImportJob(ctx context.Context, j *model.ImportJob) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal import job: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_jobs SET doc = $2 WHERE id = $1`, j.ID, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("import job %s: %w", j.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ImportJobsByFile(ctx context.Context, fileID string) ([]*model.ImportJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM import_jobs WHERE file_id = $1
		 ORDER BY (doc->>'sheet_index')::int`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ImportJob
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var j model.ImportJob
		if err := json.Unmarshal(doc, &j); err != nil {
			return nil, fmt.Errorf("unmarshal import job: %w", err)
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (s *Store) CreateDataset(ctx context.Context, d *model.Dataset) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dataset: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO datasets (id, owner_id, doc) VALUES ($1, $2, $3)`,
		d.ID, d.OwnerID, doc)
	if isUniqueViolation(err) {
		return fmt.Errorf("dataset %s: %w", d.ID, store.ErrDuplicate)
	}
	return err
}

func (s *Store) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	var d model.Dataset
	if err := s.getDoc(ctx, `SELECT doc FROM datasets WHERE id = $1`, id, &d); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", id, err)
	}
	return &d, nil
}

func (s *Store) LatestSchema(ctx context.Context, datasetID string) (*model.DatasetSchema, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM dataset_schemas WHERE dataset_id = $1
		 ORDER BY version DESC LIMIT 1`, datasetID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ds model.DatasetSchema
	if err := json.Unmarshal(doc, &ds); err != nil {
		return nil, fmt.Errorf("unmarshal schema version: %w", err)
	}
	return &ds, nil
}

func (s *Store) CreateSchemaVersion(ctx context.Context, ds *model.DatasetSchema) error {
	doc, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("marshal schema version: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dataset_schemas (id, dataset_id, version, doc) VALUES ($1, $2, $3, $4)`,
		ds.ID, ds.DatasetID, ds.Version, doc)
	if isUniqueViolation(err) {
		return fmt.Errorf("schema version %d: %w", ds.Version, store.ErrDuplicate)
	}
	return err
}

func (s *Store) CreateEvent(ctx context.Context, e *model.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (id, dataset_id, job_id, unique_id, version, coord_source, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.DatasetID, e.JobID, e.UniqueID, e.Version, e.CoordSource, doc)
	if isUniqueViolation(err) {
		return fmt.Errorf("event %s v%d: %w", e.UniqueID, e.Version, store.ErrDuplicate)
	}
	return err
}

func (s *Store) UpdateEvent(ctx context.Context, e *model.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE events SET coord_source = $2, doc = $3 WHERE id = $1`,
		e.ID, e.CoordSource, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", e.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetEventByUniqueID(ctx context.Context, datasetID, uniqueID string) (*model.Event, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM events WHERE dataset_id = $1 AND unique_id = $2
		 ORDER BY version LIMIT 1`, datasetID, uniqueID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", uniqueID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var e model.Event
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &e, nil
}

func (s *Store) MaxEventVersion(ctx context.Context, datasetID, uniqueID string) (int, error) {
	var max int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), -1) FROM events
		 WHERE dataset_id = $1 AND unique_id = $2`, datasetID, uniqueID).Scan(&max)
	return max, err
}

func (s *Store) ExistingEventUniqueIDs(ctx context.Context, datasetID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT unique_id FROM events
		 WHERE dataset_id = $1 AND unique_id = ANY($2)
		 ORDER BY unique_id`, datasetID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) CountEventsByJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE job_id = $1`, jobID).Scan(&n)
	return n, err
}

func (s *Store) CountGeocodedEventsByJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE job_id = $1 AND coord_source = $2`,
		jobID, model.CoordSourceGeocoded).Scan(&n)
	return n, err
}

func (s *Store) CountEventsByOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events e
		 JOIN datasets d ON d.id = e.dataset_id
		 WHERE d.owner_id = $1`, ownerID).Scan(&n)
	return n, err
}

func (s *Store) MarkBatchDone(ctx context.Context, jobID string, stage model.Stage, batch int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_batches (job_id, stage, batch) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`, jobID, string(stage), batch)
	return err
}

func (s *Store) BatchDone(ctx context.Context, jobID string, stage model.Stage, batch int) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM import_batches
		 WHERE job_id = $1 AND stage = $2 AND batch = $3`,
		jobID, string(stage), batch).Scan(&n)
	return n > 0, err
}

// getDoc runs a single-row doc query and unmarshals the result into out,
// mapping pgx.ErrNoRows to store.ErrNotFound.
func (s *Store) getDoc(ctx context.Context, sql, id string, out any) error {
	var doc []byte
	err := s.pool.QueryRow(ctx, sql, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, out)
}
