// Package sqlite implements a SQLite-backed store.Store using database/sql.
// Entities are stored as JSON text documents plus the columns used for
// filtering and uniqueness, mirroring the Postgres layout.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // alternative: github.com/mattn/go-sqlite3

	"geoimport/internal/model"
	"geoimport/internal/store"
)

func init() {
	store.Register("sqlite", func(ctx context.Context, cfg store.Config) (store.Store, error) {
		return Open(ctx, cfg.DSN)
	})
}

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens a SQLite database at the given DSN and fails fast on invalid
// DSNs. For example:
//
//	"file:import.db?cache=shared&_fk=1"
//	"import.db"
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON;")
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

var bootstrapDDL = []string{
	`CREATE TABLE IF NOT EXISTS import_files (
		id       TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		doc      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS import_jobs (
		id          TEXT PRIMARY KEY,
		file_id     TEXT NOT NULL,
		sheet_index INTEGER NOT NULL,
		doc         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS import_jobs_file_idx ON import_jobs (file_id)`,
	`CREATE TABLE IF NOT EXISTS datasets (
		id       TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		doc      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dataset_schemas (
		id         TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		version    INTEGER NOT NULL,
		doc        TEXT NOT NULL,
		UNIQUE (dataset_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id           TEXT PRIMARY KEY,
		dataset_id   TEXT NOT NULL,
		job_id       TEXT NOT NULL,
		unique_id    TEXT NOT NULL,
		version      INTEGER NOT NULL,
		coord_source TEXT NOT NULL,
		doc          TEXT NOT NULL,
		UNIQUE (dataset_id, unique_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS events_job_idx ON events (job_id)`,
	`CREATE TABLE IF NOT EXISTS import_batches (
		job_id TEXT NOT NULL,
		stage  TEXT NOT NULL,
		batch  INTEGER NOT NULL,
		PRIMARY KEY (job_id, stage, batch)
	)`,
}

// Bootstrap applies the idempotent DDL for every table the store uses.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, ddl := range bootstrapDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
// modernc.org/sqlite does not export a typed error for this, so the message
// is matched the same way its own test suite does.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) CreateImportFile(ctx context.Context, f *model.ImportFile) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal import file: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO import_files (id, owner_id, doc) VALUES (?, ?, ?)`,
		f.ID, f.OwnerID, string(doc))
	if isUniqueViolation(err) {
		return fmt.Errorf("import file %s: %w", f.ID, store.ErrDuplicate)
	}
	return err
}

func (s *Store) GetImportFile(ctx context.Context, id string) (*model.ImportFile, error) {
	var f model.ImportFile
	if err := s.getDoc(ctx, `SELECT doc FROM import_files WHERE id = ?`, id, &f); err != nil {
		return nil, fmt.Errorf("import file %s: %w", id, err)
	}
	return &f, nil
}

func (s *Store) UpdateImportFile(ctx context.Context, f *model.ImportFile) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal import file: %w", err)
	}
	return s.updateDoc(ctx, `UPDATE import_files SET doc = ? WHERE id = ?`,
		string(doc), f.ID, fmt.Sprintf("import file %s", f.ID))
}

func (s *Store) CreateImportJob(ctx context.Context, j *model.ImportJob) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal import job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO import_jobs (id, file_id, sheet_index, doc) VALUES (?, ?, ?, ?)`,
		j.ID, j.FileID, j.SheetIndex, string(doc))
	if isUniqueViolation(err) {
		return fmt.Errorf("import job %s: %w", j.ID, store.ErrDuplicate)
	}
	return err
}

func (s *Store) GetImportJob(ctx context.Context, id string) (*model.ImportJob, error) {
	var j model.ImportJob
	if err := s.getDoc(ctx, `SELECT doc FROM import_jobs WHERE id = ?`, id, &j); err != nil {
		return nil, fmt.Errorf("import job %s: %w", id, err)
	}
	return &j, nil
}

func (s *Store) UpdateImportJob(ctx context.Context, j *model.ImportJob) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal import job: %w", err)
	}
	return s.updateDoc(ctx, `UPDATE import_jobs SET doc = ? WHERE id = ?`,
		string(doc), j.ID, fmt.Sprintf("import job %s", j.ID))
}

func (s *Store) ImportJobsByFile(ctx context.Context, fileID string) ([]*model.ImportJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM import_jobs WHERE file_id = ? ORDER BY sheet_index`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ImportJob
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var j model.ImportJob
		if err := json.Unmarshal([]byte(doc), &j); err != nil {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO datasets (id, owner_id, doc) VALUES (?, ?, ?)`,
		d.ID, d.OwnerID, string(doc))
	if isUniqueViolation(err) {
		return fmt.Errorf("dataset %s: %w", d.ID, store.ErrDuplicate)
	}
	return err
}

func (s *Store) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	var d model.Dataset
	if err := s.getDoc(ctx, `SELECT doc FROM datasets WHERE id = ?`, id, &d); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", id, err)
	}
	return &d, nil
}

func (s *Store) LatestSchema(ctx context.Context, datasetID string) (*model.DatasetSchema, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM dataset_schemas WHERE dataset_id = ?
		 ORDER BY version DESC LIMIT 1`, datasetID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ds model.DatasetSchema
	if err := json.Unmarshal([]byte(doc), &ds); err != nil {
		return nil, fmt.Errorf("unmarshal schema version: %w", err)
	}
	return &ds, nil
}

func (s *Store) CreateSchemaVersion(ctx context.Context, ds *model.DatasetSchema) error {
	doc, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("marshal schema version: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dataset_schemas (id, dataset_id, version, doc) VALUES (?, ?, ?, ?)`,
		ds.ID, ds.DatasetID, ds.Version, string(doc))
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, dataset_id, job_id, unique_id, version, coord_source, doc)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DatasetID, e.JobID, e.UniqueID, e.Version, e.CoordSource, string(doc))
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET coord_source = ?, doc = ? WHERE id = ?`,
		e.CoordSource, string(doc), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %s: %w", e.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetEventByUniqueID(ctx context.Context, datasetID, uniqueID string) (*model.Event, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM events WHERE dataset_id = ? AND unique_id = ?
		 ORDER BY version LIMIT 1`, datasetID, uniqueID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", uniqueID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var e model.Event
	if err := json.Unmarshal([]byte(doc), &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &e, nil
}

func (s *Store) MaxEventVersion(ctx context.Context, datasetID, uniqueID string) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), -1) FROM events
		 WHERE dataset_id = ? AND unique_id = ?`, datasetID, uniqueID).Scan(&max)
	return max, err
}

func (s *Store) ExistingEventUniqueIDs(ctx context.Context, datasetID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, datasetID)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(
		`SELECT DISTINCT unique_id FROM events
		 WHERE dataset_id = ? AND unique_id IN (%s)
		 ORDER BY unique_id`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE job_id = ?`, jobID).Scan(&n)
	return n, err
}

func (s *Store) CountGeocodedEventsByJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE job_id = ? AND coord_source = ?`,
		jobID, model.CoordSourceGeocoded).Scan(&n)
	return n, err
}

func (s *Store) CountEventsByOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events e
		 JOIN datasets d ON d.id = e.dataset_id
		 WHERE d.owner_id = ?`, ownerID).Scan(&n)
	return n, err
}

func (s *Store) MarkBatchDone(ctx context.Context, jobID string, stage model.Stage, batch int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO import_batches (job_id, stage, batch) VALUES (?, ?, ?)`,
		jobID, string(stage), batch)
	return err
}

func (s *Store) BatchDone(ctx context.Context, jobID string, stage model.Stage, batch int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM import_batches
		 WHERE job_id = ? AND stage = ? AND batch = ?`,
		jobID, string(stage), batch).Scan(&n)
	return n > 0, err
}

func (s *Store) getDoc(ctx context.Context, query, id string, out any) error {
	var doc string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(doc), out)
}

func (s *Store) updateDoc(ctx context.Context, query, doc, id, what string) error {
	res, err := s.db.ExecContext(ctx, query, doc, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}
