package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"geoimport/internal/bitmap"
	"geoimport/internal/geocode"
	"geoimport/internal/metrics"
	"geoimport/internal/model"
	"geoimport/internal/quota"
	"geoimport/internal/store"
	"geoimport/internal/transform"
	"geoimport/internal/uniqueid"
)

// timestampFallbacks are the field names tried, in order, when the dataset
// maps no timestamp field.
var timestampFallbacks = []string{
	"timestamp", "datetime", "date", "occurred_at", "created_at", "event_date",
}

// timestampLayouts are tried in order when parsing a timestamp value.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

// createEvents materializes one batch of rows into events. The durable batch
// marker makes the side effects at-most-once under task redelivery: a marked
// batch is skipped wholesale, and individual duplicate-key insert errors from
// a partially-written batch are absorbed.
func (p *Pipeline) createEvents(ctx context.Context, job *model.ImportJob) error {
	dataset, err := p.Store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return err
	}
	file, err := p.Store.GetImportFile(ctx, job.FileID)
	if err != nil {
		return err
	}

	if job.RowsProcessed == 0 {
		if err := p.checkQuotas(ctx, job, dataset, file.OwnerID); err != nil {
			if errors.Is(err, errQuotaDenied) {
				return nil // job already failed
			}
			return err
		}
	}

	rules, err := p.transformRules(dataset)
	if err != nil {
		return p.failJob(ctx, job, fmt.Errorf("transform rules: %w", err))
	}
	results, err := geocode.Unmarshal(job.GeocodeResults)
	if err != nil {
		return err
	}

	strategy := dataset.Dedup.Strategy
	if strategy == "" {
		strategy = model.DedupSkip
	}
	skip := duplicateSet(job.Duplicates)
	externalIDs := map[string]struct{}{}
	if strategy != model.DedupSkip && job.Duplicates != nil {
		// Internal repeats are always skipped; only the first occurrence of
		// an externally-known ID flows through the update/version path.
		skip = internalDuplicateSet(job.Duplicates)
		for _, d := range job.Duplicates.External {
			externalIDs[d.UniqueID] = struct{}{}
		}
	}

	rows, err := p.Reader.ReadBatch(ctx, file.StoragePath, p.batchOptions(job))
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}

	batch := job.RowsProcessed / p.BatchSize
	done, err := p.Store.BatchDone(ctx, job.ID, job.Stage, batch)
	if err != nil {
		return err
	}

	if !done {
		for _, row := range rows {
			if skip.Has(row.Number) {
				continue
			}
			if err := p.materializeRow(ctx, job, dataset, row.Number, row.Values, rules, results, strategy, externalIDs); err != nil {
				return err
			}
		}
		if err := p.Store.MarkBatchDone(ctx, job.ID, job.Stage, batch); err != nil {
			return err
		}
		metrics.RecordBatches(string(job.Stage), 1)
	}

	job.RowsProcessed += len(rows)
	if len(rows) == p.BatchSize {
		if err := p.transition(ctx, job, job.Stage); err != nil {
			return err
		}
		return p.enqueueAdvance(ctx, job)
	}
	return p.completeJob(ctx, job)
}

// errQuotaDenied signals that checkQuotas already failed the job.
var errQuotaDenied = errors.New("quota denied")

// checkQuotas gates event creation on the projected event count. It runs once
// per job, before the first batch writes anything.
func (p *Pipeline) checkQuotas(ctx context.Context, job *model.ImportJob, dataset *model.Dataset, ownerID string) error {
	projected := int64(job.RowsTotal)
	if d := job.Duplicates; d != nil && dataset.Dedup.Enabled {
		switch dataset.Dedup.Strategy {
		case model.DedupUpdate, model.DedupVersion:
			projected = int64(d.UniqueRows)
		default:
			projected = int64(d.UniqueRows - d.ExternalDuplicates)
		}
	}
	for _, kind := range []string{quota.KindEventsPerImport, quota.KindEventsPerUser} {
		check, err := p.Quota.Check(ctx, ownerID, kind, projected)
		if err != nil {
			return fmt.Errorf("quota check: %w", err)
		}
		if !check.Allowed {
			if err := p.failJob(ctx, job, quota.ErrExceeded(kind, check, projected)); err != nil {
				return err
			}
			return errQuotaDenied
		}
	}
	return nil
}

// transformRules decodes the dataset's transform pipeline. Transforms are
// applied only when the dataset allows them.
func (p *Pipeline) transformRules(dataset *model.Dataset) (transform.Pipeline, error) {
	if !dataset.Schema.AllowTransformations || len(dataset.Transforms) == 0 {
		return nil, nil
	}
	return transform.DecodeRules(dataset.Transforms)
}

// materializeRow builds and persists one event. Duplicate-key errors from the
// store are absorbed: they mean a redelivered task is re-walking a batch that
// partially committed before the marker was written.
func (p *Pipeline) materializeRow(
	ctx context.Context,
	job *model.ImportJob,
	dataset *model.Dataset,
	rowNum int,
	values map[string]string,
	rules transform.Pipeline,
	results geocode.Results,
	strategy string,
	externalIDs map[string]struct{},
) error {
	payload := make(map[string]any, len(values))
	for k, v := range values {
		payload[k] = v
	}

	var applied []string
	status := "valid"
	if len(rules) > 0 {
		var errs []transform.FieldError
		applied, errs = rules.Apply(payload)
		if len(errs) > 0 {
			status = "warnings"
			for _, e := range errs {
				appendRowErrors(job, []model.RowError{{Row: rowNum, Field: e.Field, Message: e.Message}})
			}
		}
	}

	// The ID comes from the transformed row, so renames and normalizations
	// feed the configured strategy the final field values.
	id, err := uniqueid.Generate(payloadStrings(payload), dataset.IDConfig)
	if err != nil {
		appendRowErrors(job, []model.RowError{{Row: rowNum, Message: err.Error()}})
		return nil
	}

	coords, source := resolveCoordinates(payload, dataset.Mappings, results)
	ts := resolveTimestamp(payload, dataset.Mappings, p.nowFn)

	// Rows whose ID already exists in the dataset take the configured
	// conflict path instead of a plain insert.
	if _, external := externalIDs[id]; external {
		switch strategy {
		case model.DedupUpdate:
			return p.updateExistingEvent(ctx, job, dataset.ID, id, payload, ts, coords, source, applied, status)
		case model.DedupVersion:
			max, err := p.Store.MaxEventVersion(ctx, dataset.ID, id)
			if err != nil {
				return err
			}
			return p.insertEvent(ctx, job, dataset.ID, id, max+1, payload, ts, coords, source, applied, status)
		}
	}
	return p.insertEvent(ctx, job, dataset.ID, id, 0, payload, ts, coords, source, applied, status)
}

func (p *Pipeline) insertEvent(
	ctx context.Context,
	job *model.ImportJob,
	datasetID, uniqueID string,
	version int,
	payload map[string]any,
	ts time.Time,
	coords *model.Coordinates,
	source string,
	applied []string,
	status string,
) error {
	event := &model.Event{
		ID:               uuid.NewString(),
		DatasetID:        datasetID,
		JobID:            job.ID,
		UniqueID:         uniqueID,
		Version:          version,
		Payload:          payload,
		Timestamp:        ts,
		Coordinates:      coords,
		CoordSource:      source,
		SchemaVersion:    job.SchemaVersion,
		TransformLog:     applied,
		ValidationStatus: status,
		CreatedAt:        p.nowFn(),
	}
	err := p.Store.CreateEvent(ctx, event)
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	return err
}

func (p *Pipeline) updateExistingEvent(
	ctx context.Context,
	job *model.ImportJob,
	datasetID, uniqueID string,
	payload map[string]any,
	ts time.Time,
	coords *model.Coordinates,
	source string,
	applied []string,
	status string,
) error {
	existing, err := p.Store.GetEventByUniqueID(ctx, datasetID, uniqueID)
	if errors.Is(err, store.ErrNotFound) {
		// The analysis saw it but it is gone now; create instead.
		return p.insertEvent(ctx, job, datasetID, uniqueID, 0, payload, ts, coords, source, applied, status)
	}
	if err != nil {
		return err
	}
	existing.Payload = payload
	existing.Timestamp = ts
	existing.Coordinates = coords
	existing.CoordSource = source
	existing.TransformLog = applied
	existing.ValidationStatus = status
	existing.JobID = job.ID
	existing.SchemaVersion = job.SchemaVersion
	return p.Store.UpdateEvent(ctx, existing)
}

// resolveCoordinates applies the coordinate priority order: valid mapped
// import coordinates win, then geocoded results for the mapped location, then
// none. Out-of-range import values fall through rather than failing the row.
func resolveCoordinates(payload map[string]any, m model.FieldMappings, results geocode.Results) (*model.Coordinates, string) {
	if m.Latitude != "" && m.Longitude != "" {
		lat, okLat := parseFloat(payload[m.Latitude])
		lng, okLng := parseFloat(payload[m.Longitude])
		if okLat && okLng {
			c := model.Coordinates{Lat: lat, Lng: lng}
			if c.Valid() {
				return &c, model.CoordSourceImport
			}
		}
	}
	if m.Location != "" {
		if res, ok := results.Lookup(asString(payload[m.Location])); ok {
			c := res.Coordinates
			return &c, model.CoordSourceGeocoded
		}
	}
	return nil, model.CoordSourceNone
}

// resolveTimestamp applies the timestamp priority order: the mapped field,
// then well-known fallback field names, then the processing time.
func resolveTimestamp(payload map[string]any, m model.FieldMappings, now func() time.Time) time.Time {
	if m.Timestamp != "" {
		if ts, ok := parseTime(payload[m.Timestamp]); ok {
			return ts
		}
	}
	for _, name := range timestampFallbacks {
		if v, present := payload[name]; present {
			if ts, ok := parseTime(v); ok {
				return ts
			}
		}
	}
	return now()
}

func parseTime(v any) (time.Time, bool) {
	if t, ok := v.(time.Time); ok {
		return t, true
	}
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// payloadStrings flattens a transformed payload back to the string map the
// unique-ID strategies consume.
func payloadStrings(payload map[string]any) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		out[k] = asString(v)
	}
	return out
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// internalDuplicateSet builds a skip set of internal duplicate rows only.
func internalDuplicateSet(d *model.DuplicateAnalysis) *bitmap.RowSet {
	set := bitmap.New(0)
	for _, r := range d.Internal {
		set.Add(r.Row)
	}
	return set
}
