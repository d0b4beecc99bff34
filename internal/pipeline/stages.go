package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"geoimport/internal/bitmap"
	"geoimport/internal/dedup"
	"geoimport/internal/geocode"
	"geoimport/internal/metrics"
	"geoimport/internal/model"
	"geoimport/internal/schema"
)

// analyzeDuplicates scans one batch of rows through the duplicate scanner.
// The scanner state and the batch cursor are persisted in the same job write,
// so a redelivered task resumes from a consistent point.
func (p *Pipeline) analyzeDuplicates(ctx context.Context, job *model.ImportJob) error {
	dataset, err := p.Store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return err
	}

	if !dataset.Dedup.Enabled {
		job.Duplicates = &model.DuplicateAnalysis{
			TotalRows:  job.RowsTotal,
			UniqueRows: job.RowsTotal,
		}
		if err := p.transition(ctx, job, model.StageDetectSchema); err != nil {
			return err
		}
		return p.enqueueAdvance(ctx, job)
	}

	scanner := dedup.NewScanner(dataset.IDConfig)
	if len(job.DedupSnapshot) > 0 {
		if scanner, err = dedup.Restore(job.DedupSnapshot); err != nil {
			return err
		}
	}

	path, err := p.sourcePath(ctx, job)
	if err != nil {
		return err
	}
	rows, err := p.Reader.ReadBatch(ctx, path, p.batchOptions(job))
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}
	scanner.ObserveBatch(rows)
	job.RowsProcessed += len(rows)
	metrics.RecordBatches(string(job.Stage), 1)

	if len(rows) == p.BatchSize {
		snap, err := scanner.Snapshot()
		if err != nil {
			return err
		}
		job.DedupSnapshot = snap
		if err := p.transition(ctx, job, job.Stage); err != nil {
			return err
		}
		return p.enqueueAdvance(ctx, job)
	}

	// Source exhausted: resolve external duplicates and persist the analysis.
	analysis, err := scanner.Finalize(ctx, p.Store, dataset.ID, dedup.DefaultChunkSize)
	if err != nil {
		return err
	}
	appendRowErrors(job, scanner.Errors)
	job.Duplicates = analysis
	job.RowsTotal = analysis.TotalRows
	job.DedupSnapshot = nil
	p.log.Info("duplicate analysis done", "job", job.ID,
		"rows", analysis.TotalRows,
		"internal", analysis.InternalDuplicates,
		"external", analysis.ExternalDuplicates)
	if err := p.transition(ctx, job, model.StageDetectSchema); err != nil {
		return err
	}
	return p.enqueueAdvance(ctx, job)
}

// detectSchema feeds one batch of non-duplicate rows into the schema builder.
func (p *Pipeline) detectSchema(ctx context.Context, job *model.ImportJob) error {
	builder := schema.NewBuilder()
	if len(job.BuilderSnapshot) > 0 {
		var err error
		if builder, err = schema.Restore(job.BuilderSnapshot); err != nil {
			return err
		}
	}

	skip := duplicateSet(job.Duplicates)

	path, err := p.sourcePath(ctx, job)
	if err != nil {
		return err
	}
	rows, err := p.Reader.ReadBatch(ctx, path, p.batchOptions(job))
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}
	for _, row := range rows {
		if skip.Has(row.Number) {
			continue
		}
		builder.ObserveRow(row.Values)
	}
	job.RowsProcessed += len(rows)
	metrics.RecordBatches(string(job.Stage), 1)

	if len(rows) == p.BatchSize {
		snap, err := builder.Snapshot()
		if err != nil {
			return err
		}
		job.BuilderSnapshot = snap
		if err := p.transition(ctx, job, job.Stage); err != nil {
			return err
		}
		return p.enqueueAdvance(ctx, job)
	}

	detected := builder.Finalize()
	job.DetectedSchema = &detected
	job.BuilderSnapshot = nil
	p.log.Info("schema detected", "job", job.ID, "fields", len(detected.Fields))
	if err := p.transition(ctx, job, model.StageValidateSchema); err != nil {
		return err
	}
	return p.enqueueAdvance(ctx, job)
}

// validateSchema compares the detected schema against the dataset's latest
// version and applies the schema policy. The verdict is persisted on the job
// in the same write as the resulting stage.
func (p *Pipeline) validateSchema(ctx context.Context, job *model.ImportJob) error {
	if job.DetectedSchema == nil {
		return fmt.Errorf("job %s has no detected schema", job.ID)
	}
	dataset, err := p.Store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return err
	}
	latest, err := p.Store.LatestSchema(ctx, job.DatasetID)
	if err != nil {
		return err
	}

	// First import: there is nothing to diff against, the detected schema
	// becomes version 1 regardless of mode.
	if latest == nil {
		job.SchemaVerdict = &model.SchemaVerdict{AutoApproved: true}
		if err := p.transition(ctx, job, model.StageCreateSchemaVersion); err != nil {
			return err
		}
		if p.ValidateOnly {
			return nil
		}
		return p.enqueueAdvance(ctx, job)
	}

	diff := schema.Compare(latest.Schema, *job.DetectedSchema)
	decision := schema.Decide(dataset.Schema, diff)

	verdict := &model.SchemaVerdict{
		Breaking: diff.IsBreaking(),
		Reason:   decision.Reason,
	}
	if raw, err := json.Marshal(diff); err == nil {
		verdict.DiffJSON = raw
	}
	job.SchemaVerdict = verdict

	switch decision.Outcome {
	case schema.OutcomeFail:
		return p.failJob(ctx, job, fmt.Errorf("schema validation: %s", decision.Reason))

	case schema.OutcomeRequireApproval:
		verdict.RequiresApproval = true
		p.log.Info("schema change awaiting approval",
			"job", job.ID, "reason", decision.Reason)
		return p.transition(ctx, job, model.StageAwaitApproval)

	case schema.OutcomeAutoApprove:
		// No change at all reuses the current version instead of minting an
		// identical new one.
		if diff.Empty() {
			job.SchemaVersion = latest.Version
		} else {
			verdict.AutoApproved = true
		}
		if err := p.transition(ctx, job, model.StageCreateSchemaVersion); err != nil {
			return err
		}
		if p.ValidateOnly {
			return nil
		}
		return p.enqueueAdvance(ctx, job)
	}
	return fmt.Errorf("unknown schema decision %q", decision.Outcome)
}

// createSchemaVersion publishes the detected schema through the versioning
// service. SchemaVersion on the job doubles as the idempotency guard: a
// redelivered task that already published skips straight to the transition.
func (p *Pipeline) createSchemaVersion(ctx context.Context, job *model.ImportJob) error {
	if job.SchemaVersion == 0 {
		approvedBy := ""
		if job.SchemaVerdict != nil {
			approvedBy = job.SchemaVerdict.ApprovedBy
		}
		ds, err := p.versioner.Publish(ctx, job.DatasetID, *job.DetectedSchema, approvedBy)
		if err != nil {
			return err
		}
		job.SchemaVersion = ds.Version
		p.log.Info("schema version created",
			"job", job.ID, "dataset", job.DatasetID, "version", ds.Version)
	}
	if err := p.transition(ctx, job, model.StageGeocodeBatch); err != nil {
		return err
	}
	return p.enqueueAdvance(ctx, job)
}

// geocodeBatch resolves the distinct location strings of one batch through
// the geocoder and merges the results into the job's persisted result map.
// Locations already resolved are not re-queried, so redelivery costs nothing.
func (p *Pipeline) geocodeBatch(ctx context.Context, job *model.ImportJob) error {
	dataset, err := p.Store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return err
	}
	if dataset.Mappings.Location == "" {
		if err := p.transition(ctx, job, model.StageCreateEvents); err != nil {
			return err
		}
		return p.enqueueAdvance(ctx, job)
	}

	results, err := geocode.Unmarshal(job.GeocodeResults)
	if err != nil {
		return err
	}

	path, err := p.sourcePath(ctx, job)
	if err != nil {
		return err
	}
	rows, err := p.Reader.ReadBatch(ctx, path, p.batchOptions(job))
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}

	var pendingLocs []string
	seen := map[string]struct{}{}
	for _, row := range rows {
		loc := row.Values[dataset.Mappings.Location]
		if loc == "" {
			continue
		}
		if _, ok := results[loc]; ok {
			continue
		}
		if _, ok := seen[loc]; ok {
			continue
		}
		seen[loc] = struct{}{}
		pendingLocs = append(pendingLocs, loc)
	}
	if len(pendingLocs) > 0 {
		resolved, err := p.Geocoder.Resolve(ctx, pendingLocs)
		if err != nil {
			return fmt.Errorf("geocode: %w", err)
		}
		for loc, res := range resolved {
			results[loc] = res
		}
	}
	raw, err := results.Marshal()
	if err != nil {
		return err
	}
	job.GeocodeResults = raw
	job.RowsProcessed += len(rows)
	metrics.RecordBatches(string(job.Stage), 1)

	if len(rows) == p.BatchSize {
		if err := p.transition(ctx, job, job.Stage); err != nil {
			return err
		}
		return p.enqueueAdvance(ctx, job)
	}

	p.log.Info("geocoding done", "job", job.ID, "locations", len(results))
	if err := p.transition(ctx, job, model.StageCreateEvents); err != nil {
		return err
	}
	return p.enqueueAdvance(ctx, job)
}

// duplicateSet builds the row-number skip set from a duplicate analysis.
func duplicateSet(d *model.DuplicateAnalysis) *bitmap.RowSet {
	set := bitmap.New(0)
	if d == nil {
		return set
	}
	for row := range d.DuplicateRowSet() {
		set.Add(row)
	}
	return set
}
