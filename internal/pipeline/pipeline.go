// Package pipeline implements the staged import pipeline. Each import job is
// a persisted state machine advanced one batch at a time by queue tasks; the
// stage handlers are the only writers of job state. Handlers are idempotent
// under redelivery: analysis state is persisted as snapshots together with
// the batch cursor, and event creation is guarded by durable batch markers.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"geoimport/internal/geocode"
	"geoimport/internal/metrics"
	"geoimport/internal/model"
	"geoimport/internal/queue"
	"geoimport/internal/quota"
	"geoimport/internal/reader"
	"geoimport/internal/schema"
	"geoimport/internal/store"
)

// TaskAdvance is the single task type driving job progress. The payload keys
// the work by (job, stage, batch); a delivery whose key no longer matches the
// job's persisted position is stale and is dropped without effect.
const TaskAdvance = "job.advance"

// DefaultBatchSize is the number of rows a stage processes per task.
const DefaultBatchSize = 500

// maxRowErrors bounds the per-job row error log so a pathological file cannot
// bloat the job record.
const maxRowErrors = 100

type advancePayload struct {
	JobID string `json:"job_id"`
	Stage string `json:"stage,omitempty"`
	Batch int    `json:"batch"`
}

// Pipeline wires the stage handlers to their collaborators.
type Pipeline struct {
	Store    store.Store
	Queue    queue.Enqueuer
	Reader   *reader.Reader
	Geocoder geocode.Geocoder
	Quota    quota.Service

	BatchSize int

	// ValidateOnly stops a job after schema validation: the verdict is
	// persisted but no schema version, geocoding, or events are produced.
	ValidateOnly bool

	versioner *schema.Versioner
	log       *slog.Logger
	nowFn     func() time.Time
}

// New returns a Pipeline with defaults filled in.
func New(st store.Store, q queue.Enqueuer, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		Store:     st,
		Queue:     q,
		Reader:    reader.New(),
		Geocoder:  geocode.NoOp{},
		Quota:     quota.Static{},
		BatchSize: DefaultBatchSize,
		versioner: schema.NewVersioner(st),
		log:       log,
		nowFn:     time.Now,
	}
}

// RegisterHandlers installs the pipeline's task handlers on the runner.
func (p *Pipeline) RegisterHandlers(r *queue.Runner) {
	r.Register(TaskAdvance, p.handleAdvance)
}

// handleAdvance is the TaskAdvance handler. A payload keyed to a stage or
// batch the job has already moved past is a stale redelivery; it is dropped
// so a re-ordered queue cannot re-run an earlier row window.
func (p *Pipeline) handleAdvance(ctx context.Context, task queue.Task) error {
	var payload advancePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("advance payload: %w", err)
	}
	job, err := p.Store.GetImportJob(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if payload.Stage != "" && (payload.Stage != string(job.Stage) || payload.Batch != p.currentBatch(job)) {
		p.log.Debug("dropping stale advance task",
			"job", job.ID, "task_stage", payload.Stage, "task_batch", payload.Batch,
			"stage", job.Stage, "batch", p.currentBatch(job))
		return nil
	}
	return p.advanceJob(ctx, job)
}

// SubmitOptions describes one uploaded file.
type SubmitOptions struct {
	OwnerID      string
	DatasetID    string
	Path         string
	OriginalName string
}

// SubmitFile registers an uploaded file, detects its sheets, fans out one
// import job per sheet, and enqueues the first advance task for each job.
func (p *Pipeline) SubmitFile(ctx context.Context, opts SubmitOptions) (*model.ImportFile, []*model.ImportJob, error) {
	if _, err := p.Store.GetDataset(ctx, opts.DatasetID); err != nil {
		return nil, nil, fmt.Errorf("submit: %w", err)
	}

	now := p.nowFn()
	file := &model.ImportFile{
		ID:           uuid.NewString(),
		OwnerID:      opts.OwnerID,
		StoragePath:  opts.Path,
		OriginalName: opts.OriginalName,
		Status:       model.FileStatusParsing,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.Store.CreateImportFile(ctx, file); err != nil {
		return nil, nil, fmt.Errorf("submit: %w", err)
	}

	sheets, err := p.Reader.Sheets(ctx, opts.Path)
	if err != nil {
		file.Status = model.FileStatusFailed
		file.UpdatedAt = p.nowFn()
		if uerr := p.Store.UpdateImportFile(ctx, file); uerr != nil {
			p.log.Error("update failed file", "file", file.ID, "error", uerr)
		}
		return nil, nil, fmt.Errorf("detect sheets: %w", err)
	}

	jobs := make([]*model.ImportJob, 0, len(sheets))
	for _, sheet := range sheets {
		job := &model.ImportJob{
			ID:         uuid.NewString(),
			FileID:     file.ID,
			DatasetID:  opts.DatasetID,
			SheetIndex: sheet.Index,
			Stage:      model.StagePending,
			RowsTotal:  sheet.Rows,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := p.Store.CreateImportJob(ctx, job); err != nil {
			return nil, nil, fmt.Errorf("create job for sheet %d: %w", sheet.Index, err)
		}
		jobs = append(jobs, job)
	}

	file.Sheets = sheets
	file.JobsTotal = len(jobs)
	file.Status = model.FileStatusProcessing
	file.UpdatedAt = p.nowFn()
	if err := p.Store.UpdateImportFile(ctx, file); err != nil {
		return nil, nil, fmt.Errorf("submit: %w", err)
	}

	for _, job := range jobs {
		if err := p.enqueueAdvance(ctx, job); err != nil {
			return nil, nil, err
		}
	}
	p.log.Info("file submitted",
		"file", file.ID, "dataset", opts.DatasetID, "sheets", len(jobs))
	return file, jobs, nil
}

// Advance runs one batch of the job's current stage from its persisted
// position. It bypasses the task-key staleness check and may be used to drive
// a job synchronously.
func (p *Pipeline) Advance(ctx context.Context, jobID string) error {
	job, err := p.Store.GetImportJob(ctx, jobID)
	if err != nil {
		return err
	}
	return p.advanceJob(ctx, job)
}

func (p *Pipeline) advanceJob(ctx context.Context, job *model.ImportJob) error {
	if job.Stage.Terminal() || job.Stage == model.StageAwaitApproval {
		return nil
	}

	start := p.nowFn()
	stage := job.Stage
	var err error
	switch stage {
	case model.StagePending:
		err = p.startJob(ctx, job)
	case model.StageAnalyzeDuplicates:
		err = p.analyzeDuplicates(ctx, job)
	case model.StageDetectSchema:
		err = p.detectSchema(ctx, job)
	case model.StageValidateSchema:
		err = p.validateSchema(ctx, job)
	case model.StageCreateSchemaVersion:
		err = p.createSchemaVersion(ctx, job)
	case model.StageGeocodeBatch:
		err = p.geocodeBatch(ctx, job)
	case model.StageCreateEvents:
		err = p.createEvents(ctx, job)
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}
	metrics.RecordStage(string(stage), err, time.Since(start))
	return err
}

// Approve releases a job waiting for schema approval. approvedBy must be the
// approving user; it is recorded on both the verdict and the schema version.
func (p *Pipeline) Approve(ctx context.Context, jobID, approvedBy string) error {
	job, err := p.Store.GetImportJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Stage != model.StageAwaitApproval {
		return fmt.Errorf("job %s is not awaiting approval (stage %s)", jobID, job.Stage)
	}
	if job.SchemaVerdict != nil {
		job.SchemaVerdict.ApprovedBy = approvedBy
	}
	if err := p.transition(ctx, job, model.StageCreateSchemaVersion); err != nil {
		return err
	}
	p.log.Info("schema approved", "job", jobID, "by", approvedBy)
	return p.enqueueAdvance(ctx, job)
}

// Reject fails a job waiting for schema approval.
func (p *Pipeline) Reject(ctx context.Context, jobID, reason string) error {
	job, err := p.Store.GetImportJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Stage != model.StageAwaitApproval {
		return fmt.Errorf("job %s is not awaiting approval (stage %s)", jobID, job.Stage)
	}
	p.log.Info("schema rejected", "job", jobID, "reason", reason)
	return p.failJob(ctx, job, fmt.Errorf("schema rejected: %s", reason))
}

// startJob moves a fresh job into duplicate analysis.
func (p *Pipeline) startJob(ctx context.Context, job *model.ImportJob) error {
	if _, err := p.Store.GetDataset(ctx, job.DatasetID); err != nil {
		return p.failJob(ctx, job, fmt.Errorf("load dataset: %w", err))
	}
	if err := p.transition(ctx, job, model.StageAnalyzeDuplicates); err != nil {
		return err
	}
	return p.enqueueAdvance(ctx, job)
}

// transition validates and persists a stage change. Moving to a new stage
// resets the batch cursor; a same-stage write keeps it, which is how batch
// handlers persist progress.
func (p *Pipeline) transition(ctx context.Context, job *model.ImportJob, next model.Stage) error {
	if !job.Stage.CanTransition(next) {
		return fmt.Errorf("illegal stage transition %s -> %s", job.Stage, next)
	}
	if next != job.Stage {
		job.RowsProcessed = 0
	}
	job.Stage = next
	job.UpdatedAt = p.nowFn()
	return p.Store.UpdateImportJob(ctx, job)
}

// failJob marks the job failed with a reason and refreshes the parent file.
// Policy failures (schema verdict, quota) come through here; they are final
// outcomes, not retryable errors, so failJob returns nil on success.
func (p *Pipeline) failJob(ctx context.Context, job *model.ImportJob, cause error) error {
	job.Error = cause.Error()
	if err := p.transition(ctx, job, model.StageFailed); err != nil {
		return err
	}
	p.log.Warn("job failed", "job", job.ID, "error", cause)
	return p.refreshFileStatus(ctx, job.FileID)
}

// completeJob finalizes the job's result from durable store counts and
// refreshes the parent file. Counting from the store rather than accumulating
// in memory keeps the numbers correct under task redelivery.
func (p *Pipeline) completeJob(ctx context.Context, job *model.ImportJob) error {
	created, err := p.Store.CountEventsByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	geocoded, err := p.Store.CountGeocodedEventsByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("count geocoded events: %w", err)
	}
	dataset, err := p.Store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	// Internal repeats are always skipped; external duplicates only count as
	// skipped under the skip strategy, since update/version materialize them.
	var skipped int64
	if d := job.Duplicates; d != nil {
		skipped = int64(d.InternalDuplicates)
		switch dataset.Dedup.Strategy {
		case model.DedupUpdate, model.DedupVersion:
		default:
			skipped += int64(d.ExternalDuplicates)
		}
	}
	job.Result = &model.JobResult{
		EventsCreated:     created,
		DuplicatesSkipped: skipped,
		Geocoded:          geocoded,
		Errors:            int64(len(job.RowErrors)),
	}
	if err := p.transition(ctx, job, model.StageCompleted); err != nil {
		return err
	}
	metrics.RecordRows("events_created", created)
	metrics.RecordRows("duplicates_skipped", skipped)
	metrics.RecordRows("geocoded", geocoded)
	metrics.RecordRows("row_errors", int64(len(job.RowErrors)))
	p.log.Info("job completed",
		"job", job.ID, "events", created, "skipped", skipped, "geocoded", geocoded)
	return p.refreshFileStatus(ctx, job.FileID)
}

// refreshFileStatus recomputes the parent file's aggregate status from its
// child jobs. The file stays processing while any job is non-terminal; once
// all jobs settle, a single failed sheet marks the whole file failed.
func (p *Pipeline) refreshFileStatus(ctx context.Context, fileID string) error {
	file, err := p.Store.GetImportFile(ctx, fileID)
	if err != nil {
		return err
	}
	jobs, err := p.Store.ImportJobsByFile(ctx, fileID)
	if err != nil {
		return err
	}

	var done, failed int
	for _, j := range jobs {
		if j.Stage.Terminal() {
			done++
		}
		if j.Stage == model.StageFailed {
			failed++
		}
	}
	file.JobsDone = done
	switch {
	case done < len(jobs):
		file.Status = model.FileStatusProcessing
	case failed > 0:
		file.Status = model.FileStatusFailed
	default:
		file.Status = model.FileStatusCompleted
	}
	file.UpdatedAt = p.nowFn()
	return p.Store.UpdateImportFile(ctx, file)
}

// enqueueAdvance schedules the next advance task keyed to the job's persisted
// stage and batch cursor.
func (p *Pipeline) enqueueAdvance(ctx context.Context, job *model.ImportJob) error {
	payload, err := json.Marshal(advancePayload{
		JobID: job.ID,
		Stage: string(job.Stage),
		Batch: p.currentBatch(job),
	})
	if err != nil {
		return fmt.Errorf("advance payload: %w", err)
	}
	return p.Queue.Enqueue(ctx, queue.Task{Type: TaskAdvance, Payload: payload})
}

// currentBatch is the job's batch number at its persisted row cursor.
func (p *Pipeline) currentBatch(job *model.ImportJob) int {
	size := p.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	return job.RowsProcessed / size
}

// appendRowErrors adds errs to the job's bounded error log.
func appendRowErrors(job *model.ImportJob, errs []model.RowError) {
	for _, e := range errs {
		if len(job.RowErrors) >= maxRowErrors {
			return
		}
		job.RowErrors = append(job.RowErrors, e)
	}
}

// batchOptions builds the read window for the job's current cursor.
func (p *Pipeline) batchOptions(job *model.ImportJob) reader.BatchOptions {
	return reader.BatchOptions{
		Sheet:    job.SheetIndex,
		StartRow: job.RowsProcessed,
		Limit:    p.BatchSize,
	}
}

// sourcePath resolves the job's source file path.
func (p *Pipeline) sourcePath(ctx context.Context, job *model.ImportJob) (string, error) {
	file, err := p.Store.GetImportFile(ctx, job.FileID)
	if err != nil {
		return "", err
	}
	return file.StoragePath, nil
}
