package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"geoimport/internal/config"
	"geoimport/internal/geocode"
	"geoimport/internal/metrics"
	"geoimport/internal/metrics/datadog"
	"geoimport/internal/metrics/prompush"
	"geoimport/internal/model"
	"geoimport/internal/pipeline"
	"geoimport/internal/queue"
	"geoimport/internal/quota"
	"geoimport/internal/store"

	// register all backends with the store factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "geoimport/internal/store/all"
)

// main is the entry point for the importer binary. It loads the service
// config, wires the store, queue, and pipeline, submits the given file, and
// drives its jobs to completion.
func main() {
	var (
		cfgPath     string
		envPath     string
		datasetPath string
		filePath    string
		ownerID     string
		approveJob  string
		approvedBy  string
		rejectJob   string
		reason      string
		validate    bool
		dryRun      bool
	)

	flag.StringVar(&cfgPath, "config", "configs/service.json", "service config JSON path")
	flag.StringVar(&envPath, "env", "", "optional .env file loaded before the config")
	flag.StringVar(&datasetPath, "dataset", "", "dataset config JSON path (created if missing)")
	flag.StringVar(&filePath, "file", "", "source file to import (csv or xlsx)")
	flag.StringVar(&ownerID, "owner", "local", "owner user ID for the import")
	flag.StringVar(&approveJob, "approve", "", "job ID awaiting schema approval to approve")
	flag.StringVar(&approvedBy, "approved-by", "", "approver recorded on the schema version")
	flag.StringVar(&rejectJob, "reject", "", "job ID awaiting schema approval to reject")
	flag.StringVar(&reason, "reason", "", "rejection reason")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "stop after schema validation; no events are created")
	flag.Parse()

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			fatalf("load env file: %v", err)
		}
	} else {
		_ = godotenv.Load() // .env is optional
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("%v", err)
	}

	issues := config.Validate(cfg)
	hasError := false
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
		if iss.Severity == config.SeverityError {
			hasError = true
		}
	}
	if hasError {
		log.Printf("Configuration is invalid: %v", cfgPath)
		os.Exit(1)
	}
	if validate {
		log.Printf("Configuration is valid: %v", cfgPath)
		os.Exit(0)
	}

	logger, closeLog := config.SetupLogger(cfg.Logging)
	defer closeLog()

	setupMetrics(cfg.Metrics)
	defer func() {
		if err := metrics.Flush(); err != nil {
			log.Printf("metrics: flush error: %v", err)
		}
	}()

	ctx := context.Background()
	start := time.Now()

	st, err := store.New(ctx, store.Config{Kind: cfg.Store.Kind, DSN: cfg.Store.DSN})
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer st.Close()
	if err := st.Bootstrap(ctx); err != nil {
		fatalf("bootstrap store: %v", err)
	}

	var runnerOpts []queue.Option
	if cfg.Runtime.Workers > 0 {
		runnerOpts = append(runnerOpts, queue.WithWorkers(cfg.Runtime.Workers))
	}
	if cfg.Runtime.MaxAttempts > 0 {
		runnerOpts = append(runnerOpts, queue.WithMaxAttempts(cfg.Runtime.MaxAttempts))
	}
	if cfg.Runtime.QueueBuffer > 0 {
		runnerOpts = append(runnerOpts, queue.WithBuffer(cfg.Runtime.QueueBuffer))
	}
	runner := queue.NewRunner(logger, runnerOpts...)

	p := pipeline.New(st, runner, logger)
	if cfg.Runtime.BatchSize > 0 {
		p.BatchSize = cfg.Runtime.BatchSize
	}
	p.Quota = quota.Static{
		PerImport: cfg.Quota.EventsPerImport,
		PerUser:   cfg.Quota.EventsPerUser,
		Usage:     st,
	}
	p.Geocoder = buildGeocoder(cfg.Geocoder)
	p.ValidateOnly = dryRun
	p.RegisterHandlers(runner)
	runner.Start(ctx)
	defer runner.Stop()

	switch {
	case approveJob != "":
		if err := p.Approve(ctx, approveJob, approvedBy); err != nil {
			fatalf("approve: %v", err)
		}
		runner.Drain()
		printJob(ctx, st, approveJob)

	case rejectJob != "":
		if err := p.Reject(ctx, rejectJob, reason); err != nil {
			fatalf("reject: %v", err)
		}
		printJob(ctx, st, rejectJob)

	case filePath != "":
		if datasetPath == "" {
			fatalf("-dataset is required when importing a file")
		}
		dataset, err := loadDataset(ctx, st, datasetPath)
		if err != nil {
			fatalf("%v", err)
		}
		file, jobs, err := p.SubmitFile(ctx, pipeline.SubmitOptions{
			OwnerID:      ownerID,
			DatasetID:    dataset.ID,
			Path:         filePath,
			OriginalName: filePath,
		})
		if err != nil {
			fatalf("submit: %v", err)
		}
		runner.Drain()
		for _, job := range jobs {
			printJob(ctx, st, job.ID)
		}
		refreshed, err := st.GetImportFile(ctx, file.ID)
		if err == nil {
			log.Printf("file %s: status=%s jobs=%d/%d",
				refreshed.ID, refreshed.Status, refreshed.JobsDone, refreshed.JobsTotal)
		}

	default:
		fatalf("nothing to do: pass -file, -approve, or -reject")
	}

	log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
}

// setupMetrics installs the configured metrics backend; the no-op default
// stays in place on any failure.
func setupMetrics(cfg config.MetricsConfig) {
	switch cfg.Kind {
	case "prometheus":
		b, err := prompush.NewBackend(cfg.Options.String("job", "geoimport"), cfg.Options.String("push_url", ""))
		if err != nil {
			log.Printf("metrics: failed to init prometheus backend: %v; using nop", err)
			return
		}
		metrics.SetBackend(b)

	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{
			Addr:      cfg.Options.String("addr", "127.0.0.1:8125"),
			Namespace: cfg.Options.String("namespace", ""),
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return
		}
		metrics.SetBackend(b)

	case "", "none":
		// metrics disabled; nop backend remains

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", cfg.Kind)
	}
}

// buildGeocoder constructs the configured geocoder. The static backend loads
// its table from the options bag.
func buildGeocoder(cfg config.GeocoderConfig) geocode.Geocoder {
	if cfg.Kind != "static" {
		return geocode.NoOp{}
	}
	table := geocode.Results{}
	if raw := cfg.Options.Any("table"); raw != nil {
		if b, err := json.Marshal(raw); err == nil {
			if err := json.Unmarshal(b, &table); err != nil {
				log.Printf("geocoder: invalid static table: %v", err)
			}
		}
	}
	return geocode.Static{Table: table}
}

// loadDataset reads a dataset config file and creates the dataset if it does
// not exist yet. A file without an ID gets one assigned on first use.
func loadDataset(ctx context.Context, st store.Store, path string) (*model.Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset config: %w", err)
	}
	var dataset model.Dataset
	if err := json.Unmarshal(raw, &dataset); err != nil {
		return nil, fmt.Errorf("decode dataset config %s: %w", path, err)
	}
	if dataset.ID == "" {
		dataset.ID = uuid.NewString()
	}
	if existing, err := st.GetDataset(ctx, dataset.ID); err == nil {
		return existing, nil
	}
	now := time.Now()
	dataset.CreatedAt = now
	dataset.UpdatedAt = now
	if err := st.CreateDataset(ctx, &dataset); err != nil {
		return nil, fmt.Errorf("create dataset: %w", err)
	}
	return &dataset, nil
}

// printJob logs one job's final state.
func printJob(ctx context.Context, st store.Store, jobID string) {
	job, err := st.GetImportJob(ctx, jobID)
	if err != nil {
		log.Printf("job %s: %v", jobID, err)
		return
	}
	switch {
	case job.Result != nil:
		log.Printf("job %s: stage=%s events=%d skipped=%d geocoded=%d errors=%d",
			job.ID, job.Stage, job.Result.EventsCreated, job.Result.DuplicatesSkipped,
			job.Result.Geocoded, job.Result.Errors)
	case job.Error != "":
		log.Printf("job %s: stage=%s error=%s", job.ID, job.Stage, job.Error)
	default:
		log.Printf("job %s: stage=%s rows=%d/%d", job.ID, job.Stage, job.RowsProcessed, job.RowsTotal)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
