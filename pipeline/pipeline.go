// Package pipeline orchestrates the ingestion flow: instrument discovery,
// windowed telemetry fetches fanned out over a worker pool, raw landing,
// normalization, canonical upserts, and the optional secondary sync.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Carmigna/npg-substation360-pipeline/client"
	"github.com/Carmigna/npg-substation360-pipeline/errors"
	"github.com/Carmigna/npg-substation360-pipeline/normalize"
	"github.com/Carmigna/npg-substation360-pipeline/pkg/worker"
	"github.com/Carmigna/npg-substation360-pipeline/replicate"
	"github.com/Carmigna/npg-substation360-pipeline/store"
)

// TelemetryAPI is the remote client surface the pipeline drives
type TelemetryAPI interface {
	ListInstruments(ctx context.Context) ([]client.Instrument, error)
	FetchTelemetry(ctx context.Context, endpoint string, from, to time.Time, instrumentIDs []int64) ([]map[string]any, error)
}

// Storage is the primary database surface the pipeline writes through.
// It includes the replication source side so a sync pass can read back
// what ingestion landed.
type Storage interface {
	replicate.Source

	UpsertInstruments(ctx context.Context, instruments []client.Instrument) (int, error)
	ListInstrumentIDs(ctx context.Context) ([]int64, error)
	AppendRaw(ctx context.Context, endpoint string, windowFrom, windowTo time.Time, rows []store.RawRow) (int, error)
	UpsertSilver(ctx context.Context, measurement normalize.Measurement, records []normalize.Record) (int, error)
	CountSilverSince(ctx context.Context, measurement normalize.Measurement, since time.Time) (int64, error)
}

// Replicator is the secondary sink surface
type Replicator interface {
	Init(ctx context.Context, source replicate.Source, tables []string) error
	Sync(ctx context.Context, source replicate.Source, tables []string, since time.Time) replicate.Report
	Health(ctx context.Context) error
}

// measurementEndpoints maps canonical quantities to their remote paths
var measurementEndpoints = map[normalize.Measurement]string{
	normalize.MeasurementVoltage: "voltage/mean/30min",
	normalize.MeasurementCurrent: "current/mean/30min",
}

// Config tunes one pipeline instance
type Config struct {
	// Measurements selects which quantities each ingest pass fetches;
	// empty means both voltage and current
	Measurements []normalize.Measurement

	// Workers bounds concurrent fetches
	Workers int

	// BatchSize caps instrument ids per fetch
	BatchSize int

	// FallbackLimit bounds per-instrument retries after a batch fetch is
	// rejected by the remote service
	FallbackLimit int

	// DiscoveryLimit caps how many freshly discovered instruments an ingest
	// pass targets when neither the caller nor the store knows any ids
	DiscoveryLimit int

	// Tables selects what SyncToSecondary copies; empty means every
	// replicable table
	Tables []string

	// DrainTimeout bounds how long an ingest pass waits for in-flight
	// fetches after submission ends
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.Measurements) == 0 {
		c.Measurements = []normalize.Measurement{
			normalize.MeasurementVoltage,
			normalize.MeasurementCurrent,
		}
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.FallbackLimit <= 0 {
		c.FallbackLimit = 3
	}
	if c.DiscoveryLimit <= 0 {
		c.DiscoveryLimit = 3
	}
	if len(c.Tables) == 0 {
		c.Tables = []string{"instrument", "raw_measurement", "voltage_mean_30m", "current_mean_30m"}
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Minute
	}
}

// Service runs the ingestion pipeline
type Service struct {
	cfg        Config
	api        TelemetryAPI
	storage    Storage
	normalizer *normalize.Normalizer
	sink       Replicator
	logger     *slog.Logger
}

// New creates a pipeline service. sink may be nil when replication is
// disabled.
func New(cfg Config, api TelemetryAPI, storage Storage, normalizer *normalize.Normalizer, sink Replicator, logger *slog.Logger) (*Service, error) {
	if api == nil || storage == nil || normalizer == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Service", "New",
			"api, storage, and normalizer required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &Service{
		cfg:        cfg,
		api:        api,
		storage:    storage,
		normalizer: normalizer,
		sink:       sink,
		logger:     logger,
	}, nil
}

// Discover refreshes instrument metadata from the remote listing
func (s *Service) Discover(ctx context.Context) ([]client.Instrument, error) {
	instruments, err := s.api.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}
	count, err := s.storage.UpsertInstruments(ctx, instruments)
	if err != nil {
		return nil, err
	}
	s.logger.Info("instrument discovery complete", "instruments", count)
	return instruments, nil
}

// Summary reports one ingest pass
type Summary struct {
	Window      Window
	Instruments int
	Batches     int
	FailedJobs  int
	RawRows     int
	Normalized  int
	Skipped     int
	Upserted    int
	PerEndpoint map[string]int
	JobErrors   []error
}

// Window is the UTC time range an ingest pass covered
type Window struct {
	From time.Time
	To   time.Time
}

func (s Summary) String() string {
	return fmt.Sprintf("instruments=%d batches=%d raw=%d normalized=%d skipped=%d upserted=%d failed=%d",
		s.Instruments, s.Batches, s.RawRows, s.Normalized, s.Skipped, s.Upserted, s.FailedJobs)
}

// fetchJob is one measurement fetch for one instrument batch
type fetchJob struct {
	measurement normalize.Measurement
	endpoint    string
	ids         []int64
}

// IngestWindow fetches, lands, normalizes, and upserts one time window.
// With explicit instrumentIDs only those instruments are fetched; with none,
// every commissioned instrument the store knows is targeted, falling back to
// a bounded fresh discovery when the store is empty. Jobs run concurrently;
// a failing job is recorded in the summary without aborting the pass, but a
// canceled context stops everything.
func (s *Service) IngestWindow(ctx context.Context, from, to time.Time, instrumentIDs []int64) (Summary, error) {
	summary := Summary{
		Window:      Window{From: from.UTC(), To: to.UTC()},
		PerEndpoint: make(map[string]int),
	}

	if !to.After(from) {
		return summary, errors.WrapInvalid(errors.ErrEmptyWindow, "Service", "IngestWindow",
			fmt.Sprintf("window [%s, %s)", from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)))
	}

	ids := instrumentIDs
	if len(ids) == 0 {
		var err error
		ids, err = s.storage.ListInstrumentIDs(ctx)
		if err != nil {
			return summary, err
		}
	}
	if len(ids) == 0 {
		instruments, err := s.Discover(ctx)
		if err != nil {
			return summary, err
		}
		for _, inst := range instruments {
			if !inst.Commissioned {
				continue
			}
			ids = append(ids, inst.ID)
			if len(ids) >= s.cfg.DiscoveryLimit {
				break
			}
		}
	}
	summary.Instruments = len(ids)
	if len(ids) == 0 {
		s.logger.Warn("no commissioned instruments, nothing to ingest")
		return summary, nil
	}

	jobs := s.buildJobs(ids)
	summary.Batches = len(jobs)

	var mu sync.Mutex
	pool := worker.NewPool(s.cfg.Workers, len(jobs), func(ctx context.Context, job fetchJob) error {
		result, err := s.runJob(ctx, job, summary.Window)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			summary.FailedJobs++
			summary.JobErrors = append(summary.JobErrors, err)
			return err
		}
		summary.RawRows += result.rawRows
		summary.Normalized += result.normalized
		summary.Skipped += result.skipped
		summary.Upserted += result.upserted
		summary.PerEndpoint[job.endpoint] += result.upserted
		return nil
	})

	if err := pool.Start(ctx); err != nil {
		return summary, errors.Wrap(err, "Service", "IngestWindow", "start worker pool")
	}
	for _, job := range jobs {
		if err := pool.Submit(job); err != nil {
			pool.Drain(s.cfg.DrainTimeout) //nolint:errcheck
			return summary, errors.Wrap(err, "Service", "IngestWindow", "submit fetch job")
		}
	}
	if err := pool.Drain(s.cfg.DrainTimeout); err != nil {
		return summary, errors.WrapTransport(err, "Service", "IngestWindow", "drain worker pool")
	}
	if err := ctx.Err(); err != nil {
		return summary, errors.WrapTransport(err, "Service", "IngestWindow", "complete ingest pass")
	}

	s.logger.Info("ingest pass complete",
		"from", summary.Window.From, "to", summary.Window.To,
		"summary", summary.String())
	return summary, nil
}

func (s *Service) buildJobs(ids []int64) []fetchJob {
	var jobs []fetchJob
	for _, measurement := range s.cfg.Measurements {
		endpoint := measurementEndpoints[measurement]
		for start := 0; start < len(ids); start += s.cfg.BatchSize {
			end := start + s.cfg.BatchSize
			if end > len(ids) {
				end = len(ids)
			}
			jobs = append(jobs, fetchJob{
				measurement: measurement,
				endpoint:    endpoint,
				ids:         ids[start:end],
			})
		}
	}
	return jobs
}

type jobResult struct {
	rawRows    int
	normalized int
	skipped    int
	upserted   int
}

// runJob fetches one batch, lands it raw, and upserts the normalized
// records. When the remote rejects a multi-instrument batch, the job falls
// back to per-instrument fetches so one bad instrument cannot starve the
// rest of its batch.
func (s *Service) runJob(ctx context.Context, job fetchJob, window Window) (jobResult, error) {
	var result jobResult

	payloads, err := s.api.FetchTelemetry(ctx, job.endpoint, window.From, window.To, job.ids)
	if err != nil {
		if !errors.IsRemoteAPI(err) || len(job.ids) <= 1 {
			return result, err
		}
		s.logger.Warn("batch fetch rejected, retrying per instrument",
			"endpoint", job.endpoint, "batch", len(job.ids), "error", err)
		return s.runPerInstrument(ctx, job, window)
	}

	return s.landBatch(ctx, job, window, payloads, 0)
}

func (s *Service) runPerInstrument(ctx context.Context, job fetchJob, window Window) (jobResult, error) {
	var total jobResult
	failures := 0
	for _, id := range job.ids {
		if err := ctx.Err(); err != nil {
			return total, errors.WrapTransport(err, "Service", "runPerInstrument", "continue fallback")
		}

		payloads, err := s.api.FetchTelemetry(ctx, job.endpoint, window.From, window.To, []int64{id})
		if err != nil {
			failures++
			s.logger.Warn("instrument fetch failed",
				"endpoint", job.endpoint, "instrument", id, "error", err)
			if failures >= s.cfg.FallbackLimit {
				return total, errors.Wrap(err, "Service", "runPerInstrument",
					fmt.Sprintf("abandon fallback after %d instrument failures", failures))
			}
			continue
		}

		partial, err := s.landBatch(ctx, job, window, payloads, id)
		if err != nil {
			return total, err
		}
		total.rawRows += partial.rawRows
		total.normalized += partial.normalized
		total.skipped += partial.skipped
		total.upserted += partial.upserted
	}
	return total, nil
}

// landBatch runs the bronze-then-silver write path for one payload batch.
// The raw landing happens first so a normalization or upsert failure never
// loses the fetched payload. Each response row lands tagged with the
// instrument it carries; rows without one inherit the fallback id, or the
// first instrument of the batch.
func (s *Service) landBatch(ctx context.Context, job fetchJob, window Window, payloads []map[string]any, fallbackID int64) (jobResult, error) {
	result := jobResult{rawRows: len(payloads)}
	if len(payloads) == 0 {
		return result, nil
	}

	rawFallback := fallbackID
	if rawFallback == 0 && len(job.ids) > 0 {
		rawFallback = job.ids[0]
	}
	rows := make([]store.RawRow, 0, len(payloads))
	for _, payload := range payloads {
		id, ok := normalize.InstrumentID(payload)
		if !ok {
			id = rawFallback
		}
		rows = append(rows, store.RawRow{InstrumentID: id, Payload: payload})
	}
	if _, err := s.storage.AppendRaw(ctx, job.endpoint, window.From, window.To, rows); err != nil {
		return result, err
	}

	normalized, err := s.normalizer.Normalize(job.measurement, payloads, fallbackID)
	if err != nil {
		return result, err
	}
	result.normalized = len(normalized.Records)
	result.skipped = normalized.Skipped

	upserted, err := s.storage.UpsertSilver(ctx, job.measurement, normalized.Records)
	if err != nil {
		return result, err
	}
	result.upserted = upserted
	return result, nil
}

// TableCount is one silver table's row count within a window
type TableCount struct {
	Table string
	Rows  int64
}

// IngestSummary reports per-table silver row counts with reading timestamps
// at or after the cursor, for operators checking what a window holds
func (s *Service) IngestSummary(ctx context.Context, since time.Time) ([]TableCount, error) {
	tables := map[normalize.Measurement]string{
		normalize.MeasurementVoltage: "voltage_mean_30m",
		normalize.MeasurementCurrent: "current_mean_30m",
	}

	counts := make([]TableCount, 0, len(s.cfg.Measurements))
	for _, measurement := range s.cfg.Measurements {
		rows, err := s.storage.CountSilverSince(ctx, measurement, since)
		if err != nil {
			return nil, err
		}
		counts = append(counts, TableCount{Table: tables[measurement], Rows: rows})
	}
	return counts, nil
}

// InitSecondary pre-creates the replicated tables on the secondary without
// copying rows, so operators can verify connectivity and permissions before
// the first sync. Returns an error when replication is disabled.
func (s *Service) InitSecondary(ctx context.Context) error {
	if s.sink == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Service", "InitSecondary",
			"replication disabled")
	}
	if err := s.sink.Health(ctx); err != nil {
		return err
	}

	if err := s.sink.Init(ctx, s.storage, s.cfg.Tables); err != nil {
		return err
	}
	s.logger.Info("secondary schema initialized", "tables", len(s.cfg.Tables))
	return nil
}

// SyncToSecondary copies rows modified since the cursor into the secondary
// database. Returns an error when replication is disabled.
func (s *Service) SyncToSecondary(ctx context.Context, since time.Time) (replicate.Report, error) {
	if s.sink == nil {
		return replicate.Report{}, errors.WrapInvalid(errors.ErrMissingConfig, "Service", "SyncToSecondary",
			"replication disabled")
	}
	if err := s.sink.Health(ctx); err != nil {
		return replicate.Report{}, err
	}

	report := s.sink.Sync(ctx, s.storage, s.cfg.Tables, since)
	s.logger.Info("secondary sync complete",
		"tables", len(report.Results), "copied", report.Copied())
	return report, report.Err()
}
