package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carmigna/npg-substation360-pipeline/client"
	"github.com/Carmigna/npg-substation360-pipeline/errors"
	"github.com/Carmigna/npg-substation360-pipeline/normalize"
	"github.com/Carmigna/npg-substation360-pipeline/replicate"
	"github.com/Carmigna/npg-substation360-pipeline/store"
)

type fetchCall struct {
	endpoint string
	ids      []int64
}

// fakeAPI serves scripted instrument listings and telemetry rows
type fakeAPI struct {
	mu          sync.Mutex
	instruments []client.Instrument
	rows        map[string][]map[string]any
	fetchErr    error
	batchErr    error
	fetches     []fetchCall
}

func (f *fakeAPI) ListInstruments(ctx context.Context) ([]client.Instrument, error) {
	return f.instruments, nil
}

func (f *fakeAPI) FetchTelemetry(ctx context.Context, endpoint string, from, to time.Time, ids []int64) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, fetchCall{endpoint: endpoint, ids: append([]int64(nil), ids...)})

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.batchErr != nil && len(ids) > 1 {
		return nil, f.batchErr
	}
	return f.rows[endpoint], nil
}

// fakeStorage records writes in memory, keyed the way the silver tier is
type fakeStorage struct {
	mu          sync.Mutex
	instruments []client.Instrument
	knownIDs    []int64
	rawBatches  int
	rawRows     []store.RawRow
	silver      map[string]normalize.Record
	upsertErr   error
}

func newFakeStorage(ids ...int64) *fakeStorage {
	return &fakeStorage{knownIDs: ids, silver: make(map[string]normalize.Record)}
}

func (f *fakeStorage) UpsertInstruments(ctx context.Context, instruments []client.Instrument) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instruments = instruments
	return len(instruments), nil
}

func (f *fakeStorage) ListInstrumentIDs(ctx context.Context) ([]int64, error) {
	return f.knownIDs, nil
}

func (f *fakeStorage) AppendRaw(ctx context.Context, endpoint string, from, to time.Time, rows []store.RawRow) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawBatches++
	f.rawRows = append(f.rawRows, rows...)
	return len(rows), nil
}

func (f *fakeStorage) UpsertSilver(ctx context.Context, measurement normalize.Measurement, records []normalize.Record) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	for _, record := range records {
		key := fmt.Sprintf("%s/%d/%s/%s",
			measurement, record.InstrumentID, record.TSUTC.Format(time.RFC3339), record.Phase)
		f.silver[key] = record
	}
	return len(records), nil
}

func (f *fakeStorage) CountSilverSince(ctx context.Context, measurement normalize.Measurement, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for key := range f.silver {
		if strings.HasPrefix(key, string(measurement)+"/") {
			count++
		}
	}
	return count, nil
}

func (f *fakeStorage) DescribeColumns(ctx context.Context, table string) ([]store.Column, error) {
	return []store.Column{{Name: "id", Type: "bigint"}}, nil
}

func (f *fakeStorage) ReadRowsSince(ctx context.Context, table string, columns []store.Column, since time.Time) ([][]any, error) {
	return nil, nil
}

type fakeSink struct {
	healthErr error
	inited    []string
	synced    []string
	since     time.Time
	report    replicate.Report
}

func (f *fakeSink) Init(ctx context.Context, source replicate.Source, tables []string) error {
	f.inited = tables
	return nil
}

func (f *fakeSink) Sync(ctx context.Context, source replicate.Source, tables []string, since time.Time) replicate.Report {
	f.synced = tables
	f.since = since
	return f.report
}

func (f *fakeSink) Health(ctx context.Context) error { return f.healthErr }

func newService(t *testing.T, cfg Config, api TelemetryAPI, storage Storage, sink Replicator) *Service {
	t.Helper()
	s, err := New(cfg, api, storage, normalize.New(normalize.Options{}, nil, nil), sink, nil)
	require.NoError(t, err)
	return s
}

func telemetryRows() map[string][]map[string]any {
	return map[string][]map[string]any{
		"voltage/mean/30min": {
			{"timestamp": "2024-01-01T00:00:00Z", "instrumentId": 1, "phase": "L1", "value": 230.1},
			{"timestamp": "2024-01-01T00:00:00Z", "instrumentId": 2, "phase": "L2", "value": 231.0},
		},
		"current/mean/30min": {
			{"timestamp": "2024-01-01T00:00:00Z", "instrumentId": 1, "value": 14.2},
		},
	}
}

func window() (time.Time, time.Time) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return from, from.Add(time.Hour)
}

func TestDiscover_PersistsListing(t *testing.T) {
	api := &fakeAPI{instruments: []client.Instrument{
		{ID: 1, Name: "Feeder A", Commissioned: true},
		{ID: 2, Name: "Feeder B", Commissioned: true},
	}}
	storage := newFakeStorage()
	s := newService(t, Config{}, api, storage, nil)

	instruments, err := s.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, instruments, 2)
	assert.Equal(t, api.instruments, storage.instruments)
}

func TestIngestWindow_FullPass(t *testing.T) {
	api := &fakeAPI{rows: telemetryRows()}
	storage := newFakeStorage(1, 2)
	s := newService(t, Config{Workers: 2}, api, storage, nil)

	from, to := window()
	summary, err := s.IngestWindow(context.Background(), from, to, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Instruments)
	assert.Equal(t, 2, summary.Batches)
	assert.Equal(t, 0, summary.FailedJobs)
	assert.Equal(t, 3, summary.RawRows)
	assert.Equal(t, 3, summary.Normalized)
	assert.Equal(t, 3, summary.Upserted)
	assert.Equal(t, 2, summary.PerEndpoint["voltage/mean/30min"])
	assert.Equal(t, 1, summary.PerEndpoint["current/mean/30min"])

	assert.Equal(t, 2, storage.rawBatches)
	assert.Len(t, storage.silver, 3)
}

func TestIngestWindow_TagsRawRowsWithInstrument(t *testing.T) {
	api := &fakeAPI{rows: map[string][]map[string]any{
		"voltage/mean/30min": {
			{"timestamp": "2024-01-01T00:00:00Z", "instrumentId": 2, "value": 230.1},
			// no id on the row: the raw tier falls back to the batch
			{"timestamp": "2024-01-01T00:30:00Z", "value": 229.8},
		},
	}}
	storage := newFakeStorage(1, 2)
	s := newService(t, Config{
		Measurements: []normalize.Measurement{normalize.MeasurementVoltage},
	}, api, storage, nil)

	from, to := window()
	_, err := s.IngestWindow(context.Background(), from, to, nil)
	require.NoError(t, err)

	require.Len(t, storage.rawRows, 2)
	assert.Equal(t, int64(2), storage.rawRows[0].InstrumentID)
	assert.Equal(t, int64(1), storage.rawRows[1].InstrumentID)
}

func TestIngestWindow_Idempotent(t *testing.T) {
	api := &fakeAPI{rows: telemetryRows()}
	storage := newFakeStorage(1, 2)
	s := newService(t, Config{}, api, storage, nil)

	from, to := window()
	_, err := s.IngestWindow(context.Background(), from, to, nil)
	require.NoError(t, err)
	firstSilver := len(storage.silver)

	// replaying the identical window must not grow the canonical tier
	summary, err := s.IngestWindow(context.Background(), from, to, nil)
	require.NoError(t, err)
	assert.Equal(t, firstSilver, len(storage.silver))
	assert.Equal(t, 3, summary.Upserted)

	// the raw tier is append-only, so the replay lands again
	assert.Equal(t, 4, storage.rawBatches)
}

func TestIngestWindow_BatchesInstruments(t *testing.T) {
	ids := make([]int64, 7)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	api := &fakeAPI{rows: telemetryRows()}
	storage := newFakeStorage(ids...)
	s := newService(t, Config{
		BatchSize:    3,
		Measurements: []normalize.Measurement{normalize.MeasurementVoltage},
	}, api, storage, nil)

	from, to := window()
	summary, err := s.IngestWindow(context.Background(), from, to, nil)
	require.NoError(t, err)

	// 7 ids at batch size 3 is 3 fetches
	assert.Equal(t, 3, summary.Batches)
	assert.Len(t, api.fetches, 3)
	assert.Len(t, api.fetches[0].ids, 3)
}

func TestIngestWindow_DiscoversWhenNoKnownInstruments(t *testing.T) {
	api := &fakeAPI{
		instruments: []client.Instrument{
			{ID: 5, Commissioned: true},
			{ID: 6, Commissioned: false},
		},
		rows: telemetryRows(),
	}
	storage := newFakeStorage()
	s := newService(t, Config{
		Measurements: []normalize.Measurement{normalize.MeasurementVoltage},
	}, api, storage, nil)

	from, to := window()
	summary, err := s.IngestWindow(context.Background(), from, to, nil)
	require.NoError(t, err)

	// only the commissioned instrument is fetched
	assert.Equal(t, 1, summary.Instruments)
	require.Len(t, api.fetches, 1)
	assert.Equal(t, []int64{5}, api.fetches[0].ids)
}

func TestIngestWindow_ExplicitInstrumentIDs(t *testing.T) {
	api := &fakeAPI{rows: telemetryRows()}
	storage := newFakeStorage(1, 2, 3)
	s := newService(t, Config{
		Measurements: []normalize.Measurement{normalize.MeasurementVoltage},
	}, api, storage, nil)

	from, to := window()
	_, err := s.IngestWindow(context.Background(), from, to, []int64{9})
	require.NoError(t, err)

	// explicit ids bypass the store's instrument registry
	require.Len(t, api.fetches, 1)
	assert.Equal(t, []int64{9}, api.fetches[0].ids)
}

func TestIngestWindow_DiscoveryLimit(t *testing.T) {
	api := &fakeAPI{
		instruments: []client.Instrument{
			{ID: 1, Commissioned: true},
			{ID: 2, Commissioned: true},
			{ID: 3, Commissioned: true},
			{ID: 4, Commissioned: true},
		},
		rows: telemetryRows(),
	}
	storage := newFakeStorage()
	s := newService(t, Config{
		DiscoveryLimit: 2,
		Measurements:   []normalize.Measurement{normalize.MeasurementVoltage},
	}, api, storage, nil)

	from, to := window()
	summary, err := s.IngestWindow(context.Background(), from, to, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Instruments)
}

func TestIngestSummary(t *testing.T) {
	api := &fakeAPI{rows: telemetryRows()}
	storage := newFakeStorage(1, 2)
	s := newService(t, Config{}, api, storage, nil)

	from, to := window()
	_, err := s.IngestWindow(context.Background(), from, to, nil)
	require.NoError(t, err)

	counts, err := s.IngestSummary(context.Background(), from)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, TableCount{Table: "voltage_mean_30m", Rows: 2}, counts[0])
	assert.Equal(t, TableCount{Table: "current_mean_30m", Rows: 1}, counts[1])
}

func TestIngestWindow_EmptyWindowRejected(t *testing.T) {
	s := newService(t, Config{}, &fakeAPI{}, newFakeStorage(1), nil)

	from, _ := window()
	_, err := s.IngestWindow(context.Background(), from, from, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestIngestWindow_FailedJobRecordedNotFatal(t *testing.T) {
	api := &fakeAPI{fetchErr: errors.RemoteAPI("Client", "doJSON", 500, "upstream down")}
	storage := newFakeStorage(1)
	s := newService(t, Config{
		Measurements: []normalize.Measurement{normalize.MeasurementVoltage},
	}, api, storage, nil)

	from, to := window()
	summary, err := s.IngestWindow(context.Background(), from, to, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FailedJobs)
	require.Len(t, summary.JobErrors, 1)
	assert.True(t, errors.IsRemoteAPI(summary.JobErrors[0]))
	assert.Equal(t, 0, summary.Upserted)
}

func TestIngestWindow_FallsBackPerInstrument(t *testing.T) {
	api := &fakeAPI{
		rows:     telemetryRows(),
		batchErr: errors.RemoteAPI("Client", "doJSON", 400, "too many instruments"),
	}
	storage := newFakeStorage(1, 2)
	s := newService(t, Config{
		Measurements: []normalize.Measurement{normalize.MeasurementVoltage},
	}, api, storage, nil)

	from, to := window()
	summary, err := s.IngestWindow(context.Background(), from, to, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.FailedJobs)

	// one rejected batch fetch, then one fetch per instrument
	require.Len(t, api.fetches, 3)
	assert.Len(t, api.fetches[0].ids, 2)
	assert.Len(t, api.fetches[1].ids, 1)
	assert.Len(t, api.fetches[2].ids, 1)
}

func TestIngestWindow_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	api := &fakeAPI{rows: telemetryRows()}
	s := newService(t, Config{}, api, newFakeStorage(1), nil)

	from, to := window()
	_, err := s.IngestWindow(ctx, from, to, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
}

func TestSyncToSecondary(t *testing.T) {
	sink := &fakeSink{report: replicate.Report{
		Results: []replicate.TableResult{{Table: "instrument", Copied: 4}},
	}}
	s := newService(t, Config{}, &fakeAPI{}, newFakeStorage(1), sink)

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	report, err := s.SyncToSecondary(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Copied())
	assert.Equal(t, since, sink.since)
	assert.Equal(t,
		[]string{"instrument", "raw_measurement", "voltage_mean_30m", "current_mean_30m"},
		sink.synced)
}

func TestSyncToSecondary_DisabledWithoutSink(t *testing.T) {
	s := newService(t, Config{}, &fakeAPI{}, newFakeStorage(1), nil)

	_, err := s.SyncToSecondary(context.Background(), time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestInitSecondary(t *testing.T) {
	sink := &fakeSink{}
	s := newService(t, Config{}, &fakeAPI{}, newFakeStorage(1), sink)

	require.NoError(t, s.InitSecondary(context.Background()))
	assert.Equal(t,
		[]string{"instrument", "raw_measurement", "voltage_mean_30m", "current_mean_30m"},
		sink.inited)
}

func TestInitSecondary_DisabledWithoutSink(t *testing.T) {
	s := newService(t, Config{}, &fakeAPI{}, newFakeStorage(1), nil)

	err := s.InitSecondary(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSyncToSecondary_UnhealthySink(t *testing.T) {
	sink := &fakeSink{healthErr: errors.WrapStorage(fmt.Errorf("refused"), "Sink", "Health", "ping")}
	s := newService(t, Config{}, &fakeAPI{}, newFakeStorage(1), sink)

	_, err := s.SyncToSecondary(context.Background(), time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, nil, newFakeStorage(), normalize.New(normalize.Options{}, nil, nil), nil, nil)
	assert.True(t, errors.IsInvalid(err))
}
