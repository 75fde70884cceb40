package replicate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carmigna/npg-substation360-pipeline/errors"
	"github.com/Carmigna/npg-substation360-pipeline/internal/pgtest"
	"github.com/Carmigna/npg-substation360-pipeline/store"
)

// fakeSource scripts the primary side of a sync pass
type fakeSource struct {
	columns map[string][]store.Column
	rows    map[string][][]any
	errs    map[string]error
}

func (f *fakeSource) DescribeColumns(ctx context.Context, table string) ([]store.Column, error) {
	if err := f.errs[table]; err != nil {
		return nil, err
	}
	columns, ok := f.columns[table]
	if !ok {
		return nil, errors.WrapStorage(errors.ErrTableNotFound, "Store", "DescribeColumns", "describe "+table)
	}
	return columns, nil
}

func (f *fakeSource) ReadRowsSince(ctx context.Context, table string, columns []store.Column, since time.Time) ([][]any, error) {
	return f.rows[table], nil
}

func silverColumns() []store.Column {
	return []store.Column{
		{Name: "instrument_id", Type: "bigint"},
		{Name: "ts_utc", Type: "timestamp with time zone"},
		{Name: "phase", Type: "text"},
		{Name: "value", Type: "double precision"},
		{Name: "unit", Type: "text"},
		{Name: "ingested_at", Type: "timestamp with time zone"},
	}
}

func TestSync_CopiesRowsWithUpsert(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{
		columns: map[string][]store.Column{"voltage_mean_30m": silverColumns()},
		rows: map[string][][]any{
			"voltage_mean_30m": {
				{int64(1), ts, "A", 230.1, "V", ts},
				{int64(1), ts, "B", 231.4, "V", ts},
			},
		},
	}

	db := &pgtest.FakeDB{}
	sink := NewWithDB(db, nil, nil)

	report := sink.Sync(context.Background(), source, []string{"voltage_mean_30m"}, ts)
	require.NoError(t, report.Err())
	assert.Equal(t, 2, report.Copied())

	inserts := db.ExecsContaining("INSERT INTO voltage_mean_30m")
	require.Len(t, inserts, 2)
	assert.Contains(t, inserts[0].SQL, "ON CONFLICT (instrument_id, ts_utc, phase) DO UPDATE")
	assert.Contains(t, inserts[0].SQL, "value = EXCLUDED.value")
	assert.NotContains(t, inserts[0].SQL, "instrument_id = EXCLUDED.instrument_id")
	assert.Equal(t, int64(1), inserts[0].Args[0])
}

func TestSync_EvolvesTargetSchemaAdditively(t *testing.T) {
	columns := append(silverColumns(), store.Column{Name: "quality_flag", Type: "text"})
	source := &fakeSource{
		columns: map[string][]store.Column{"voltage_mean_30m": columns},
	}

	db := &pgtest.FakeDB{}
	sink := NewWithDB(db, nil, nil)

	report := sink.Sync(context.Background(), source, []string{"voltage_mean_30m"}, time.Now())
	require.NoError(t, report.Err())

	creates := db.ExecsContaining("CREATE TABLE IF NOT EXISTS voltage_mean_30m")
	require.Len(t, creates, 1)
	assert.Contains(t, creates[0].SQL, "PRIMARY KEY (instrument_id, ts_utc, phase)")

	alters := db.ExecsContaining("ADD COLUMN IF NOT EXISTS quality_flag text")
	assert.Len(t, alters, 1)
}

func TestInit_CreatesTablesWithoutCopying(t *testing.T) {
	source := &fakeSource{
		columns: map[string][]store.Column{
			"voltage_mean_30m": silverColumns(),
			"current_mean_30m": silverColumns(),
		},
	}

	db := &pgtest.FakeDB{}
	sink := NewWithDB(db, nil, nil)

	require.NoError(t, sink.Init(context.Background(), source, []string{"voltage_mean_30m", "current_mean_30m"}))

	for _, table := range []string{"voltage_mean_30m", "current_mean_30m"} {
		creates := db.ExecsContaining("CREATE TABLE IF NOT EXISTS " + table)
		require.Len(t, creates, 1)
		assert.Contains(t, creates[0].SQL, "PRIMARY KEY (instrument_id, ts_utc, phase)")
	}
	assert.Empty(t, db.ExecsContaining("INSERT INTO"))
}

func TestInit_UnknownTableRejected(t *testing.T) {
	sink := NewWithDB(&pgtest.FakeDB{}, nil, nil)

	err := sink.Init(context.Background(), &fakeSource{}, []string{"pg_shadow"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSync_OneFailingTableDoesNotBlockOthers(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{
		columns: map[string][]store.Column{
			"voltage_mean_30m": silverColumns(),
			"current_mean_30m": silverColumns(),
		},
		rows: map[string][][]any{
			"current_mean_30m": {{int64(2), ts, "A", 14.2, "A", ts}},
		},
		errs: map[string]error{
			"voltage_mean_30m": errors.WrapStorage(fmt.Errorf("relation missing"), "Store", "DescribeColumns", "describe"),
		},
	}

	db := &pgtest.FakeDB{}
	sink := NewWithDB(db, nil, nil)

	report := sink.Sync(context.Background(), source, []string{"voltage_mean_30m", "current_mean_30m"}, ts)

	require.Len(t, report.Results, 2)
	assert.Error(t, report.Results[0].Err)
	assert.NoError(t, report.Results[1].Err)
	assert.Equal(t, 1, report.Copied())

	err := report.Err()
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))
	assert.Contains(t, err.Error(), "voltage_mean_30m")
}

func TestSync_UnknownTableRejected(t *testing.T) {
	sink := NewWithDB(&pgtest.FakeDB{}, nil, nil)

	report := sink.Sync(context.Background(), &fakeSource{}, []string{"pg_shadow"}, time.Now())
	require.Len(t, report.Results, 1)
	assert.True(t, errors.IsInvalid(report.Results[0].Err))
}

func TestSync_EmptyWindowCopiesNothing(t *testing.T) {
	source := &fakeSource{
		columns: map[string][]store.Column{"instrument": {
			{Name: "id", Type: "bigint"},
			{Name: "name", Type: "text"},
		}},
	}

	db := &pgtest.FakeDB{}
	sink := NewWithDB(db, nil, nil)

	report := sink.Sync(context.Background(), source, []string{"instrument"}, time.Now())
	require.NoError(t, report.Err())
	assert.Equal(t, 0, report.Copied())
	assert.Empty(t, db.ExecsContaining("INSERT INTO"))
}

func TestHealth(t *testing.T) {
	db := &pgtest.FakeDB{}
	sink := NewWithDB(db, nil, nil)
	assert.NoError(t, sink.Health(context.Background()))

	db.PingErr = fmt.Errorf("connection reset")
	err := sink.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))
}
