package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carmigna/npg-substation360-pipeline/client"
	"github.com/Carmigna/npg-substation360-pipeline/errors"
	"github.com/Carmigna/npg-substation360-pipeline/internal/pgtest"
	"github.com/Carmigna/npg-substation360-pipeline/normalize"
)

func newTestStore(t *testing.T, db *pgtest.FakeDB) *Store {
	t.Helper()
	s, err := NewWithDB(context.Background(), db, nil, nil)
	require.NoError(t, err)
	return s
}

func TestNewWithDB_BootstrapsSchema(t *testing.T) {
	db := &pgtest.FakeDB{}
	newTestStore(t, db)

	for _, table := range []string{"instrument", "raw_measurement", "voltage_mean_30m", "current_mean_30m"} {
		calls := db.ExecsContaining("CREATE TABLE IF NOT EXISTS " + table)
		assert.Len(t, calls, 1, "expected bootstrap DDL for %s", table)
	}
}

func TestNewWithDB_SchemaFailure(t *testing.T) {
	db := &pgtest.FakeDB{
		ExecErrs: map[string]error{"raw_measurement": fmt.Errorf("permission denied")},
	}
	_, err := NewWithDB(context.Background(), db, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))
}

func TestUpsertInstruments_SingleTransaction(t *testing.T) {
	db := &pgtest.FakeDB{}
	s := newTestStore(t, db)

	instruments := []client.Instrument{
		{ID: 1, Name: "Feeder A", Commissioned: true, Meta: map[string]any{"region": "north"}},
		{ID: 2, Name: "Feeder B", Commissioned: false},
	}
	count, err := s.UpsertInstruments(context.Background(), instruments)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.Len(t, db.Txs, 1)
	tx := db.Txs[0]
	assert.True(t, tx.Committed)
	require.Len(t, tx.Execs, 2)
	assert.Contains(t, tx.Execs[0].SQL, "ON CONFLICT (id) DO UPDATE")
	assert.Equal(t, int64(1), tx.Execs[0].Args[0])
	assert.Equal(t, "Feeder A", tx.Execs[0].Args[1])
}

func TestUpsertInstruments_RollsBackOnFailure(t *testing.T) {
	db := &pgtest.FakeDB{
		ExecErrs: map[string]error{"ON CONFLICT (id)": fmt.Errorf("disk full")},
	}
	s := newTestStore(t, db)

	_, err := s.UpsertInstruments(context.Background(), []client.Instrument{{ID: 1, Name: "x"}})
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))

	require.Len(t, db.Txs, 1)
	assert.False(t, db.Txs[0].Committed)
	assert.True(t, db.Txs[0].RolledBack)
}

func TestUpsertInstruments_EmptyIsNoop(t *testing.T) {
	db := &pgtest.FakeDB{}
	s := newTestStore(t, db)

	count, err := s.UpsertInstruments(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, db.Txs)
}

func TestAppendRaw_LandsOneRowPerPayload(t *testing.T) {
	db := &pgtest.FakeDB{}
	s := newTestStore(t, db)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []RawRow{
		{InstrumentID: 7, Payload: map[string]any{"value": 1.0}},
		{InstrumentID: 9, Payload: map[string]any{"value": 2.0}},
	}

	count, err := s.AppendRaw(context.Background(), "voltage/mean/30min", from, from.Add(time.Hour), rows)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.Len(t, db.Txs, 1)
	tx := db.Txs[0]
	assert.True(t, tx.Committed)
	require.Len(t, tx.Execs, 2)
	assert.Contains(t, tx.Execs[0].SQL, "INSERT INTO raw_measurement")
	assert.Equal(t, int64(7), tx.Execs[0].Args[2])
	assert.Equal(t, int64(9), tx.Execs[1].Args[2])
}

func TestAppendRaw_ReplayGetsFreshIDs(t *testing.T) {
	db := &pgtest.FakeDB{}
	s := newTestStore(t, db)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []RawRow{{InstrumentID: 7, Payload: map[string]any{"value": 1.0}}}

	_, err := s.AppendRaw(context.Background(), "voltage/mean/30min", from, from.Add(time.Hour), rows)
	require.NoError(t, err)
	_, err = s.AppendRaw(context.Background(), "voltage/mean/30min", from, from.Add(time.Hour), rows)
	require.NoError(t, err)

	// identical payloads still land as separate rows
	require.Len(t, db.Txs, 2)
	first := db.Txs[0].Execs[0].Args[0]
	second := db.Txs[1].Execs[0].Args[0]
	assert.NotEqual(t, first, second)
}

func TestUpsertSilver_TableSelectionAndConflictClause(t *testing.T) {
	records := []normalize.Record{
		{InstrumentID: 1, TSUTC: time.Now().UTC(), Phase: "A", Value: 230.1, Unit: "V"},
		{InstrumentID: 1, TSUTC: time.Now().UTC(), Phase: "B", Value: 231.0, Unit: "V"},
	}

	tests := []struct {
		measurement normalize.Measurement
		table       string
	}{
		{normalize.MeasurementVoltage, "voltage_mean_30m"},
		{normalize.MeasurementCurrent, "current_mean_30m"},
	}

	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			db := &pgtest.FakeDB{}
			s := newTestStore(t, db)

			n, err := s.UpsertSilver(context.Background(), tt.measurement, records)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			require.Len(t, db.Txs, 1)
			tx := db.Txs[0]
			assert.True(t, tx.Committed)
			require.Len(t, tx.Execs, 2)
			assert.Contains(t, tx.Execs[0].SQL, "INSERT INTO "+tt.table)
			assert.Contains(t, tx.Execs[0].SQL, "ON CONFLICT (instrument_id, ts_utc, phase) DO UPDATE")
		})
	}
}

func TestUpsertSilver_BatchIsAtomic(t *testing.T) {
	db := &pgtest.FakeDB{}
	s := newTestStore(t, db)
	db.ExecErrs = map[string]error{"voltage_mean_30m": fmt.Errorf("constraint violated")}

	_, err := s.UpsertSilver(context.Background(), normalize.MeasurementVoltage, []normalize.Record{
		{InstrumentID: 1, TSUTC: time.Now(), Phase: "A", Value: 1},
	})
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))
	assert.True(t, db.Txs[0].RolledBack)
}

func TestUpsertSilver_UnknownMeasurement(t *testing.T) {
	s := newTestStore(t, &pgtest.FakeDB{})

	_, err := s.UpsertSilver(context.Background(), normalize.Measurement("power"), nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestListInstrumentIDs(t *testing.T) {
	db := &pgtest.FakeDB{
		Results: []pgtest.QueryResult{
			{Contains: "FROM instrument", Rows: [][]any{{int64(3)}, {int64(7)}}},
		},
	}
	s := newTestStore(t, db)

	ids, err := s.ListInstrumentIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7}, ids)
}

func TestDescribeColumns_RejectsUnknownTable(t *testing.T) {
	s := newTestStore(t, &pgtest.FakeDB{})

	_, err := s.DescribeColumns(context.Background(), "pg_shadow")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDescribeColumns(t *testing.T) {
	db := &pgtest.FakeDB{
		Results: []pgtest.QueryResult{
			{Contains: "information_schema.columns", Rows: [][]any{
				{"instrument_id", "bigint"},
				{"ts_utc", "timestamp with time zone"},
			}},
		},
	}
	s := newTestStore(t, db)

	columns, err := s.DescribeColumns(context.Background(), "voltage_mean_30m")
	require.NoError(t, err)
	require.Len(t, columns, 2)
	assert.Equal(t, Column{Name: "instrument_id", Type: "bigint"}, columns[0])
}

func TestReadRowsSince_WindowsOnCursorColumn(t *testing.T) {
	db := &pgtest.FakeDB{
		Results: []pgtest.QueryResult{
			{Contains: "FROM voltage_mean_30m", Rows: [][]any{
				{int64(1), "A", 230.1},
			}},
		},
	}
	s := newTestStore(t, db)

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	columns := []Column{{Name: "instrument_id"}, {Name: "phase"}, {Name: "value"}}
	rows, err := s.ReadRowsSince(context.Background(), "voltage_mean_30m", columns, since)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.Len(t, db.Queries, 1)
	assert.Contains(t, db.Queries[0].SQL, "WHERE ingested_at >= $1")
	assert.Equal(t, since, db.Queries[0].Args[0])
}

func TestCountSilverSince_WindowsOnReadingTimestamp(t *testing.T) {
	db := &pgtest.FakeDB{
		Results: []pgtest.QueryResult{
			{Contains: "FROM voltage_mean_30m", Rows: [][]any{{int64(4)}}},
		},
	}
	s := newTestStore(t, db)

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	count, err := s.CountSilverSince(context.Background(), normalize.MeasurementVoltage, since)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	require.Len(t, db.Queries, 1)
	assert.Contains(t, db.Queries[0].SQL, "WHERE ts_utc >= $1")
	assert.Equal(t, since, db.Queries[0].Args[0])
}

func TestHealth(t *testing.T) {
	s := newTestStore(t, &pgtest.FakeDB{})
	assert.NoError(t, s.Health(context.Background()))

	failing := &pgtest.FakeDB{}
	s = newTestStore(t, failing)
	failing.PingErr = fmt.Errorf("connection reset")
	err := s.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))
}
