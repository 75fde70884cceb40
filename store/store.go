// Package store persists the pipeline's data tiers in Postgres: instrument
// metadata, raw landed payloads, and canonical per-phase readings.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Carmigna/npg-substation360-pipeline/client"
	"github.com/Carmigna/npg-substation360-pipeline/errors"
	"github.com/Carmigna/npg-substation360-pipeline/metric"
	"github.com/Carmigna/npg-substation360-pipeline/normalize"
)

// DB is the slice of pgxpool.Pool the store depends on. Narrowing it keeps
// unit tests on fakes while integration tests run the real pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store owns the primary Postgres schema
type Store struct {
	db      DB
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Connect opens a pooled connection, verifies it, and bootstraps the schema
func Connect(ctx context.Context, dsn string, logger *slog.Logger, metrics *metric.Metrics) (*Store, error) {
	if dsn == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "Connect", "dsn required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.WrapStorage(err, "Store", "Connect", "create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapStorage(err, "Store", "Connect", "ping database")
	}

	s, err := NewWithDB(ctx, pool, logger, metrics)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection and bootstraps the schema
func NewWithDB(ctx context.Context, db DB, logger *slog.Logger, metrics *metric.Metrics) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger, metrics: metrics}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool
func (s *Store) Close() {
	s.db.Close()
}

// Health verifies the connection is usable
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return errors.WrapStorage(err, "Store", "Health", "ping database")
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.Exec(ctx, ddl); err != nil {
			return errors.WrapStorage(err, "Store", "ensureSchema", "apply schema statement")
		}
	}
	s.logger.Debug("schema verified", "tables", len(schemaDDL))
	return nil
}

// UpsertInstruments replaces instrument metadata wholesale: the remote
// listing is authoritative, so name, commissioned flag, and the raw vendor
// record are all overwritten on conflict. Returns the number of instruments
// written.
func (s *Store) UpsertInstruments(ctx context.Context, instruments []client.Instrument) (int, error) {
	if len(instruments) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errors.WrapStorage(err, "Store", "UpsertInstruments", "begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, inst := range instruments {
		meta, err := json.Marshal(inst.Meta)
		if err != nil {
			return 0, errors.WrapInvalid(err, "Store", "UpsertInstruments", "encode instrument metadata")
		}
		if _, err := tx.Exec(ctx, upsertInstrumentSQL,
			inst.ID, inst.Name, inst.Commissioned, meta); err != nil {
			return 0, errors.WrapStorage(err, "Store", "UpsertInstruments",
				fmt.Sprintf("upsert instrument %d", inst.ID))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.WrapStorage(err, "Store", "UpsertInstruments", "commit transaction")
	}
	s.logger.Info("instrument metadata refreshed", "count", len(instruments))
	return len(instruments), nil
}

// ListInstrumentIDs returns the ids of all commissioned instruments
func (s *Store) ListInstrumentIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, selectInstrumentIDsSQL)
	if err != nil {
		return nil, errors.WrapStorage(err, "Store", "ListInstrumentIDs", "query instruments")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WrapStorage(err, "Store", "ListInstrumentIDs", "scan instrument id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStorage(err, "Store", "ListInstrumentIDs", "iterate instruments")
	}
	return ids, nil
}

// RawRow is one bronze row: a response row tagged with the instrument it
// belongs to, stored verbatim.
type RawRow struct {
	InstrumentID int64
	Payload      map[string]any
}

// AppendRaw lands one fetched batch in the bronze tier, one row per response
// row. Raw rows are append-only: every fetch gets fresh ids even when the
// payloads repeat.
func (s *Store) AppendRaw(ctx context.Context, endpoint string, windowFrom, windowTo time.Time, rows []RawRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errors.WrapStorage(err, "Store", "AppendRaw", "begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	fetchedAt := time.Now().UTC()
	for _, row := range rows {
		encoded, err := json.Marshal(row.Payload)
		if err != nil {
			return 0, errors.WrapInvalid(err, "Store", "AppendRaw", "encode raw payload")
		}
		if _, err := tx.Exec(ctx, insertRawSQL,
			uuid.New(), endpoint, row.InstrumentID, encoded,
			windowFrom.UTC(), windowTo.UTC(), fetchedAt); err != nil {
			return 0, errors.WrapStorage(err, "Store", "AppendRaw", "insert raw row")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.WrapStorage(err, "Store", "AppendRaw", "commit transaction")
	}

	if s.metrics != nil {
		s.metrics.RawAppended.WithLabelValues(endpoint).Add(float64(len(rows)))
	}
	return len(rows), nil
}

// UpsertSilver writes one normalized batch atomically. Re-running the same
// batch overwrites value and unit for each (instrument, ts_utc, phase) key,
// leaving row counts unchanged.
func (s *Store) UpsertSilver(ctx context.Context, measurement normalize.Measurement, records []normalize.Record) (int, error) {
	table, err := silverTable(measurement)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errors.WrapStorage(err, "Store", "UpsertSilver", "begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sql := fmt.Sprintf(upsertSilverSQLTemplate, table)
	for _, record := range records {
		if _, err := tx.Exec(ctx, sql,
			record.InstrumentID, record.TSUTC.UTC(), record.Phase, record.Value, record.Unit); err != nil {
			return 0, errors.WrapStorage(err, "Store", "UpsertSilver",
				fmt.Sprintf("upsert %s reading", table))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.WrapStorage(err, "Store", "UpsertSilver", "commit transaction")
	}

	if s.metrics != nil {
		s.metrics.SilverUpserted.WithLabelValues(table).Add(float64(len(records)))
	}
	return len(records), nil
}

// CountSilver reports rows in one silver table, mainly for ingest summaries
func (s *Store) CountSilver(ctx context.Context, measurement normalize.Measurement) (int64, error) {
	table, err := silverTable(measurement)
	if err != nil {
		return 0, err
	}

	var count int64
	row := s.db.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table))
	if err := row.Scan(&count); err != nil {
		return 0, errors.WrapStorage(err, "Store", "CountSilver", "count rows")
	}
	return count, nil
}

// CountSilverSince reports rows whose reading timestamp is at or after the
// cursor
func (s *Store) CountSilverSince(ctx context.Context, measurement normalize.Measurement, since time.Time) (int64, error) {
	table, err := silverTable(measurement)
	if err != nil {
		return 0, err
	}

	var count int64
	row := s.db.QueryRow(ctx,
		fmt.Sprintf("SELECT count(*) FROM %s WHERE ts_utc >= $1", table), since.UTC())
	if err := row.Scan(&count); err != nil {
		return 0, errors.WrapStorage(err, "Store", "CountSilverSince", "count rows")
	}
	return count, nil
}

func silverTable(measurement normalize.Measurement) (string, error) {
	switch measurement {
	case normalize.MeasurementVoltage:
		return "voltage_mean_30m", nil
	case normalize.MeasurementCurrent:
		return "current_mean_30m", nil
	default:
		return "", errors.WrapInvalid(errors.ErrInvalidPayload, "Store", "silverTable",
			fmt.Sprintf("unknown measurement %q", measurement))
	}
}
