// Package replicate copies pipeline tables into a secondary Postgres
// database. The secondary is best-effort: each table syncs independently,
// failures are collected rather than aborting the pass, and the target
// schema evolves additively when the primary grows new columns.
package replicate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Carmigna/npg-substation360-pipeline/errors"
	"github.com/Carmigna/npg-substation360-pipeline/metric"
	"github.com/Carmigna/npg-substation360-pipeline/store"
)

// Source supplies rows and schema from the primary database. *store.Store
// implements it.
type Source interface {
	DescribeColumns(ctx context.Context, table string) ([]store.Column, error)
	ReadRowsSince(ctx context.Context, table string, columns []store.Column, since time.Time) ([][]any, error)
}

// conflictKeys name the upsert key per replicable table, so replaying a
// window into the secondary stays idempotent
var conflictKeys = map[string][]string{
	"instrument":       {"id"},
	"raw_measurement":  {"id"},
	"voltage_mean_30m": {"instrument_id", "ts_utc", "phase"},
	"current_mean_30m": {"instrument_id", "ts_utc", "phase"},
}

// TableResult reports one table's sync outcome
type TableResult struct {
	Table  string
	Copied int
	Err    error
}

// Report aggregates a sync pass
type Report struct {
	Results []TableResult
}

// Copied sums rows copied across all tables
func (r Report) Copied() int {
	total := 0
	for _, result := range r.Results {
		total += result.Copied
	}
	return total
}

// Err joins per-table failures, nil when every table synced
func (r Report) Err() error {
	var failed []string
	for _, result := range r.Results {
		if result.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", result.Table, result.Err))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return errors.WrapStorage(
		fmt.Errorf("%d of %d tables failed: %s", len(failed), len(r.Results), strings.Join(failed, "; ")),
		"Sink", "Sync", "replicate tables")
}

// Sink writes into the secondary database
type Sink struct {
	db      store.DB
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Connect opens the secondary pool and verifies it
func Connect(ctx context.Context, dsn string, logger *slog.Logger, metrics *metric.Metrics) (*Sink, error) {
	if dsn == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sink", "Connect", "dsn required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.WrapStorage(err, "Sink", "Connect", "create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapStorage(err, "Sink", "Connect", "ping secondary database")
	}
	return NewWithDB(pool, logger, metrics), nil
}

// NewWithDB wraps an existing secondary connection
func NewWithDB(db store.DB, logger *slog.Logger, metrics *metric.Metrics) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{db: db, logger: logger, metrics: metrics}
}

// Close releases the secondary pool
func (s *Sink) Close() {
	s.db.Close()
}

// Health verifies the secondary connection is usable
func (s *Sink) Health(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return errors.WrapStorage(err, "Sink", "Health", "ping secondary database")
	}
	return nil
}

// Init pre-creates the target tables without copying rows, so operators can
// verify connectivity and permissions before the first sync pass
func (s *Sink) Init(ctx context.Context, source Source, tables []string) error {
	for _, table := range tables {
		keys, ok := conflictKeys[table]
		if !ok {
			return errors.WrapInvalid(errors.ErrTableNotFound, "Sink", "Init",
				fmt.Sprintf("table %q is not replicable", table))
		}
		columns, err := source.DescribeColumns(ctx, table)
		if err != nil {
			return err
		}
		if err := s.ensureTable(ctx, table, columns, keys); err != nil {
			return err
		}
	}
	return nil
}

// Sync copies rows modified since the cursor for each named table. Tables
// sync independently: one failing table never blocks the rest.
func (s *Sink) Sync(ctx context.Context, source Source, tables []string, since time.Time) Report {
	report := Report{Results: make([]TableResult, 0, len(tables))}

	for _, table := range tables {
		result := TableResult{Table: table}
		result.Copied, result.Err = s.syncTable(ctx, source, table, since)

		if result.Err != nil {
			s.logger.Error("table sync failed", "table", table, "error", result.Err)
			if s.metrics != nil {
				s.metrics.SyncFailures.WithLabelValues(table).Inc()
			}
		} else {
			s.logger.Info("table synced", "table", table, "copied", result.Copied)
			if s.metrics != nil {
				s.metrics.SyncCopied.WithLabelValues(table).Add(float64(result.Copied))
			}
		}
		report.Results = append(report.Results, result)
	}
	return report
}

func (s *Sink) syncTable(ctx context.Context, source Source, table string, since time.Time) (int, error) {
	keys, ok := conflictKeys[table]
	if !ok {
		return 0, errors.WrapInvalid(errors.ErrTableNotFound, "Sink", "syncTable",
			fmt.Sprintf("table %q is not replicable", table))
	}

	columns, err := source.DescribeColumns(ctx, table)
	if err != nil {
		return 0, err
	}

	if err := s.ensureTable(ctx, table, columns, keys); err != nil {
		return 0, err
	}

	rows, err := source.ReadRowsSince(ctx, table, columns, since)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	sql := upsertSQL(table, columns, keys)
	for _, row := range rows {
		if _, err := s.db.Exec(ctx, sql, row...); err != nil {
			return 0, errors.WrapStorage(err, "Sink", "syncTable",
				fmt.Sprintf("copy row into %s", table))
		}
	}
	return len(rows), nil
}

// ensureTable creates the target table on first contact and adds any
// columns the primary has grown since. Existing target columns are never
// dropped or retyped.
func (s *Sink) ensureTable(ctx context.Context, table string, columns []store.Column, keys []string) error {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = fmt.Sprintf("%s %s", c.Name, c.Type)
	}

	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (%s))",
		table, strings.Join(defs, ", "), strings.Join(keys, ", "))
	if _, err := s.db.Exec(ctx, create); err != nil {
		return errors.WrapStorage(err, "Sink", "ensureTable",
			fmt.Sprintf("create %s", table))
	}

	for _, c := range columns {
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			table, c.Name, c.Type)
		if _, err := s.db.Exec(ctx, alter); err != nil {
			return errors.WrapStorage(err, "Sink", "ensureTable",
				fmt.Sprintf("add column %s.%s", table, c.Name))
		}
	}
	return nil
}

func upsertSQL(table string, columns []store.Column, keys []string) string {
	names := make([]string, len(columns))
	params := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
		params[i] = fmt.Sprintf("$%d", i+1)
	}

	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}

	var updates []string
	for _, c := range columns {
		if !keySet[c.Name] {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c.Name, c.Name))
		}
	}

	conflict := fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(keys, ", "), strings.Join(updates, ", "))
	if len(updates) == 0 {
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(keys, ", "))
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		table, strings.Join(names, ", "), strings.Join(params, ", "), conflict)
}
