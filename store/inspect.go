package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Carmigna/npg-substation360-pipeline/errors"
)

// Column describes one column of a replicated table
type Column struct {
	Name string
	Type string
}

// replicableTables bounds which tables the sync path may touch; table names
// flow into SQL text, so unknown names are rejected outright
var replicableTables = map[string]string{
	"instrument":       "updated_at",
	"raw_measurement":  "fetched_at",
	"voltage_mean_30m": "ingested_at",
	"current_mean_30m": "ingested_at",
}

// CursorColumn returns the timestamp column used to window sync reads
func CursorColumn(table string) (string, error) {
	column, ok := replicableTables[table]
	if !ok {
		return "", errors.WrapInvalid(errors.ErrTableNotFound, "Store", "CursorColumn",
			fmt.Sprintf("table %q is not replicable", table))
	}
	return column, nil
}

// DescribeColumns reports the live column set of a table in ordinal order
func (s *Store) DescribeColumns(ctx context.Context, table string) ([]Column, error) {
	if _, err := CursorColumn(table); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, errors.WrapStorage(err, "Store", "DescribeColumns", "query column catalog")
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, errors.WrapStorage(err, "Store", "DescribeColumns", "scan column")
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStorage(err, "Store", "DescribeColumns", "iterate columns")
	}
	if len(columns) == 0 {
		return nil, errors.WrapStorage(errors.ErrTableNotFound, "Store", "DescribeColumns",
			fmt.Sprintf("describe %s", table))
	}
	return columns, nil
}

// ReadRowsSince streams rows modified at or after the cursor, as column
// values in the order reported by DescribeColumns
func (s *Store) ReadRowsSince(ctx context.Context, table string, columns []Column, since time.Time) ([][]any, error) {
	cursor, err := CursorColumn(table)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}

	sql := fmt.Sprintf(`SELECT %s FROM %s WHERE %s >= $1 ORDER BY %s`,
		strings.Join(names, ", "), table, cursor, cursor)

	rows, err := s.db.Query(ctx, sql, since.UTC())
	if err != nil {
		return nil, errors.WrapStorage(err, "Store", "ReadRowsSince", "query source rows")
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.WrapStorage(err, "Store", "ReadRowsSince", "read row values")
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStorage(err, "Store", "ReadRowsSince", "iterate source rows")
	}
	return out, nil
}
