// Package pgtest provides in-memory fakes for the narrow pgx surface the
// storage and replication layers depend on. The fakes record every statement
// and serve scripted query results, so unit tests can assert on SQL shape
// and transaction boundaries without a live database.
package pgtest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Call is one recorded statement with its arguments
type Call struct {
	SQL  string
	Args []any
}

// QueryResult scripts the response to one matching query
type QueryResult struct {
	// Contains selects which queries this result answers (substring match)
	Contains string
	Rows     [][]any
	Err      error
}

// FakeDB satisfies the store.DB surface
type FakeDB struct {
	Execs   []Call
	Queries []Call

	// ExecErrs fails any Exec whose SQL contains the key
	ExecErrs map[string]error
	// Results answer Query/QueryRow calls in registration order
	Results []QueryResult

	BeginErr error
	PingErr  error

	Txs    []*FakeTx
	Closed bool
}

func (f *FakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.Execs = append(f.Execs, Call{SQL: sql, Args: args})
	for key, err := range f.ExecErrs {
		if strings.Contains(sql, key) {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.CommandTag{}, nil
}

func (f *FakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.Queries = append(f.Queries, Call{SQL: sql, Args: args})
	for _, result := range f.Results {
		if strings.Contains(sql, result.Contains) {
			if result.Err != nil {
				return nil, result.Err
			}
			return &FakeRows{rows: result.Rows}, nil
		}
	}
	return &FakeRows{}, nil
}

func (f *FakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := f.Query(ctx, sql, args...)
	if err != nil {
		return &fakeRow{err: err}
	}
	return &fakeRow{rows: rows.(*FakeRows)}
}

func (f *FakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.BeginErr != nil {
		return nil, f.BeginErr
	}
	tx := &FakeTx{db: f}
	f.Txs = append(f.Txs, tx)
	return tx, nil
}

func (f *FakeDB) Ping(ctx context.Context) error { return f.PingErr }

func (f *FakeDB) Close() { f.Closed = true }

// ExecsContaining returns recorded DB-level statements matching a fragment
func (f *FakeDB) ExecsContaining(fragment string) []Call {
	var out []Call
	for _, call := range f.Execs {
		if strings.Contains(call.SQL, fragment) {
			out = append(out, call)
		}
	}
	return out
}

// FakeTx satisfies pgx.Tx; statements are recorded on the transaction and
// visible to assertions only after Commit
type FakeTx struct {
	db *FakeDB

	Execs      []Call
	ExecErrs   map[string]error
	Committed  bool
	RolledBack bool
	CommitErr  error
}

func (t *FakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.Execs = append(t.Execs, Call{SQL: sql, Args: args})
	for key, err := range t.ExecErrs {
		if strings.Contains(sql, key) {
			return pgconn.CommandTag{}, err
		}
	}
	if t.db != nil {
		for key, err := range t.db.ExecErrs {
			if strings.Contains(sql, key) {
				return pgconn.CommandTag{}, err
			}
		}
	}
	return pgconn.CommandTag{}, nil
}

func (t *FakeTx) Commit(ctx context.Context) error {
	if t.CommitErr != nil {
		return t.CommitErr
	}
	t.Committed = true
	return nil
}

func (t *FakeTx) Rollback(ctx context.Context) error {
	if !t.Committed {
		t.RolledBack = true
	}
	return nil
}

func (t *FakeTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

func (t *FakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if t.db != nil {
		return t.db.Query(ctx, sql, args...)
	}
	return &FakeRows{}, nil
}

func (t *FakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := t.Query(ctx, sql, args...)
	if err != nil {
		return &fakeRow{err: err}
	}
	return &fakeRow{rows: rows.(*FakeRows)}
}

func (t *FakeTx) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	return 0, fmt.Errorf("copy not supported")
}

func (t *FakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }

func (t *FakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *FakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, fmt.Errorf("prepare not supported")
}

func (t *FakeTx) Conn() *pgx.Conn { return nil }

// FakeRows replays scripted row values
type FakeRows struct {
	rows [][]any
	pos  int
	err  error
}

func (r *FakeRows) Close() {}

func (r *FakeRows) Err() error { return r.err }

func (r *FakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (r *FakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *FakeRows) RawValues() [][]byte { return nil }

func (r *FakeRows) Conn() *pgx.Conn { return nil }

func (r *FakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *FakeRows) Values() ([]any, error) {
	if r.pos == 0 || r.pos > len(r.rows) {
		return nil, fmt.Errorf("no current row")
	}
	return r.rows[r.pos-1], nil
}

func (r *FakeRows) Scan(dest ...any) error {
	values, err := r.Values()
	if err != nil {
		return err
	}
	if len(dest) != len(values) {
		return fmt.Errorf("scan expects %d destinations, got %d", len(values), len(dest))
	}
	for i, value := range values {
		if err := assign(dest[i], value); err != nil {
			return fmt.Errorf("scan column %d: %w", i, err)
		}
	}
	return nil
}

type fakeRow struct {
	rows *FakeRows
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if !r.rows.Next() {
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}

func assign(dest, value any) error {
	switch d := dest.(type) {
	case *int64:
		switch v := value.(type) {
		case int64:
			*d = v
		case int:
			*d = int64(v)
		default:
			return fmt.Errorf("cannot assign %T to *int64", value)
		}
	case *string:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("cannot assign %T to *string", value)
		}
		*d = v
	case *float64:
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("cannot assign %T to *float64", value)
		}
		*d = v
	case *bool:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("cannot assign %T to *bool", value)
		}
		*d = v
	case *time.Time:
		v, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("cannot assign %T to *time.Time", value)
		}
		*d = v
	case *any:
		*d = value
	default:
		return fmt.Errorf("unsupported scan destination %T", dest)
	}
	return nil
}
