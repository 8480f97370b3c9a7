// Package pgdriver adapts github.com/jackc/pgx/v5 to the warehouse
// contract. It stands in for a Snowflake-family SQL dialect — the abstract contract (internal/warehouse) is dialect-
// agnostic per spec's non-goal on multi-warehouse portability.
package pgdriver

import (
	"context"
	"errors"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/warehouseplan/core/internal/warehouse"
)

// Connector dials a single pgx connection per Connect call — C7's
// driverpool.Pool is what provides bounding and reuse, so each
// connector-constructed Connection is a single dedicated session.
type Connector struct {
	DSN string
}

func (c *Connector) Connect(ctx context.Context) (warehouse.Connection, error) {
	conn, err := pgx.Connect(ctx, c.DSN)
	if err != nil {
		return nil, err
	}

	return &Connection{conn: conn, healthy: true}, nil
}

// Connection wraps a live *pgx.Conn.
type Connection struct {
	conn    *pgx.Conn
	healthy bool
}

func (c *Connection) Execute(ctx context.Context, sql string) (warehouse.RowIter, error) {
	rows, err := c.conn.Query(ctx, sql)
	if err != nil {
		c.noteErr(err)
		return nil, err
	}

	return &rowIter{rows: rows}, nil
}

func (c *Connection) ExecuteMany(ctx context.Context, sqls []string) error {
	batch := &pgx.Batch{}
	for _, s := range sqls {
		batch.Queue(s)
	}

	br := c.conn.SendBatch(ctx, batch)
	defer br.Close()

	for range sqls {
		if _, err := br.Exec(); err != nil {
			c.noteErr(err)
			return err
		}
	}

	return nil
}

func (c *Connection) BulkInsert(ctx context.Context, qualified string, columns []string, rows warehouse.RowIter) (int64, error) {
	src := &rowIterCopySource{iter: rows, columns: columns}

	n, err := c.conn.CopyFrom(ctx, pgx.Identifier{qualified}, columns, src)
	if err != nil {
		c.noteErr(err)
		return n, err
	}

	return n, nil
}

func (c *Connection) ApplySessionVariables(ctx context.Context, vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for k, v := range vars {
		batch.Queue("SET "+k+" = $1", v)
	}

	br := c.conn.SendBatch(ctx, batch)
	defer br.Close()

	for range vars {
		if _, err := br.Exec(); err != nil {
			c.noteErr(err)
			return err
		}
	}

	return nil
}

func (c *Connection) Healthy() bool {
	return c.healthy && !c.conn.IsClosed()
}

func (c *Connection) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

func (c *Connection) noteErr(err error) {
	if c.ClassifyError(err) == warehouse.KindConnectionLost {
		c.healthy = false
	}
}

// ClassifyError maps a pgx/pgconn error to the abstract Kind, grounded on
// pgconn.PgError's SQLSTATE classes: 08000/08001/08003/08004/08006
// (connection exceptions), io.EOF and context.DeadlineExceeded are
// ConnectionLost; 40001/40P01 (serialization
// failure / deadlock) and 57014 (query canceled on timeout) are
// Transient; everything else is Permanent.
func (c *Connection) ClassifyError(err error) warehouse.Kind {
	if err == nil {
		return warehouse.KindUnknown
	}

	if errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return warehouse.KindConnectionLost
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57014":
			return warehouse.KindTransient
		case "08000", "08003", "08006", "08001", "08004":
			return warehouse.KindConnectionLost
		default:
			return warehouse.KindPermanent
		}
	}

	return warehouse.KindPermanent
}

type rowIter struct {
	rows pgx.Rows
	row  warehouse.Row
	err  error
}

func (it *rowIter) Next() bool {
	if !it.rows.Next() {
		return false
	}

	values, err := it.rows.Values()
	if err != nil {
		it.err = err
		return false
	}

	fields := it.rows.FieldDescriptions()
	row := make(warehouse.Row, len(fields))

	for i, f := range fields {
		if i < len(values) {
			row[string(f.Name)] = values[i]
		}
	}

	it.row = row

	return true
}

func (it *rowIter) Row() warehouse.Row { return it.row }
func (it *rowIter) Err() error {
	if it.err != nil {
		return it.err
	}

	return it.rows.Err()
}

func (it *rowIter) Close() error {
	it.rows.Close()
	return nil
}

// rowIterCopySource adapts a warehouse.RowIter to pgx.CopyFromSource for BulkInsert.
type rowIterCopySource struct {
	iter    warehouse.RowIter
	columns []string
	current warehouse.Row
}

func (s *rowIterCopySource) Next() bool {
	if !s.iter.Next() {
		return false
	}

	s.current = s.iter.Row()

	return true
}

func (s *rowIterCopySource) Values() ([]any, error) {
	values := make([]any, len(s.columns))
	for i, col := range s.columns {
		values[i] = s.current[col]
	}

	return values, nil
}

func (s *rowIterCopySource) Err() error {
	return s.iter.Err()
}
