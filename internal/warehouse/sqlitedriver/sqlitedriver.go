// Package sqlitedriver adapts github.com/mattn/go-sqlite3 (via
// database/sql) to the warehouse contract as a fast local file-backed
// backend. The engine's own tests use in-package fake connections, not
// this driver.
package sqlitedriver

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/warehouseplan/core/internal/warehouse"
)

// Connector opens one single-connection *sql.DB per Connect call.
type Connector struct {
	DSN string // e.g. "file:test.db?cache=shared" or ":memory:"
}

func (c *Connector) Connect(ctx context.Context) (warehouse.Connection, error) {
	db, err := sql.Open("sqlite3", c.DSN)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Connection{db: db, healthy: true}, nil
}

// Connection wraps a single-conn *sql.DB handle.
type Connection struct {
	db      *sql.DB
	healthy bool
}

func (c *Connection) Execute(ctx context.Context, sqlText string) (warehouse.RowIter, error) {
	rows, err := c.db.QueryContext(ctx, sqlText)
	if err != nil {
		c.noteErr(err)
		return nil, err
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}

	return &rowIter{rows: rows, cols: cols}, nil
}

func (c *Connection) ExecuteMany(ctx context.Context, sqls []string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		c.noteErr(err)
		return err
	}

	for _, s := range sqls {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			tx.Rollback()
			c.noteErr(err)

			return err
		}
	}

	if err := tx.Commit(); err != nil {
		c.noteErr(err)
		return err
	}

	return nil
}

func (c *Connection) BulkInsert(ctx context.Context, qualified string, columns []string, rows warehouse.RowIter) (int64, error) {
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		c.noteErr(err)
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+qualified+" ("+strings.Join(columns, ",")+") VALUES "+placeholders)
	if err != nil {
		tx.Rollback()
		c.noteErr(err)

		return 0, err
	}
	defer stmt.Close()

	var n int64

	for rows.Next() {
		row := rows.Row()
		values := make([]any, len(columns))

		for i, col := range columns {
			values[i] = row[col]
		}

		res, err := stmt.ExecContext(ctx, values...)
		if err != nil {
			tx.Rollback()
			c.noteErr(err)

			return n, err
		}

		affected, _ := res.RowsAffected()
		n += affected
	}

	if err := rows.Err(); err != nil {
		tx.Rollback()
		return n, err
	}

	if err := tx.Commit(); err != nil {
		c.noteErr(err)
		return n, err
	}

	return n, nil
}

// ApplySessionVariables is a no-op for sqlite: it has no session-scoped
// variable mechanism analogous to Snowflake's SET statements, beyond
// PRAGMAs — which this engine's models never reference.
func (c *Connection) ApplySessionVariables(ctx context.Context, vars map[string]string) error {
	return nil
}

func (c *Connection) Healthy() bool {
	return c.healthy
}

func (c *Connection) Close(ctx context.Context) error {
	return c.db.Close()
}

func (c *Connection) noteErr(err error) {
	if c.ClassifyError(err) == warehouse.KindConnectionLost {
		c.healthy = false
	}
}

// ClassifyError maps sqlite3.Error.Code (grounded on mattn/go-sqlite3's
// own exported error-code type) to the abstract Kind: SQLITE_BUSY/LOCKED
// are Transient; SQLITE_IOERR/SQLITE_CORRUPT/connection-level failures
// are ConnectionLost; everything else is Permanent.
func (c *Connection) ClassifyError(err error) warehouse.Kind {
	if err == nil {
		return warehouse.KindUnknown
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return warehouse.KindTransient
		case sqlite3.ErrIoErr, sqlite3.ErrCorrupt, sqlite3.ErrCantOpen:
			return warehouse.KindConnectionLost
		default:
			return warehouse.KindPermanent
		}
	}

	if errors.Is(err, sql.ErrConnDone) {
		return warehouse.KindConnectionLost
	}

	return warehouse.KindPermanent
}

type rowIter struct {
	rows *sql.Rows
	cols []string
	row  warehouse.Row
}

func (it *rowIter) Next() bool {
	if !it.rows.Next() {
		return false
	}

	values := make([]any, len(it.cols))
	ptrs := make([]any, len(it.cols))

	for i := range values {
		ptrs[i] = &values[i]
	}

	if err := it.rows.Scan(ptrs...); err != nil {
		return false
	}

	row := make(warehouse.Row, len(it.cols))
	for i, col := range it.cols {
		row[col] = values[i]
	}

	it.row = row

	return true
}

func (it *rowIter) Row() warehouse.Row { return it.row }
func (it *rowIter) Err() error         { return it.rows.Err() }
func (it *rowIter) Close() error       { return it.rows.Close() }
