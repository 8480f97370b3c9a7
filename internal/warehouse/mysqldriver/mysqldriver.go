// Package mysqldriver adapts github.com/go-sql-driver/mysql (via
// database/sql) to the warehouse contract.
package mysqldriver

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/warehouseplan/core/internal/warehouse"
)

// Connector opens a single *sql.DB backed by one pooled *sql.Conn per
// Connect call — database/sql's own pool is pinned to size 1 here since
// C7's driverpool.Pool is the pool of record.
type Connector struct {
	DSN string
}

func (c *Connector) Connect(ctx context.Context) (warehouse.Connection, error) {
	db, err := sql.Open("mysql", c.DSN)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

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

func (c *Connection) ApplySessionVariables(ctx context.Context, vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("SET ")

	first := true

	for k, v := range vars {
		if !first {
			sb.WriteString(", ")
		}

		first = false
		sb.WriteString(k)
		sb.WriteString(" = '")
		sb.WriteString(strings.ReplaceAll(v, "'", "''"))
		sb.WriteString("'")
	}

	_, err := c.db.ExecContext(ctx, sb.String())
	if err != nil {
		c.noteErr(err)
	}

	return err
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

// ClassifyError maps *mysql.MySQLError.Number (grounded on
// go-sql-driver/mysql's own exported error numbers) to the abstract
// Kind: 1205/1213 (lock wait timeout / deadlock) are Transient;
// mysql.ErrInvalidConn and numbers 2006/2013 (server gone away / lost
// connection) are ConnectionLost;
// everything else is Permanent.
func (c *Connection) ClassifyError(err error) warehouse.Kind {
	if err == nil {
		return warehouse.KindUnknown
	}

	if errors.Is(err, mysql.ErrInvalidConn) {
		return warehouse.KindConnectionLost
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213:
			return warehouse.KindTransient
		case 2006, 2013: // server gone away, lost connection during query
			return warehouse.KindConnectionLost
		default:
			return warehouse.KindPermanent
		}
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
