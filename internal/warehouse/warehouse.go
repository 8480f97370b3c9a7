// Package warehouse defines the abstract driver contract C7 demands of
// any warehouse backend (§6) and the error-kind classification every
// concrete adapter (pgdriver, mysqldriver, sqlitedriver) must implement.
// The contract is deliberately dialect-agnostic: Snowflake is the
// primary target, but nothing here names it.
package warehouse

import "context"

// Kind classifies a driver-level error for the pool's retry/discard policy.
type Kind int

const (
	// KindUnknown should never be returned by a conforming classifier.
	KindUnknown Kind = iota
	// KindTransient is retryable on the same connection (e.g. lock timeout, deadlock).
	KindTransient
	// KindConnectionLost means the connection must be discarded and recreated.
	KindConnectionLost
	// KindPermanent is not retryable (syntax error, permission denied, constraint violation).
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "Transient"
	case KindConnectionLost:
		return "ConnectionLost"
	case KindPermanent:
		return "Permanent"
	default:
		return "Unknown"
	}
}

// Row is one result row, column name to driver-native value.
type Row map[string]any

// RowIter streams query results one row at a time.
type RowIter interface {
	Next() bool
	Row() Row
	Err() error
	Close() error
}

// Connection is a single live warehouse session, as handed out by a Pool.
type Connection interface {
	// Execute runs a single statement and streams its rows.
	Execute(ctx context.Context, sql string) (RowIter, error)
	// ExecuteMany runs multiple statements in one round trip (no result rows expected).
	ExecuteMany(ctx context.Context, sqls []string) error
	// BulkInsert loads row data into qualified via the backend's native bulk path.
	BulkInsert(ctx context.Context, qualified string, columns []string, rows RowIter) (int64, error)
	// ApplySessionVariables issues the single batched statement that sets
	// session-scoped variables for this connection, once per acquisition.
	ApplySessionVariables(ctx context.Context, vars map[string]string) error
	// Healthy reports cached connection-liveness state without issuing a probe query.
	Healthy() bool
	// Close releases the underlying driver resource.
	Close(ctx context.Context) error
	// ClassifyError maps a driver-native error to a Kind.
	ClassifyError(err error) Kind
}

// Connector constructs new Connections against one backend/DSN.
type Connector interface {
	Connect(ctx context.Context) (Connection, error)
}
