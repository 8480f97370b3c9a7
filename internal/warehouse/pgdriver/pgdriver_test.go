package pgdriver

import (
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/warehouseplan/core/internal/warehouse"
)

func TestClassifyError_SerializationFailureIsTransient(t *testing.T) {
	c := &Connection{healthy: true}
	err := &pgconn.PgError{Code: "40001"}

	assert.Equal(t, warehouse.KindTransient, c.ClassifyError(err))
}

func TestClassifyError_ConnectionExceptionIsConnectionLost(t *testing.T) {
	c := &Connection{healthy: true}
	err := &pgconn.PgError{Code: "08006"}

	assert.Equal(t, warehouse.KindConnectionLost, c.ClassifyError(err))
}

func TestClassifyError_OtherSQLStateIsPermanent(t *testing.T) {
	c := &Connection{healthy: true}
	err := &pgconn.PgError{Code: "42601"}

	assert.Equal(t, warehouse.KindPermanent, c.ClassifyError(err))
}
