package sqlitedriver

import (
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/mattn/go-sqlite3"

	"github.com/warehouseplan/core/internal/warehouse"
)

func TestClassifyError_BusyIsTransient(t *testing.T) {
	c := &Connection{healthy: true}
	err := sqlite3.Error{Code: sqlite3.ErrBusy}

	assert.Equal(t, warehouse.KindTransient, c.ClassifyError(err))
}

func TestClassifyError_IoErrIsConnectionLost(t *testing.T) {
	c := &Connection{healthy: true}
	err := sqlite3.Error{Code: sqlite3.ErrIoErr}

	assert.Equal(t, warehouse.KindConnectionLost, c.ClassifyError(err))
}

func TestClassifyError_OtherIsPermanent(t *testing.T) {
	c := &Connection{healthy: true}
	err := sqlite3.Error{Code: sqlite3.ErrConstraint}

	assert.Equal(t, warehouse.KindPermanent, c.ClassifyError(err))
}
