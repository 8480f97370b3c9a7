package schemayml

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/warehouseplan/core/internal/model"
)

const fixture = `
models:
  - name: silver.orders
    config:
      materialized: view
      cluster_by: order_date
    columns:
      - name: id
        description: surrogate order key
        tests: [unique, not_null]
      - name: customer_id
        description: FK to customers
`

func TestParse_KeysByModelName(t *testing.T) {
	specs, err := Parse([]byte(fixture))
	assert.NoError(t, err)

	spec, ok := specs["silver.orders"]
	assert.True(t, ok)
	assert.Equal(t, "view", spec.Config["materialized"])
	assert.Equal(t, 2, len(spec.Columns))
}

func TestMerge_FileCommentConfigWinsOnConflict(t *testing.T) {
	m := &model.Model{Name: "silver.orders", Config: map[string]string{"materialized": "table"}}

	specs, err := Parse([]byte(fixture))
	assert.NoError(t, err)

	Merge(m, specs["silver.orders"])

	assert.Equal(t, "table", m.Config["materialized"]) // file comment wins
	assert.Equal(t, "order_date", m.Config["cluster_by"]) // filled in from schema.yml
}

func TestMerge_ColumnsAlwaysTakenFromSchema(t *testing.T) {
	m := &model.Model{Name: "silver.orders", Config: map[string]string{}}

	specs, err := Parse([]byte(fixture))
	assert.NoError(t, err)

	Merge(m, specs["silver.orders"])

	assert.Equal(t, 2, len(m.Columns))
	assert.Equal(t, "id", m.Columns[0].Name)
	assert.Equal(t, []string{"unique", "not_null"}, m.Columns[0].Tests)
}

func TestLoad_MissingFileIsEmptyNotError(t *testing.T) {
	specs, err := Load("/nonexistent/schema.yml")
	assert.NoError(t, err)
	assert.Equal(t, 0, len(specs))
}
