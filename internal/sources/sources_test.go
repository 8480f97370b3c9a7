package sources

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

const fixture = `
groups:
  raw:
    tables:
      orders:
        identifier: prod.raw.orders
      customers:
        identifier: prod.raw.customers
  events:
    tables:
      clicks:
        identifier: prod.events.clicks
`

func TestParse_ResolvesKnownTable(t *testing.T) {
	cat, err := Parse([]byte(fixture))
	assert.NoError(t, err)

	id, err := cat.Resolve("raw", "orders")
	assert.NoError(t, err)
	assert.Equal(t, "prod.raw.orders", id)
}

func TestResolve_UnknownGroupIsError(t *testing.T) {
	cat, err := Parse([]byte(fixture))
	assert.NoError(t, err)

	_, err = cat.Resolve("nope", "orders")
	assert.Error(t, err)
}

func TestResolve_UnknownTableIsError(t *testing.T) {
	cat, err := Parse([]byte(fixture))
	assert.NoError(t, err)

	_, err = cat.Resolve("raw", "nope")
	assert.Error(t, err)
}

func TestParse_MalformedYAMLIsError(t *testing.T) {
	_, err := Parse([]byte("groups: [not, a, map"))
	assert.Error(t, err)
}

func TestGroups_ReturnsAllDeclared(t *testing.T) {
	cat, err := Parse([]byte(fixture))
	assert.NoError(t, err)

	groups := cat.Groups()
	assert.Equal(t, 2, len(groups))
	assert.Equal(t, 2, len(groups["raw"].Tables))
}
