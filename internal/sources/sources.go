// Package sources loads the sources catalogue (sources.yml): named
// groups of external tables, each resolving to a physical identifier.
// Uses github.com/goccy/go-yaml, the same library and unmarshalling
// idiom the teacher's own config.go uses for its nested config maps.
package sources

import (
	"os"

	"github.com/goccy/go-yaml"

	"github.com/warehouseplan/core/internal/engerr"
)

// Table is one logical table within a source group.
type Table struct {
	Name       string `yaml:"-"`
	Identifier string `yaml:"identifier"`
}

// Group is a named collection of tables sharing a physical schema.
type Group struct {
	Name   string           `yaml:"-"`
	Tables map[string]Table `yaml:"tables"`
}

// document mirrors sources.yml's on-disk shape:
//
//	groups:
//	  raw:
//	    tables:
//	      orders:
//	        identifier: prod.raw.orders
type document struct {
	Groups map[string]struct {
		Tables map[string]struct {
			Identifier string `yaml:"identifier"`
		} `yaml:"tables"`
	} `yaml:"groups"`
}

// Catalogue is the parsed sources.yml, ready for group/table lookup.
type Catalogue struct {
	groups map[string]Group
}

// Load reads and parses the sources.yml at path.
func Load(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engerr.Wrap(engerr.KindConfigurationError, "sources.Load", err)
	}

	return Parse(data)
}

// Parse parses sources.yml content already read into memory.
func Parse(data []byte) (*Catalogue, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engerr.Wrap(engerr.KindConfigurationError, "sources.Parse", err)
	}

	groups := make(map[string]Group, len(doc.Groups))

	for groupName, g := range doc.Groups {
		tables := make(map[string]Table, len(g.Tables))

		for tableName, tbl := range g.Tables {
			tables[tableName] = Table{Name: tableName, Identifier: tbl.Identifier}
		}

		groups[groupName] = Group{Name: groupName, Tables: tables}
	}

	return &Catalogue{groups: groups}, nil
}

// Resolve looks up group.table's physical identifier, returning
// MissingModelError-flavoured ConfigurationError if either is undeclared
// (a source() reference to an undeclared source is a compile-time error,
// same severity class as a ref() to an unknown model).
func (c *Catalogue) Resolve(group, table string) (string, error) {
	g, ok := c.groups[group]
	if !ok {
		return "", engerr.New(engerr.KindConfigurationError, "sources.Resolve", "unknown source group: "+group)
	}

	t, ok := g.Tables[table]
	if !ok {
		return "", engerr.New(engerr.KindConfigurationError, "sources.Resolve", "unknown source table: "+group+"."+table)
	}

	return t.Identifier, nil
}

// Groups returns every declared group, keyed by name.
func (c *Catalogue) Groups() map[string]Group {
	return c.groups
}
