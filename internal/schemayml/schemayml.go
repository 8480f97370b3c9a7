// Package schemayml loads the optional sibling schema.yml next to a
// model file: description, column tests, and extra config overlaid onto
// the model's own "-- config:" comment. Uses github.com/goccy/go-yaml,
// matching the teacher's config.go unmarshalling idiom.
//
// Resolution order (§9 open question, resolved in SPEC_FULL.md): the
// file's own "-- config:" comment wins on key conflict. schema.yml only
// fills in keys the file comment left unset.
package schemayml

import (
	"os"

	"github.com/goccy/go-yaml"

	"github.com/warehouseplan/core/internal/engerr"
	"github.com/warehouseplan/core/internal/model"
)

// ColumnSpec is one declared column within schema.yml.
type ColumnSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tests       []string `yaml:"tests"`
}

// ModelSpec is one model's entry within schema.yml.
type ModelSpec struct {
	Name    string            `yaml:"name"`
	Config  map[string]string `yaml:"config"`
	Columns []ColumnSpec      `yaml:"columns"`
}

type document struct {
	Models []ModelSpec `yaml:"models"`
}

// Load reads and parses a schema.yml file.
func Load(path string) (map[string]ModelSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ModelSpec{}, nil
		}

		return nil, engerr.Wrap(engerr.KindConfigurationError, "schemayml.Load", err)
	}

	return Parse(data)
}

// Parse parses schema.yml content already read into memory, keyed by
// model name for direct merge lookup.
func Parse(data []byte) (map[string]ModelSpec, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engerr.Wrap(engerr.KindConfigurationError, "schemayml.Parse", err)
	}

	out := make(map[string]ModelSpec, len(doc.Models))
	for _, m := range doc.Models {
		out[m.Name] = m
	}

	return out, nil
}

// Merge applies spec's config and columns onto m in place: file-comment
// config (already populated in m.Config by the template expander before
// this runs) wins on key conflict, so only keys absent from m.Config are
// filled in from spec.Config. Columns are taken from spec wholesale —
// there is no file-comment equivalent for declared columns.
func Merge(m *model.Model, spec ModelSpec) {
	if m.Config == nil {
		m.Config = map[string]string{}
	}

	for k, v := range spec.Config {
		if _, exists := m.Config[k]; !exists {
			m.Config[k] = v
		}
	}

	if len(spec.Columns) > 0 {
		cols := make([]model.ColumnDecl, 0, len(spec.Columns))
		for _, c := range spec.Columns {
			cols = append(cols, model.ColumnDecl{Name: c.Name, Description: c.Description, Tests: c.Tests})
		}

		m.Columns = cols
	}
}
