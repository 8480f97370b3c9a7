// Package model holds the data types owned by the registry (Model) and the
// sources catalogue (Source), shared read-only by every downstream package.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Materialisation identifies the physical form a model's output takes.
type Materialisation string

const (
	MaterializeView        Materialisation = "view"
	MaterializeTable       Materialisation = "table"
	MaterializeTemp        Materialisation = "temp"
	MaterializeIncremental Materialisation = "incremental"
	MaterializeCDC         Materialisation = "cdc"
)

// IncrementalStrategy selects one of the three incremental sub-strategies.
type IncrementalStrategy string

const (
	IncrementalAppend    IncrementalStrategy = "append"
	IncrementalTime      IncrementalStrategy = "time"
	IncrementalUniqueKey IncrementalStrategy = "unique_key"
)

// SchemaChangeMode controls drift handling for incremental/CDC targets.
type SchemaChangeMode string

const (
	SchemaChangeFail        SchemaChangeMode = ""
	SchemaChangeAppendNew   SchemaChangeMode = "append_new_columns"
)

// Model is a logical transformation, uniquely named by dotted path
// (e.g. "silver.cleaned_orders"). It is created on first registration,
// replaced wholesale on re-registration, never mutated in place.
type Model struct {
	// Name is the dotted logical name derived from the file's path under models/.
	Name string
	// RelativePath is the path under models/ (including .sql) the file was read from.
	RelativePath string
	// RawText is the unexpanded SQL source exactly as read from disk.
	RawText string
	// Config is the merged configuration map: schema.yml values overlaid by
	// (and overridden by, on conflict) the file's own "-- config:" comment.
	Config map[string]string
	// Materialize is the model's materialisation kind, from Config["materialized"].
	Materialize Materialisation
	// Incremental is the incremental sub-strategy, relevant only when
	// Materialize == MaterializeIncremental.
	Incremental IncrementalStrategy
	// TimeColumn is the watermark column for incremental "time"/"append" strategies.
	TimeColumn string
	// UniqueKey is the merge/dedup key for "unique_key" incremental and CDC models.
	UniqueKey string
	// OnSchemaChange records the on_schema_change config value. No
	// materialisation strategy reads it: schema drift in an existing
	// target is not handled.
	OnSchemaChange SchemaChangeMode
	// ClusterBy lists clustering keys for table materialisations, if any.
	ClusterBy []string
	// ExtraDeps are dependencies declared via "-- depends_on:" comments, in
	// addition to whatever refs the template expander and SQL parser find.
	ExtraDeps []string
	// DeclaredVariables are the $var names the template expander observed in
	// the raw SQL, so the executor can validate them before substitution.
	DeclaredVariables []string
	// Columns is the optional declared schema loaded from a sibling schema.yml.
	Columns []ColumnDecl
}

// ColumnDecl is one declared output column from a sibling schema.yml.
type ColumnDecl struct {
	Name        string
	Description string
	Tests       []string
}

// Fingerprint computes the stable content hash spec.md §3 requires: a hash
// over the raw text plus the sorted config map. Two Models with identical
// RawText and Config always fingerprint identically regardless of map
// iteration order.
func (m *Model) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(m.RawText))

	keys := make([]string, 0, len(m.Config))
	for k := range m.Config {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(m.Config[k]))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Source is an external relation registered via the sources catalogue.
// Sources are immutable within a run.
type Source struct {
	Group       string
	Table       string
	PhysicalID  string
}

// QualifiedName returns the group.table logical reference used in templates.
func (s Source) QualifiedName() string {
	return strings.Join([]string{s.Group, s.Table}, ".")
}
