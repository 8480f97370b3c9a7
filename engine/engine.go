// Package engine implements C15: the public facade tying C1-C14 together
// for an embedding CLI. It owns no flag parsing, profile loading, env var
// expansion, or filesystem watching (spec.md §1's explicit out-of-scope
// external collaborators) — only compile -> plan -> run, grounded on the
// teacher's own posture of keeping its `cli`/`cmd/snapsql` command
// handlers thin wrappers around library packages.
package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/warehouseplan/core/internal/driverpool"
	"github.com/warehouseplan/core/internal/engerr"
	"github.com/warehouseplan/core/internal/executor"
	"github.com/warehouseplan/core/internal/graph"
	"github.com/warehouseplan/core/internal/model"
	"github.com/warehouseplan/core/internal/planner"
	"github.com/warehouseplan/core/internal/registry"
	"github.com/warehouseplan/core/internal/schemayml"
	"github.com/warehouseplan/core/internal/sources"
	"github.com/warehouseplan/core/internal/sqlast"
	"github.com/warehouseplan/core/internal/state"
	"github.com/warehouseplan/core/internal/template"
	"github.com/warehouseplan/core/internal/warehouse"
)

// Engine is the single seam an embedding CLI calls into: Compile builds
// the Registry and Graph from a project directory, Plan diffs them
// against the State Store, and Run drives a Plan to completion.
type Engine struct {
	reg      *registry.Registry
	graph    *graph.Graph
	store    *state.Store
	srcCat   *sources.Catalogue
	pool     *driverpool.Pool
	classify func(error) warehouse.Kind
	cdc      executor.CDCSource
}

// New wires an Engine around an already-open connection Pool and Store.
// classify maps a driver-native error to a warehouse.Kind for the pool's
// retry decision — pass the backing driver's own Connection.ClassifyError
// (pgdriver/mysqldriver/sqlitedriver each export one).
func New(pool *driverpool.Pool, store *state.Store, classify func(error) warehouse.Kind) *Engine {
	return &Engine{
		reg:      registry.New(),
		graph:    graph.New(),
		store:    store,
		pool:     pool,
		classify: classify,
	}
}

// SetCDCSource wires in the change-stream supplier CDC models read from.
// Left unset, CDC models run with no pending changes — the feed itself
// (Kafka, a raw extraction query, a log-shipping tool) is an external
// collaborator this engine only consumes through executor.CDCSource.
func (e *Engine) SetCDCSource(src executor.CDCSource) {
	e.cdc = src
}

// Registry exposes the compiled Registry for callers that need direct
// Model/ParsedModel access (e.g. a `list`/`describe` CLI subcommand).
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Graph exposes the compiled dependency Graph.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Compile discovers every *.sql file under dir/models, merges sibling
// schema.yml/sources.yml metadata, registers each as a Model, then runs
// C1+C2 over every registered model to populate the dependency Graph.
// Call again after edits for a fresh compile, mirroring dbt's "parse".
func (e *Engine) Compile(dir string) error {
	modelsDir := filepath.Join(dir, "models")

	specs, err := schemayml.Load(filepath.Join(modelsDir, "schema.yml"))
	if err != nil {
		return err
	}

	srcCat, err := loadSourcesTolerant(filepath.Join(modelsDir, "sources.yml"))
	if err != nil {
		return err
	}

	e.srcCat = srcCat

	files, err := discoverModelFiles(modelsDir)
	if err != nil {
		return engerr.Wrap(engerr.KindConfigurationError, "engine.Compile", err)
	}

	for _, path := range files {
		name := modelName(modelsDir, path)

		raw, err := os.ReadFile(path)
		if err != nil {
			return engerr.Wrap(engerr.KindConfigurationError, "engine.Compile", err).WithModel(name)
		}

		m, err := buildModel(name, path, modelsDir, string(raw), specs)
		if err != nil {
			return err
		}

		if err := e.reg.Register(m); err != nil {
			return err
		}
	}

	return e.relink()
}

// relink recompiles every registered model (C1+C2) and rebuilds the
// dependency Graph from the resulting ref()/depends_on edges. Split out
// from Compile so a hot-reload caller that re-registers a subset of
// models can relink without rediscovering the filesystem.
func (e *Engine) relink() error {
	e.graph = graph.New()

	models := e.reg.List()

	for _, m := range models {
		e.graph.AddVertex(m.Name)
	}

	for _, m := range models {
		_, hasPrior := e.store.Get(m.Name)

		parsed, err := e.reg.Compile(m.Name, e.resolvePhysical, e.resolveSource, hasPrior)
		if err != nil {
			return err
		}

		for _, dep := range parsed.ModelDeps {
			if !e.reg.Names()[dep] {
				return engerr.New(engerr.KindMissingModelError, "engine.Compile",
					fmt.Sprintf("model %q references unknown model %q", m.Name, dep)).WithModel(m.Name)
			}

			e.graph.AddEdge(m.Name, dep)
		}
	}

	return nil
}

func (e *Engine) resolvePhysical(modelName string) (string, error) {
	if _, err := e.reg.Get(modelName); err != nil {
		return "", err
	}

	return modelName, nil
}

func (e *Engine) resolveSource(group, table string) (string, error) {
	if e.srcCat == nil {
		return "", engerr.New(engerr.KindConfigurationError, "engine.resolveSource", "no sources.yml loaded")
	}

	return e.srcCat.Resolve(group, table)
}

// Plan diffs the compiled Registry/Graph against the State Store,
// restricting classification output to filter (nil/empty means every
// registered model) and treating every name in forced as FORCED
// regardless of fingerprint.
func (e *Engine) Plan(filter, forced []string) (*planner.Plan, error) {
	models := e.reg.List()

	registered := make([]string, 0, len(models))
	fingerprints := make(map[string]string, len(models))

	for _, m := range models {
		registered = append(registered, m.Name)
		fingerprints[m.Name] = m.Fingerprint()
	}

	return planner.Build(planner.Input{
		Registered:   registered,
		Fingerprints: fingerprints,
		Graph:        e.graph,
		State:        e.store,
		Filter:       toSet(filter),
		Forced:       toSet(forced),
	})
}

// Run drives plan to completion through an Executor built around this
// Engine's Pool/Store/Graph, using this Engine as the executor.ModelSource
// (Resolve) and the configured CDCSource.
func (e *Engine) Run(ctx context.Context, plan *planner.Plan, opts executor.Options) (*executor.RunResult, error) {
	ex := executor.New(e.pool, e.store, e, e.cdc, e.graph, e.classify)
	return ex.Run(ctx, plan, opts)
}

// Resolve implements executor.ModelSource: looks up the Model, recompiles
// it against the current is_incremental() truth (whether it has a prior
// state entry) and returns its expanded SELECT SQL plus the {{ this }}
// physical identifier.
func (e *Engine) Resolve(name string) (*model.Model, string, string, error) {
	m, err := e.reg.Get(name)
	if err != nil {
		return nil, "", "", err
	}

	_, hasPrior := e.store.Get(name)

	parsed, err := e.reg.Compile(name, e.resolvePhysical, e.resolveSource, hasPrior)
	if err != nil {
		return nil, "", "", err
	}

	this, err := e.resolvePhysical(name)
	if err != nil {
		return nil, "", "", err
	}

	return m, parsed.ExpandedSQL, this, nil
}

// Validate compiles every registered model (surfacing any ConfigurationError
// or MissingModelError from ref()/source() resolution) and checks the full
// Graph for a cycle, without producing a Plan or touching the warehouse.
func (e *Engine) Validate() error {
	if err := e.relink(); err != nil {
		return err
	}

	_, err := e.graph.TopologicalBatches()

	return err
}

// Lineage returns the column-level lineage C2 computed for name, from the
// cached ParsedModel (recompiling if the cache is stale).
func (e *Engine) Lineage(name string) ([]sqlast.ColumnLineage, error) {
	if parsed, ok := e.reg.GetParsed(name); ok {
		return parsed.Lineage, nil
	}

	_, _, _, err := e.Resolve(name)
	if err != nil {
		return nil, err
	}

	parsed, _ := e.reg.GetParsed(name)

	return parsed.Lineage, nil
}

// DepsDOT renders the dependency Graph as a Graphviz DOT document, in the
// teacher's own dependency-visualisation style (boxed rounded nodes,
// top-to-bottom rank, quoted identifiers) — grounded on
// parser/parserstep7/visualization.go's generateDOT, generalised from
// subquery/CTE nodes to model names.
func (e *Engine) DepsDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ModelGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n")

	models := e.reg.List()
	for _, m := range models {
		sb.WriteString(fmt.Sprintf("  %q;\n", m.Name))
	}

	for _, m := range models {
		for _, dep := range e.graph.Deps(m.Name) {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", m.Name, dep))
		}
	}

	sb.WriteString("}\n")

	return sb.String()
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}

	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}

	return out
}

func discoverModelFiles(modelsDir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(modelsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}

		files = append(files, path)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// modelName derives the dotted logical name spec.md §3 requires from a
// file's path under modelsDir: strip the .sql extension and replace path
// separators with dots (models/silver/orders.sql -> "silver.orders").
func modelName(modelsDir, path string) string {
	rel, err := filepath.Rel(modelsDir, path)
	if err != nil {
		rel = path
	}

	rel = strings.TrimSuffix(rel, ".sql")

	return strings.ReplaceAll(rel, string(filepath.Separator), ".")
}

func loadSourcesTolerant(path string) (*sources.Catalogue, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return sources.Parse([]byte("groups: {}\n"))
	}

	return sources.Load(path)
}

// buildModel reads a model's leading-comment config/depends_on (via a
// throwaway C1 expansion — physical identifiers aren't known yet at
// discovery time, only the comment block, which C1 extracts before any
// ref()/this/is_incremental substitution happens), merges the sibling
// schema.yml entry (file-comment wins per §9), and derives the typed
// materialisation fields C8's strategy dispatch reads.
func buildModel(name, path, modelsDir, raw string, specs map[string]schemayml.ModelSpec) (*model.Model, error) {
	pre, err := template.Expand(raw, template.Context{})
	if err != nil {
		return nil, engerr.Wrap(engerr.KindConfigurationError, "engine.Compile", err).WithModel(name)
	}

	rel, _ := filepath.Rel(modelsDir, path)

	m := &model.Model{
		Name:              name,
		RelativePath:      rel,
		RawText:           raw,
		Config:            pre.Config,
		ExtraDeps:         pre.DependsOn,
		DeclaredVariables: pre.Variables,
	}

	if spec, ok := specs[name]; ok {
		schemayml.Merge(m, spec)
	}

	applyConfig(m)

	return m, nil
}

// applyConfig derives the model's typed materialisation fields from its
// merged Config map. Recognised keys: materialized, incremental_strategy,
// time_column, unique_key, cluster_by (comma-separated), on_schema_change.
func applyConfig(m *model.Model) {
	m.Materialize = model.Materialisation(m.Config["materialized"])
	m.Incremental = model.IncrementalStrategy(m.Config["incremental_strategy"])
	m.TimeColumn = m.Config["time_column"]
	m.UniqueKey = m.Config["unique_key"]
	m.OnSchemaChange = model.SchemaChangeMode(m.Config["on_schema_change"])

	if cb := m.Config["cluster_by"]; cb != "" {
		parts := strings.Split(cb, ",")
		cols := make([]string, 0, len(parts))

		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cols = append(cols, p)
			}
		}

		m.ClusterBy = cols
	}
}
