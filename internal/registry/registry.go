// Package registry implements C3, the Model Registry: it owns Model and
// ParsedModel, upserting on registration and invalidating cached parse
// results whenever the underlying fingerprint changes.
package registry

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/warehouseplan/core/internal/engerr"
	"github.com/warehouseplan/core/internal/model"
	"github.com/warehouseplan/core/internal/sqlast"
	"github.com/warehouseplan/core/internal/template"
)

// ParsedModel is C1+C2's combined output for one Model, cached against the
// Model's fingerprint so it is recomputed only when the source changes.
type ParsedModel struct {
	Fingerprint  string
	ExpandedSQL  string
	ModelDeps    []string // from ref() plus bare-reference shortcut plus depends_on
	SourceDeps   []model.Source
	Lineage      []sqlast.ColumnLineage
	Config       map[string]string
	Variables    []string
	ParseWarning string // non-empty if C2 degraded for this model

	// IsIncremental is the is_incremental() value ExpandedSQL was expanded under.
	IsIncremental bool
}

// Registry owns Model and ParsedModel. It is written only between runs —
// callers performing a hot reload build a fresh Registry and swap it in
// atomically, rather than mutating a shared instance concurrently with a run.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*model.Model
	parsed map[string]*ParsedModel
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		models: map[string]*model.Model{},
		parsed: map[string]*ParsedModel{},
	}
}

// Register upserts a Model by name. Registration is atomic: on any error
// the prior version (if any) is left untouched.
func (r *Registry) Register(m *model.Model) error {
	if m.Name == "" {
		return engerr.New(engerr.KindConfigurationError, "registry.Register", "model name must not be empty")
	}

	cp := *m
	cp.Config = maps.Clone(m.Config)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.models[cp.Name] = &cp
	delete(r.parsed, cp.Name) // stale; recomputed lazily by the caller via SetParsed

	return nil
}

// Remove deletes a Model (used when its source file disappears on a
// re-registration pass).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.models, name)
	delete(r.parsed, name)
}

// Get returns a Model by name, or ModelNotFound.
func (r *Registry) Get(name string) (*model.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[name]
	if !ok {
		return nil, engerr.New(engerr.KindMissingModelError, "registry.Get", fmt.Sprintf("model not found: %s", name)).WithModel(name)
	}

	return m, nil
}

// List returns every registered Model, sorted by name for deterministic iteration.
func (r *Registry) List() []*model.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Names returns the set of registered model names, for lookups that don't
// need the full Model (e.g. the bare-reference shortcut in C2).
func (r *Registry) Names() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.models))
	for name := range r.models {
		out[name] = true
	}

	return out
}

// GetParsed returns the cached ParsedModel for name if its fingerprint
// still matches the registered Model, else (nil, false) so the caller
// knows to recompute via Compile.
func (r *Registry) GetParsed(name string) (*ParsedModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[name]
	if !ok {
		return nil, false
	}

	p, ok := r.parsed[name]
	if !ok || p.Fingerprint != m.Fingerprint() {
		return nil, false
	}

	return p, true
}

// SetParsed caches the ParsedModel for name, keyed to the fingerprint it
// was computed against.
func (r *Registry) SetParsed(name string, p *ParsedModel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.parsed[name] = p
}

// Compile runs C1 (template expansion) then C2 (AST parse/lineage) for a
// Model and caches the result. resolveSource resolves a {{ source() }} reference
// to its physical identifier; resolvePhysical resolves a model name to the
// physical identifier {{ this }} should expand to for that same model;
// isIncremental reports whether the model has previously materialised.
func (r *Registry) Compile(
	name string,
	resolvePhysical func(modelName string) (string, error),
	resolveSource func(group, table string) (string, error),
	isIncremental bool,
) (*ParsedModel, error) {
	m, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	if cached, ok := r.GetParsed(name); ok && cached.IsIncremental == isIncremental {
		return cached, nil
	}

	thisPhysical, err := resolvePhysical(name)
	if err != nil {
		return nil, err
	}

	expanded, err := template.Expand(m.RawText, template.Context{ThisPhysicalID: thisPhysical, IsIncremental: isIncremental})
	if err != nil {
		return nil, engerr.Wrap(engerr.KindConfigurationError, "registry.Compile", err).WithModel(name)
	}

	parsed := sqlast.Parse(expanded.SQL, r.Names())

	modelDeps := map[string]bool{}

	for _, ref := range expanded.Refs {
		modelDeps[ref] = true
	}

	for _, dep := range expanded.DependsOn {
		modelDeps[dep] = true
	}

	for _, rel := range parsed.Relations {
		if rel.Kind == sqlast.RelationBareModel {
			modelDeps[rel.Name] = true
		}
	}

	var sources []model.Source

	for _, sref := range expanded.Sources {
		phys, err := resolveSource(sref.Group, sref.Table)
		if err != nil {
			return nil, err
		}

		sources = append(sources, model.Source{Group: sref.Group, Table: sref.Table, PhysicalID: phys})
	}

	pm := &ParsedModel{
		Fingerprint: m.Fingerprint(),
		ExpandedSQL: expanded.SQL,
		ModelDeps:   sortedKeys(modelDeps),
		SourceDeps:  sources,
		Lineage:     parsed.Lineage,
		Config:      expanded.Config,
		Variables:   expanded.Variables,

		IsIncremental: isIncremental,
	}

	if len(parsed.Warnings) > 0 {
		pm.ParseWarning = strings.Join(parsed.Warnings, "; ")
	}

	r.SetParsed(name, pm)

	return pm, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
