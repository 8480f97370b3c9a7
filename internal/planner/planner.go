// Package planner implements C6: diffing the registry and dependency
// graph against the state snapshot to classify every model with a
// change reason, then laying the to-run set out into topological
// batches, with deletions emitted as a terminal batch.
package planner

import (
	"sort"

	"github.com/warehouseplan/core/internal/engerr"
	"github.com/warehouseplan/core/internal/graph"
	"github.com/warehouseplan/core/internal/state"
)

// Reason is why a model was included (or excluded) from a plan.
type Reason string

const (
	ReasonNew             Reason = "NEW"
	ReasonCodeChanged     Reason = "CODE_CHANGED"
	ReasonUpstreamChanged Reason = "UPSTREAM_CHANGED"
	ReasonForced          Reason = "FORCED"
	ReasonUnchanged       Reason = "UNCHANGED"
	ReasonDelete          Reason = "DELETE"
)

// PlannedModel is one model's classification within a Plan.
type PlannedModel struct {
	Name   string
	Reason Reason
}

// Batch is a set of model names safe to execute concurrently: every
// transitive dependency that is also in the to-run set has already
// completed in an earlier batch.
type Batch []PlannedModel

// Plan is the pure, side-effect-free output of Build: an ordered batch
// sequence plus the terminal deletion batch.
type Plan struct {
	Batches       []Batch
	Deletions     []string
	Unchanged     []string // names classified UNCHANGED, surfaced only for dry-run inspection
}

// Input bundles everything Build needs to classify and order models.
type Input struct {
	// Registered is every model name currently in the registry.
	Registered []string
	// Fingerprints maps model name -> current content fingerprint, for every name in Registered.
	Fingerprints map[string]string
	// Graph is the dependency graph over Registered (and possibly more).
	Graph *graph.Graph
	// State is the last-persisted snapshot.
	State *state.Store
	// Filter, if non-nil, restricts classification to this set of model names
	// (and their transitive dependents still need the upstream check, so
	// filtering narrows *output*, not the classification pass itself).
	Filter map[string]bool
	// Forced is the set of model names to treat as FORCED regardless of fingerprint.
	Forced map[string]bool
}

// Build classifies every registered model and produces a Plan. It never
// mutates its inputs and never talks to a warehouse.
func Build(in Input) (*Plan, error) {
	reasons := make(map[string]Reason, len(in.Registered))

	for _, name := range in.Registered {
		reasons[name] = classifyOwn(name, in)
	}

	// UPSTREAM_CHANGED requires transitive-dependency knowledge, so it's
	// computed in a second pass once every model's own reason is known —
	// propagation order doesn't matter because TransitiveDeps already
	// returns the full closure, not just immediate parents.
	for _, name := range in.Registered {
		if reasons[name] != ReasonUnchanged {
			continue
		}

		for _, dep := range in.Graph.TransitiveDeps(name) {
			r, ok := reasons[dep]
			if !ok {
				continue
			}

			if r == ReasonNew || r == ReasonCodeChanged || r == ReasonForced || r == ReasonUpstreamChanged {
				reasons[name] = ReasonUpstreamChanged
				break
			}
		}
	}

	toRun := map[string]bool{}
	var unchanged []string

	for name, r := range reasons {
		if in.Filter != nil && !in.Filter[name] {
			continue
		}

		if r == ReasonUnchanged {
			unchanged = append(unchanged, name)
			continue
		}

		toRun[name] = true
	}

	sort.Strings(unchanged)

	batches, err := layerRestricted(in.Graph, toRun, reasons)
	if err != nil {
		return nil, err
	}

	deletions := findDeletions(in.Registered, in.State)

	return &Plan{Batches: batches, Deletions: deletions, Unchanged: unchanged}, nil
}

func classifyOwn(name string, in Input) Reason {
	if in.Forced[name] {
		return ReasonForced
	}

	entry, ok := in.State.Get(name)
	if !ok {
		return ReasonNew
	}

	if entry.Fingerprint != in.Fingerprints[name] {
		return ReasonCodeChanged
	}

	return ReasonUnchanged
}

// layerRestricted runs Kahn's algorithm over only the to-run vertex set:
// an edge to a vertex outside toRun is treated as already satisfied
// (its upstream work, if any, already completed in a prior plan/run).
func layerRestricted(g *graph.Graph, toRun map[string]bool, reasons map[string]Reason) ([]Batch, error) {
	inDegree := make(map[string]int, len(toRun))
	for n := range toRun {
		inDegree[n] = 0
	}

	// Immediate in-degree within the restricted set only: an edge to a
	// vertex outside toRun is already satisfied (completed in a prior run).
	for n := range toRun {
		for _, dep := range g.Deps(n) {
			if toRun[dep] {
				inDegree[n]++
			}
		}
	}

	remaining := len(toRun)

	var batches []Batch

	for remaining > 0 {
		var layerNames []string

		for n, d := range inDegree {
			if d == 0 {
				layerNames = append(layerNames, n)
			}
		}

		if len(layerNames) == 0 {
			break
		}

		sort.Strings(layerNames)

		for _, n := range layerNames {
			delete(inDegree, n)

			for _, dependent := range g.Dependents(n) {
				if _, ok := inDegree[dependent]; ok {
					inDegree[dependent]--
				}
			}
		}

		batch := make(Batch, 0, len(layerNames))
		for _, n := range layerNames {
			batch = append(batch, PlannedModel{Name: n, Reason: reasons[n]})
		}

		batches = append(batches, batch)
		remaining -= len(layerNames)
	}

	if remaining > 0 {
		var stuck []string
		for n := range inDegree {
			stuck = append(stuck, n)
		}

		sort.Strings(stuck)

		return nil, engerr.Wrap(engerr.KindCycleError, "planner.Build", &graph.CycleError{Vertices: stuck})
	}

	return batches, nil
}

// findDeletions returns every model name present in the state store but
// no longer in the registry, sorted for determinism.
func findDeletions(registered []string, st *state.Store) []string {
	reg := make(map[string]bool, len(registered))
	for _, n := range registered {
		reg[n] = true
	}

	var out []string

	for name := range st.All() {
		if !reg[name] {
			out = append(out, name)
		}
	}

	sort.Strings(out)

	return out
}
