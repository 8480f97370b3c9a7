// Package graph implements C4, the dependency graph: adjacency-set DAG of
// model-name vertices, Kahn's-algorithm batch emission with alphabetical
// tie-break, and memoised transitive closures invalidated on mutation.
// Directly grounded on the teacher's parser/parserstep7/dependency_graph.go
// (vertex/edge maps, Kahn's-algorithm GetProcessingOrder), generalised from
// subquery nodes to model names and extended with batch layering and
// transitive-closure memoisation.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/warehouseplan/core/internal/engerr"
)

// Graph is a directed graph of model-name vertices. The zero value is not
// usable; construct with New.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]bool
	edges map[string]map[string]bool // from -> set of to

	// memoised transitive closures, cleared on any mutation
	transDeps      map[string][]string
	transDependent map[string][]string
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		nodes: map[string]bool{},
		edges: map[string]map[string]bool{},
	}
}

// AddVertex ensures n exists in the graph with no edges, if not already present.
func (g *Graph) AddVertex(n string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.addVertexLocked(n)
	g.invalidateLocked()
}

func (g *Graph) addVertexLocked(n string) {
	if !g.nodes[n] {
		g.nodes[n] = true
		g.edges[n] = map[string]bool{}
	}
}

// AddEdge records that `from` depends on `to` (from -> to). Both vertices
// are implicitly created if they don't already exist. Per spec §3's
// invariant that every edge target must exist in the registry, callers
// compiling models should AddVertex every registered model first and treat
// an edge to a vertex absent from that set as MissingModelError before
// calling AddEdge — AddEdge itself only maintains the graph structure.
func (g *Graph) AddEdge(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.addVertexLocked(from)
	g.addVertexLocked(to)
	g.edges[from][to] = true
	g.invalidateLocked()
}

// RemoveVertex deletes n and every edge touching it.
func (g *Graph) RemoveVertex(n string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.nodes, n)
	delete(g.edges, n)

	for _, targets := range g.edges {
		delete(targets, n)
	}

	g.invalidateLocked()
}

func (g *Graph) invalidateLocked() {
	g.transDeps = nil
	g.transDependent = nil
}

// HasVertex reports whether n is a known vertex.
func (g *Graph) HasVertex(n string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.nodes[n]
}

// Deps returns the vertices n directly depends on (immediate out-edges),
// sorted for determinism.
func (g *Graph) Deps(n string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0, len(g.edges[n]))
	for to := range g.edges[n] {
		out = append(out, to)
	}

	sort.Strings(out)

	return out
}

// Dependents returns the vertices that directly depend on n (immediate
// in-edges), sorted for determinism.
func (g *Graph) Dependents(n string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string

	for from, targets := range g.edges {
		if targets[n] {
			out = append(out, from)
		}
	}

	sort.Strings(out)

	return out
}

// CycleError reports a dependency cycle found during batching, naming at
// least one vertex that participates in it.
type CycleError struct {
	Vertices []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected, involving: %v", e.Vertices)
}

// Batch is one set of model names whose dependencies are all already
// satisfied; members are concurrency-safe peers within the batch.
type Batch []string

// TopologicalBatches layers every vertex into batches via Kahn's algorithm:
// vertices with in-degree zero form the next batch, are removed, repeat.
// Within a batch, members are alphabetically sorted for deterministic
// output (spec §8's "deterministic batches" testable property). Fails
// engerr-wrapped CycleError if any vertex cannot be scheduled.
func (g *Graph) TopologicalBatches() ([]Batch, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	for n := range g.nodes {
		inDegree[n] = 0
	}

	// A vertex's in-degree is its count of not-yet-scheduled dependencies,
	// so dependencies land in earlier batches than their dependents.
	for from, targets := range g.edges {
		inDegree[from] += len(targets)
	}

	reverse := g.reverseEdgesLocked()

	remaining := len(g.nodes)

	var batches []Batch

	for remaining > 0 {
		var layer []string

		for n, d := range inDegree {
			if d == 0 {
				layer = append(layer, n)
			}
		}

		if len(layer) == 0 {
			break
		}

		sort.Strings(layer)

		for _, n := range layer {
			delete(inDegree, n)

			for from := range reverse[n] {
				if _, ok := inDegree[from]; ok {
					inDegree[from]--
				}
			}
		}

		batches = append(batches, Batch(layer))
		remaining -= len(layer)
	}

	if remaining > 0 {
		var stuck []string
		for n := range inDegree {
			stuck = append(stuck, n)
		}

		sort.Strings(stuck)

		return nil, engerr.Wrap(engerr.KindCycleError, "graph.TopologicalBatches", &CycleError{Vertices: stuck})
	}

	return batches, nil
}

// TransitiveDeps returns every vertex reachable from n by following edges
// forward (n's transitive dependencies), memoised until the next mutation.
func (g *Graph) TransitiveDeps(n string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.transDeps == nil {
		g.transDeps = map[string][]string{}
	}

	if cached, ok := g.transDeps[n]; ok {
		return cached
	}

	visited := map[string]bool{}
	g.walkLocked(n, g.edges, visited)
	delete(visited, n)

	out := sortedSet(visited)
	g.transDeps[n] = out

	return out
}

// TransitiveDependents returns every vertex that transitively depends on n
// (following edges backward), memoised until the next mutation.
func (g *Graph) TransitiveDependents(n string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.transDependent == nil {
		g.transDependent = map[string][]string{}
	}

	if cached, ok := g.transDependent[n]; ok {
		return cached
	}

	reverse := g.reverseEdgesLocked()

	visited := map[string]bool{}
	g.walkLocked(n, reverse, visited)
	delete(visited, n)

	out := sortedSet(visited)
	g.transDependent[n] = out

	return out
}

func (g *Graph) reverseEdgesLocked() map[string]map[string]bool {
	reverse := make(map[string]map[string]bool, len(g.nodes))

	for n := range g.nodes {
		reverse[n] = map[string]bool{}
	}

	for from, targets := range g.edges {
		for to := range targets {
			reverse[to][from] = true
		}
	}

	return reverse
}

func (g *Graph) walkLocked(start string, edges map[string]map[string]bool, visited map[string]bool) {
	if visited[start] {
		return
	}

	visited[start] = true

	for to := range edges[start] {
		g.walkLocked(to, edges, visited)
	}
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
