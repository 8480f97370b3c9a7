package graph

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestTopologicalBatches_LinearChain(t *testing.T) {
	g := New()
	g.AddEdge("b", "a") // b depends on a
	g.AddEdge("c", "b")

	batches, err := g.TopologicalBatches()
	assert.NoError(t, err)
	assert.Equal(t, []Batch{{"a"}, {"b"}, {"c"}}, batches)
}

func TestTopologicalBatches_AlphabeticalTieBreak(t *testing.T) {
	g := New()
	g.AddVertex("zeta")
	g.AddVertex("alpha")
	g.AddVertex("mid")

	batches, err := g.TopologicalBatches()
	assert.NoError(t, err)
	assert.Equal(t, 1, len(batches))
	assert.Equal(t, Batch{"alpha", "mid", "zeta"}, batches[0])
}

func TestTopologicalBatches_Deterministic(t *testing.T) {
	g := New()
	g.AddEdge("b", "a")
	g.AddEdge("c", "a")
	g.AddEdge("d", "b")
	g.AddEdge("d", "c")

	b1, err := g.TopologicalBatches()
	assert.NoError(t, err)

	b2, err := g.TopologicalBatches()
	assert.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestTopologicalBatches_CycleDetected(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "a")

	_, err := g.TopologicalBatches()
	assert.Error(t, err)
}

func TestTransitiveDeps(t *testing.T) {
	g := New()
	g.AddEdge("c", "b")
	g.AddEdge("b", "a")

	assert.Equal(t, []string{"a", "b"}, g.TransitiveDeps("c"))
	assert.Equal(t, []string{"a"}, g.TransitiveDeps("b"))
	assert.Equal(t, []string{}, g.TransitiveDeps("a"))
}

func TestTransitiveDependents(t *testing.T) {
	g := New()
	g.AddEdge("c", "b")
	g.AddEdge("b", "a")

	assert.Equal(t, []string{"b", "c"}, g.TransitiveDependents("a"))
	assert.Equal(t, []string{"c"}, g.TransitiveDependents("b"))
}

func TestTransitiveDeps_InvalidatedOnMutation(t *testing.T) {
	g := New()
	g.AddEdge("b", "a")

	assert.Equal(t, []string{"a"}, g.TransitiveDeps("b"))

	g.AddEdge("b", "z")
	assert.Equal(t, []string{"a", "z"}, g.TransitiveDeps("b"))
}

func TestRemoveVertex(t *testing.T) {
	g := New()
	g.AddEdge("b", "a")
	g.RemoveVertex("a")

	assert.False(t, g.HasVertex("a"))

	batches, err := g.TopologicalBatches()
	assert.NoError(t, err)
	assert.Equal(t, []Batch{{"b"}}, batches)
}
