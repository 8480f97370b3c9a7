package executor

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/warehouseplan/core/internal/driverpool"
	"github.com/warehouseplan/core/internal/graph"
	"github.com/warehouseplan/core/internal/model"
	"github.com/warehouseplan/core/internal/planner"
	"github.com/warehouseplan/core/internal/state"
	"github.com/warehouseplan/core/internal/warehouse"
)

type fakeModel struct {
	m         *model.Model
	selectSQL string
	this      string
}

type fakeModels struct {
	byName map[string]fakeModel
}

func (f *fakeModels) Resolve(name string) (*model.Model, string, string, error) {
	fm, ok := f.byName[name]
	if !ok {
		return nil, "", "", assertError("no such model registered: " + name)
	}

	return fm.m, fm.selectSQL, fm.this, nil
}

type fakeConn struct{}

func (c *fakeConn) Execute(ctx context.Context, sql string) (warehouse.RowIter, error) {
	return &emptyIter{}, nil
}

func (c *fakeConn) ExecuteMany(ctx context.Context, sqls []string) error {
	for _, s := range sqls {
		if strings.Contains(s, "FAIL") {
			return errBoom
		}
	}

	return nil
}

func (c *fakeConn) BulkInsert(ctx context.Context, qualified string, columns []string, rows warehouse.RowIter) (int64, error) {
	return 0, nil
}

func (c *fakeConn) ApplySessionVariables(ctx context.Context, vars map[string]string) error {
	return nil
}

func (c *fakeConn) Healthy() bool                             { return true }
func (c *fakeConn) Close(ctx context.Context) error            { return nil }
func (c *fakeConn) ClassifyError(err error) warehouse.Kind      { return warehouse.KindPermanent }

type emptyIter struct{ done bool }

func (it *emptyIter) Next() bool          { return false }
func (it *emptyIter) Row() warehouse.Row   { return nil }
func (it *emptyIter) Err() error           { return nil }
func (it *emptyIter) Close() error         { return nil }

var errBoom = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }

type fakeConnector struct{}

func (fakeConnector) Connect(ctx context.Context) (warehouse.Connection, error) {
	return &fakeConn{}, nil
}

func newTestExecutor(t *testing.T, g *graph.Graph, byName map[string]fakeModel) *Executor {
	t.Helper()

	pool, err := driverpool.New(fakeConnector{}, 4, driverpool.DefaultRetryPolicy())
	assert.NoError(t, err)

	st := state.Open(filepath.Join(t.TempDir(), "state.yaml"))
	assert.NoError(t, st.Load())

	classify := func(err error) warehouse.Kind { return warehouse.KindPermanent }

	return New(pool, st, &fakeModels{byName: byName}, nil, g, classify)
}

func viewModel(name, sql string) fakeModel {
	return fakeModel{
		m:         &model.Model{Name: name, Materialize: model.MaterializeView},
		selectSQL: sql,
		this:      name,
	}
}

func TestRun_PartialFailureBatchSkipsDownstream(t *testing.T) {
	g := graph.New()
	g.AddEdge("silver.z", "silver.x") // z depends on x
	g.AddVertex("silver.y")

	byName := map[string]fakeModel{
		"silver.x": viewModel("silver.x", "SELECT FAIL"),
		"silver.y": viewModel("silver.y", "SELECT 1"),
		"silver.z": viewModel("silver.z", "SELECT 2"),
	}

	ex := newTestExecutor(t, g, byName)

	plan := &planner.Plan{
		Batches: []planner.Batch{
			{
				{Name: "silver.x", Reason: planner.ReasonNew},
				{Name: "silver.y", Reason: planner.ReasonNew},
			},
			{
				{Name: "silver.z", Reason: planner.ReasonNew},
			},
		},
	}

	result, err := ex.Run(context.Background(), plan, Options{})
	assert.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcomes["silver.x"])
	assert.Equal(t, OutcomeSuccess, result.Outcomes["silver.y"])
	assert.Equal(t, OutcomeSkipped, result.Outcomes["silver.z"])
	assert.Equal(t, 1, result.ExitCode)
}

func TestRun_AllSuccessExitCodeZero(t *testing.T) {
	g := graph.New()
	g.AddVertex("silver.a")
	g.AddVertex("silver.b")

	byName := map[string]fakeModel{
		"silver.a": viewModel("silver.a", "SELECT 1"),
		"silver.b": viewModel("silver.b", "SELECT 2"),
	}

	ex := newTestExecutor(t, g, byName)

	plan := &planner.Plan{
		Batches: []planner.Batch{
			{
				{Name: "silver.a", Reason: planner.ReasonNew},
				{Name: "silver.b", Reason: planner.ReasonNew},
			},
		},
	}

	result, err := ex.Run(context.Background(), plan, Options{})
	assert.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, OutcomeSuccess, result.Outcomes["silver.a"])
	assert.Equal(t, OutcomeSuccess, result.Outcomes["silver.b"])
}

func TestRun_FailFastSkipsLaterBatchesEntirely(t *testing.T) {
	g := graph.New()
	g.AddVertex("silver.x")
	g.AddVertex("silver.w") // independent of x, in a later batch

	byName := map[string]fakeModel{
		"silver.x": viewModel("silver.x", "SELECT FAIL"),
		"silver.w": viewModel("silver.w", "SELECT 1"),
	}

	ex := newTestExecutor(t, g, byName)

	plan := &planner.Plan{
		Batches: []planner.Batch{
			{{Name: "silver.x", Reason: planner.ReasonNew}},
			{{Name: "silver.w", Reason: planner.ReasonNew}},
		},
	}

	result, err := ex.Run(context.Background(), plan, Options{FailFast: true})
	assert.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcomes["silver.x"])
	assert.Equal(t, OutcomeSkipped, result.Outcomes["silver.w"])
	assert.Equal(t, 1, result.ExitCode)
}

func TestRun_PersistsStateEntryOnSuccess(t *testing.T) {
	g := graph.New()
	g.AddVertex("silver.a")

	byName := map[string]fakeModel{
		"silver.a": viewModel("silver.a", "SELECT 1"),
	}

	ex := newTestExecutor(t, g, byName)

	plan := &planner.Plan{
		Batches: []planner.Batch{
			{{Name: "silver.a", Reason: planner.ReasonNew}},
		},
	}

	result, err := ex.Run(context.Background(), plan, Options{})
	assert.NoError(t, err)
	assert.True(t, result.RunID != "")

	entry, ok := ex.store.Get("silver.a")
	assert.True(t, ok)
	assert.Equal(t, state.StatusSuccess, entry.Status)
	assert.Equal(t, byName["silver.a"].m.Fingerprint(), entry.Fingerprint)
	assert.Equal(t, result.RunID, entry.LastRunID)
}
