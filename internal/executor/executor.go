// Package executor implements C9: drives a planner.Plan's batches
// sequentially, with bounded intra-batch goroutine parallelism over the
// driver pool, $var substitution and validation, delegation to C8 per
// model, SKIPPED propagation on upstream failure, fail_fast, and
// context.Context cancellation threaded into every warehouse call —
// matching the teacher's own convention of threading contexts through
// blocking operations throughout its query/testrunner packages.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warehouseplan/core/internal/driverpool"
	"github.com/warehouseplan/core/internal/engerr"
	"github.com/warehouseplan/core/internal/graph"
	"github.com/warehouseplan/core/internal/materialize"
	"github.com/warehouseplan/core/internal/model"
	"github.com/warehouseplan/core/internal/planner"
	"github.com/warehouseplan/core/internal/state"
	"github.com/warehouseplan/core/internal/warehouse"
)

// ModelSource supplies everything the executor needs about one planned
// model without depending on internal/registry directly, keeping this
// package testable against fakes.
type ModelSource interface {
	// Resolve returns the model, its rendered SELECT SQL (already
	// template/AST-expanded up to $var tokens), and the physical
	// identifier {{ this }} resolved to.
	Resolve(name string) (m *model.Model, selectSQL string, this string, err error)
}

// CDCSource supplies the change-stream input for a CDC model; returning
// (nil, nil) is valid when a model has no pending changes this run.
type CDCSource interface {
	CDCStream(ctx context.Context, name string) (warehouse.RowIter, error)
}

// Options configures one Run.
type Options struct {
	Variables      map[string]string
	FailFast       bool
	IntraBatchSize int // bounded goroutine parallelism within one batch; 0 means pool size
}

// Executor drives plans to completion against a Pool, a Store, and a ModelSource.
type Executor struct {
	pool     *driverpool.Pool
	store    *state.Store
	models   ModelSource
	cdc      CDCSource
	graph    *graph.Graph
	classify func(error) warehouse.Kind
}

// New builds an Executor. g is the same dependency graph the plan was
// batched from — used only to look up each model's direct dependencies
// for SKIPPED cascading. classify maps a raw error from conn calls to a
// warehouse.Kind for the pool's retry decision — typically
// Connection.ClassifyError from whichever driver backs the pool.
func New(pool *driverpool.Pool, store *state.Store, models ModelSource, cdc CDCSource, g *graph.Graph, classify func(error) warehouse.Kind) *Executor {
	return &Executor{pool: pool, store: store, models: models, cdc: cdc, graph: g, classify: classify}
}

// Outcome is one model's terminal status for the run, propagated into
// state.Entry and used to decide downstream SKIPPED cascades.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
	OutcomeSkipped Outcome = "SKIPPED"
)

// RunResult is the complete record of one Run.
type RunResult struct {
	// RunID uniquely identifies this invocation, persisted alongside each
	// model's state.Entry so a later run's outcome can be traced back to
	// the logs it came from.
	RunID    string
	Results  map[string]*materialize.ExecutionResult
	Outcomes map[string]Outcome
	// ExitCode mirrors the CLI contract (§6): 0 all success, 1 any FAILED.
	ExitCode int
	// DeleteWarnings collects a KindDeleteFailure *engerr.Error per
	// deletion whose DROP statement failed — non-fatal per §4.6/§7, so
	// the run still succeeds; the embedding CLI's log sink is the
	// intended consumer.
	DeleteWarnings []error
}

// Run executes plan's batches in order. Within a batch, models run
// concurrently up to opts.IntraBatchSize goroutines. A model whose
// transitive dependency FAILED in an earlier batch is marked SKIPPED
// without being dispatched. If opts.FailFast is set, a FAILED model
// stops the run after its batch completes (batches already in flight are
// not aborted mid-batch — partial-failure tolerance is per-batch, per
// spec §5). State persistence uses a single-writer goroutine reading
// from a channel, matching the "single writer queue" design note (§9).
func (e *Executor) Run(ctx context.Context, plan *planner.Plan, opts Options) (*RunResult, error) {
	result := &RunResult{
		RunID:    uuid.NewString(),
		Results:  map[string]*materialize.ExecutionResult{},
		Outcomes: map[string]Outcome{},
	}

	writes := make(chan state.Entry, 16)
	writerDone := make(chan error, 1)

	go e.stateWriter(writes, writerDone)

	aborted := false

	for _, batch := range plan.Batches {
		if aborted {
			for _, pm := range batch {
				result.Outcomes[pm.Name] = OutcomeSkipped
			}

			continue
		}

		batchFailed := e.runBatch(ctx, batch, opts, result, writes)

		if batchFailed && opts.FailFast {
			aborted = true
		}
	}

	close(writes)
	writerErr := <-writerDone

	e.applyDeletions(ctx, plan.Deletions, result)

	if err := e.store.Flush(); err != nil {
		return result, err
	}

	result.ExitCode = 0

	for _, o := range result.Outcomes {
		if o == OutcomeFailed {
			result.ExitCode = 1
			break
		}
	}

	if writerErr != nil {
		return result, writerErr
	}

	return result, nil
}

func (e *Executor) runBatch(ctx context.Context, batch planner.Batch, opts Options, result *RunResult, writes chan<- state.Entry) bool {
	limit := opts.IntraBatchSize
	if limit <= 0 {
		limit = int(e.pool.Stat().MaxResources())
		if limit <= 0 {
			limit = 1
		}
	}

	sem := make(chan struct{}, limit)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		anyFailed bool
	)

	for _, pm := range batch {
		mu.Lock()
		skip := e.dependsOnFailed(pm.Name, result)
		if skip {
			result.Outcomes[pm.Name] = OutcomeSkipped
		}
		mu.Unlock()

		if skip {
			continue
		}

		pm := pm

		wg.Add(1)
		sem <- struct{}{}

		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			res, outcome := e.runOne(ctx, pm, opts, result.RunID, writes)

			mu.Lock()
			result.Results[pm.Name] = res
			result.Outcomes[pm.Name] = outcome

			if outcome == OutcomeFailed {
				anyFailed = true
			}

			mu.Unlock()
		}()
	}

	wg.Wait()

	return anyFailed
}

// dependsOnFailed reports whether any of name's direct dependencies
// already recorded FAILED or SKIPPED earlier in this run. The planner's
// batch layering guarantees every direct dependency of a to-run model
// lands in an earlier batch (or isn't in the plan at all, in which case
// it's untouched and can't have failed), so a single direct-edge lookup
// per batch member is enough to cascade SKIPPED without walking the full
// transitive closure on every model.
func (e *Executor) dependsOnFailed(name string, result *RunResult) bool {
	if e.graph == nil {
		return false
	}

	for _, dep := range e.graph.Deps(name) {
		if o, ok := result.Outcomes[dep]; ok && (o == OutcomeFailed || o == OutcomeSkipped) {
			return true
		}
	}

	return false
}

func (e *Executor) runOne(ctx context.Context, pm planner.PlannedModel, opts Options, runID string, writes chan<- state.Entry) (*materialize.ExecutionResult, Outcome) {
	m, rawSQL, this, err := e.models.Resolve(pm.Name)
	if err != nil {
		return failedResult(pm.Name, err), OutcomeFailed
	}

	sql, err := driverpool.SubstituteVars(rawSQL, opts.Variables)
	if err != nil {
		return failedResult(pm.Name, err), OutcomeFailed
	}

	strategy, err := materialize.For(m)
	if err != nil {
		return failedResult(pm.Name, err), OutcomeFailed
	}

	prior, hasPrior := e.store.Get(pm.Name)

	req := materialize.Request{
		Model:      m,
		This:       this,
		SelectSQL:  sql,
		FirstRun:   !hasPrior,
	}

	if hasPrior {
		req.PriorState = &prior
	}

	if m.Materialize == model.MaterializeCDC && e.cdc != nil {
		stream, err := e.cdc.CDCStream(ctx, pm.Name)
		if err != nil {
			return failedResult(pm.Name, err), OutcomeFailed
		}

		req.CDCStream = stream
	}

	acquired, err := e.pool.Acquire(ctx, nil)
	if err != nil {
		return failedResult(pm.Name, err), OutcomeFailed
	}

	var res *materialize.ExecutionResult

	retryErr := e.pool.WithRetry(ctx, e.classify, func() error {
		r, err := strategy.Materialize(ctx, acquired.Conn(), req)
		if err != nil {
			return err
		}

		res = r

		return res.Err
	})

	discard := retryErr != nil && e.classify(retryErr) == warehouse.KindConnectionLost
	acquired.Release(discard)

	if retryErr != nil {
		res = failedResult(pm.Name, retryErr)
	}

	outcome := OutcomeSuccess
	if res.Status == materialize.StatusFailed {
		outcome = OutcomeFailed
	}

	entry := state.Entry{
		ModelName:   pm.Name,
		Fingerprint: m.Fingerprint(),
		Status:      state.Status(outcome),
		LastRunAt:   time.Now(),
		LastRunID:   runID,
	}

	if outcome == OutcomeSuccess {
		entry.LastSuccessFingerprint = entry.Fingerprint

		if res.NewWatermark != "" {
			entry.HighWatermark = res.NewWatermark
			entry.HighWatermarkKind = res.NewWatermarkKind
		} else if hasPrior {
			entry.HighWatermark = prior.HighWatermark
			entry.HighWatermarkKind = prior.HighWatermarkKind
		}
	} else if hasPrior {
		entry.LastSuccessFingerprint = prior.LastSuccessFingerprint
		entry.HighWatermark = prior.HighWatermark
		entry.HighWatermarkKind = prior.HighWatermarkKind
	}

	writes <- entry

	return res, outcome
}

func failedResult(name string, err error) *materialize.ExecutionResult {
	return &materialize.ExecutionResult{
		ModelName:  name,
		Status:     materialize.StatusFailed,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
		Err:        err,
	}
}

// stateWriter is the single writer goroutine that owns all StateEntry
// persistence for a run, draining writes off a channel so concurrent
// intra-batch goroutines never touch the Store directly.
func (e *Executor) stateWriter(writes <-chan state.Entry, done chan<- error) {
	for entry := range writes {
		e.store.Put(entry)
	}

	done <- nil
}

// applyDeletions drops the physical object backing each DELETE-classified
// model and removes its state.Entry. A drop failure is non-fatal (§4.6/§7
// "drop failure is non-fatal, logged"): it's recorded on result as a
// KindDeleteFailure warning and the entry is still removed, rather than
// leaving a model the registry no longer knows about stuck in the state
// store forever.
func (e *Executor) applyDeletions(ctx context.Context, names []string, result *RunResult) {
	for _, name := range names {
		if err := e.dropObject(ctx, name); err != nil {
			result.DeleteWarnings = append(result.DeleteWarnings,
				engerr.Wrap(engerr.KindDeleteFailure, "executor.applyDeletions", err).WithModel(name))
		}

		e.store.Delete(name)
	}
}

// dropObject issues the DDL to remove name's physical object. The
// materialisation kind a deleted model used is no longer known (the
// model left the registry along with its config), so both object kinds
// are dropped defensively with IF EXISTS — a no-op for whichever kind
// name never was.
func (e *Executor) dropObject(ctx context.Context, name string) error {
	acquired, err := e.pool.Acquire(ctx, nil)
	if err != nil {
		return err
	}

	retryErr := e.pool.WithRetry(ctx, e.classify, func() error {
		return acquired.Conn().ExecuteMany(ctx, []string{
			fmt.Sprintf("DROP VIEW IF EXISTS %s", name),
			fmt.Sprintf("DROP TABLE IF EXISTS %s", name),
		})
	})

	discard := retryErr != nil && e.classify(retryErr) == warehouse.KindConnectionLost
	acquired.Release(discard)

	return retryErr
}

// MissingVariableError re-exports driverpool's for callers that only
// import executor.
type MissingVariableError = driverpool.MissingVariableError
