// Package materialize implements C8: one polymorphic strategy per
// materialisation kind, all satisfying a single
// `Materialize(ctx, conn, req) (*ExecutionResult, error)` contract —
// an abstract-strategy design (spec §9's own design note: "model as a
// tagged variant with a common materialise contract; avoid deep class
// hierarchies").
package materialize

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warehouseplan/core/internal/engerr"
	"github.com/warehouseplan/core/internal/model"
	"github.com/warehouseplan/core/internal/sqlast"
	"github.com/warehouseplan/core/internal/state"
	"github.com/warehouseplan/core/internal/warehouse"
)

// Status is the outcome of one materialisation attempt.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// ExecutionResult is C8's (and, propagated, C9's) per-model outcome record.
type ExecutionResult struct {
	ModelName    string
	Status       Status
	StartedAt    time.Time
	FinishedAt   time.Time
	RowsAffected int64
	Err          error
	ObjectID     string
	// NewWatermark, if non-empty, is the high-watermark C9 should persist
	// to StateEntry after a successful incremental run.
	NewWatermark     string
	NewWatermarkKind state.HighWatermarkKind
}

// Request bundles everything a Strategy needs to materialise one model.
type Request struct {
	Model       *model.Model
	This        string // fully qualified physical identifier for {{ this }}
	SelectSQL   string // expanded, $var-substituted SELECT statement
	PriorState  *state.Entry
	FirstRun    bool
	// CDCStream supplies change rows for the CDC strategy only; every row
	// must carry "__CDC_OPERATION" (I/U/D/E), "__CDC_TIMESTAMP", and the
	// model's declared UniqueKey column.
	CDCStream warehouse.RowIter
}

// Strategy is the uniform contract every materialisation kind satisfies.
type Strategy interface {
	Materialize(ctx context.Context, conn warehouse.Connection, req Request) (*ExecutionResult, error)
}

// For selects the Strategy appropriate to m's declared materialisation kind.
func For(m *model.Model) (Strategy, error) {
	switch m.Materialize {
	case model.MaterializeView:
		return viewStrategy{}, nil
	case model.MaterializeTable:
		return tableStrategy{}, nil
	case model.MaterializeTemp:
		return tempStrategy{}, nil
	case model.MaterializeIncremental:
		switch m.Incremental {
		case model.IncrementalAppend:
			return incrementalAppendStrategy{}, nil
		case model.IncrementalTime:
			return incrementalTimeStrategy{}, nil
		case model.IncrementalUniqueKey:
			return incrementalUniqueKeyStrategy{}, nil
		default:
			return nil, engerr.New(engerr.KindConfigurationError, "materialize.For", "unknown incremental strategy: "+string(m.Incremental)).WithModel(m.Name)
		}
	case model.MaterializeCDC:
		return NewCDCStrategy(DefaultCDCOptions()), nil
	default:
		return nil, engerr.New(engerr.KindConfigurationError, "materialize.For", "unknown materialisation kind: "+string(m.Materialize)).WithModel(m.Name)
	}
}

func result(name string, started time.Time, rows int64, objectID string, err error) *ExecutionResult {
	r := &ExecutionResult{
		ModelName:    name,
		StartedAt:    started,
		FinishedAt:   time.Now(),
		RowsAffected: rows,
		ObjectID:     objectID,
		Err:          err,
		Status:       StatusSuccess,
	}

	if err != nil {
		r.Status = StatusFailed
	}

	return r
}

type viewStrategy struct{}

func (viewStrategy) Materialize(ctx context.Context, conn warehouse.Connection, req Request) (*ExecutionResult, error) {
	started := time.Now()
	sql := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", req.This, req.SelectSQL)
	err := conn.ExecuteMany(ctx, []string{sql})

	return result(req.Model.Name, started, 0, req.This, err), nil
}

type tableStrategy struct{}

func (tableStrategy) Materialize(ctx context.Context, conn warehouse.Connection, req Request) (*ExecutionResult, error) {
	started := time.Now()
	sql := fmt.Sprintf("CREATE OR REPLACE TABLE %s%s AS %s", req.This, clusterByClause(req.Model), req.SelectSQL)
	err := conn.ExecuteMany(ctx, []string{sql})

	return result(req.Model.Name, started, 0, req.This, err), nil
}

type tempStrategy struct{}

func (tempStrategy) Materialize(ctx context.Context, conn warehouse.Connection, req Request) (*ExecutionResult, error) {
	started := time.Now()
	sql := fmt.Sprintf("CREATE OR REPLACE TEMPORARY TABLE %s AS %s", req.This, req.SelectSQL)
	err := conn.ExecuteMany(ctx, []string{sql})

	return result(req.Model.Name, started, 0, req.This, err), nil
}

func clusterByClause(m *model.Model) string {
	if len(m.ClusterBy) == 0 {
		return ""
	}

	return " CLUSTER BY (" + strings.Join(m.ClusterBy, ", ") + ")"
}

// incrementalAppendStrategy creates the target on first run, otherwise
// inserts only — the is_incremental()-guarded WHERE clause that limits
// the insert to rows past the watermark is already baked into
// req.SelectSQL by C1/C9 before this runs. After a successful insert the
// strategy queries MAX(time_col) from the target so C9 can persist the
// new high-watermark.
type incrementalAppendStrategy struct{}

func (incrementalAppendStrategy) Materialize(ctx context.Context, conn warehouse.Connection, req Request) (*ExecutionResult, error) {
	return runAppendLike(ctx, conn, req)
}

// incrementalTimeStrategy has the same execution shape as append; the
// difference (per spec §4.8) is purely in how the WHERE guard is sourced
// — live MAX(time_col) in the target via is_incremental() expansion,
// rather than a persisted watermark. Materialize-level behaviour is
// identical.
type incrementalTimeStrategy struct{}

func (incrementalTimeStrategy) Materialize(ctx context.Context, conn warehouse.Connection, req Request) (*ExecutionResult, error) {
	return runAppendLike(ctx, conn, req)
}

func runAppendLike(ctx context.Context, conn warehouse.Connection, req Request) (*ExecutionResult, error) {
	started := time.Now()

	var sql string
	if req.FirstRun {
		sql = fmt.Sprintf("CREATE OR REPLACE TABLE %s AS %s", req.This, req.SelectSQL)
	} else {
		sql = fmt.Sprintf("INSERT INTO %s %s", req.This, req.SelectSQL)
	}

	if err := conn.ExecuteMany(ctx, []string{sql}); err != nil {
		return result(req.Model.Name, started, 0, req.This, err), nil
	}

	res := result(req.Model.Name, started, 0, req.This, nil)

	if req.Model.TimeColumn != "" {
		wm, err := queryScalar(ctx, conn, fmt.Sprintf("SELECT MAX(%s) AS wm FROM %s", req.Model.TimeColumn, req.This))
		if err == nil && wm != "" {
			res.NewWatermark = wm
			res.NewWatermarkKind = state.WatermarkTimestamp
		}
	}

	return res, nil
}

func queryScalar(ctx context.Context, conn warehouse.Connection, sql string) (string, error) {
	iter, err := conn.Execute(ctx, sql)
	if err != nil {
		return "", err
	}
	defer iter.Close()

	if !iter.Next() {
		return "", iter.Err()
	}

	row := iter.Row()
	for _, v := range row {
		return fmt.Sprintf("%v", v), nil
	}

	return "", nil
}

// incrementalUniqueKeyStrategy merges on Model.UniqueKey: matching rows
// update, non-matching rows insert.
type incrementalUniqueKeyStrategy struct{}

func (incrementalUniqueKeyStrategy) Materialize(ctx context.Context, conn warehouse.Connection, req Request) (*ExecutionResult, error) {
	started := time.Now()

	if req.FirstRun {
		sql := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS %s", req.This, req.SelectSQL)
		err := conn.ExecuteMany(ctx, []string{sql})

		return result(req.Model.Name, started, 0, req.This, err), nil
	}

	key := req.Model.UniqueKey
	cols := mergeColumns(req.Model, req.SelectSQL, key)
	colList := strings.Join(cols, ", ")

	updateSet := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == key {
			continue
		}

		updateSet = append(updateSet, fmt.Sprintf("%s = src.%s", c, c))
	}

	if len(updateSet) == 0 {
		// No non-key column could be resolved (no schema.yml, and the
		// query's projection degraded to a wildcard C2 couldn't expand) —
		// fall back to the key-only assignment rather than emitting an
		// empty SET clause.
		updateSet = []string{fmt.Sprintf("%s = src.%s", key, key)}
	}

	sql := fmt.Sprintf(
		"MERGE INTO %s AS target USING (%s) AS src ON target.%s = src.%s "+
			"WHEN MATCHED THEN UPDATE SET %s "+
			"WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		req.This, req.SelectSQL, key, key, strings.Join(updateSet, ", "), colList, colList,
	)
	err := conn.ExecuteMany(ctx, []string{sql})

	return result(req.Model.Name, started, 0, req.This, err), nil
}

// mergeColumns returns the full output column list for the MERGE's
// INSERT/UPDATE clauses: the sibling schema.yml's declared columns when
// present, otherwise C2's best-effort projection lineage over selectSQL.
// Falls back to just key when neither source resolves a usable list (e.g.
// an un-expandable "SELECT *"), matching C2's own graceful-degradation
// posture rather than emitting invalid SQL.
func mergeColumns(m *model.Model, selectSQL, key string) []string {
	if len(m.Columns) > 0 {
		cols := make([]string, len(m.Columns))
		for i, c := range m.Columns {
			cols[i] = c.Name
		}

		return cols
	}

	parsed := sqlast.Parse(selectSQL, nil)

	cols := make([]string, 0, len(parsed.Lineage))

	for _, l := range parsed.Lineage {
		if l.Wildcard {
			return []string{key}
		}

		cols = append(cols, l.OutputColumn)
	}

	if len(cols) == 0 {
		return []string{key}
	}

	return cols
}

// --- CDC retirement pattern ---

const (
	cdcOperationColumn = "__CDC_OPERATION"
	cdcTimestampColumn = "__CDC_TIMESTAMP"
	obsoleteDateColumn = "obsolete_date"
)

// CDCOptions tunes the retirement pattern's batching and chunked
// parallel fan-out thresholds.
type CDCOptions struct {
	BatchSize          int   // rows per UPDATE/INSERT batch (spec default 1000)
	ChunkThreshold     int   // total change-set size above which the chunked path activates (spec default 1,000,000)
	ChunkSize          int   // rows per chunk in the chunked path (spec default ~10,000,000)
	ChunkConcurrency   int   // bounded parallelism for chunk processing (spec default 10)
}

// DefaultCDCOptions returns spec.md §4.8's stated defaults.
func DefaultCDCOptions() CDCOptions {
	return CDCOptions{
		BatchSize:        1000,
		ChunkThreshold:   1_000_000,
		ChunkSize:        10_000_000,
		ChunkConcurrency: 10,
	}
}

type cdcStrategy struct {
	opts CDCOptions
}

// NewCDCStrategy builds the CDC retirement-pattern strategy with opts.
func NewCDCStrategy(opts CDCOptions) Strategy {
	return cdcStrategy{opts: opts}
}

type cdcChange struct {
	Key       string
	Op        string
	Timestamp time.Time
	Row       warehouse.Row
}

func (s cdcStrategy) Materialize(ctx context.Context, conn warehouse.Connection, req Request) (*ExecutionResult, error) {
	started := time.Now()

	if req.CDCStream == nil {
		err := engerr.New(engerr.KindConfigurationError, "materialize.CDC", "CDC strategy requires a change stream").WithModel(req.Model.Name)
		return result(req.Model.Name, started, 0, req.This, err), nil
	}

	changes, err := collectChanges(req.CDCStream, req.Model.UniqueKey)
	if err != nil {
		return result(req.Model.Name, started, 0, req.This, err), nil
	}

	deduped := dedupExactDuplicates(changes)

	var rowsAffected int64

	if len(deduped) > s.opts.ChunkThreshold {
		n, err := s.applyChunked(ctx, conn, req.This, req.Model.UniqueKey, deduped)
		rowsAffected += n

		if err != nil {
			return result(req.Model.Name, started, rowsAffected, req.This, err), nil
		}
	} else {
		n, err := s.applyBatch(ctx, conn, req.This, req.Model.UniqueKey, deduped)
		rowsAffected += n

		if err != nil {
			return result(req.Model.Name, started, rowsAffected, req.This, err), nil
		}
	}

	return result(req.Model.Name, started, rowsAffected, req.This, nil), nil
}

func collectChanges(iter warehouse.RowIter, uniqueKey string) ([]cdcChange, error) {
	var changes []cdcChange

	for iter.Next() {
		row := iter.Row()

		op, _ := row[cdcOperationColumn].(string)
		key := fmt.Sprintf("%v", row[uniqueKey])

		var ts time.Time
		switch v := row[cdcTimestampColumn].(type) {
		case time.Time:
			ts = v
		default:
			// best-effort: treat unparseable/missing timestamps as zero so
			// per-key ordering falls back to arrival order via the stable
			// sort in groupByKeyOrdered.
		}

		changes = append(changes, cdcChange{Key: key, Op: strings.ToUpper(op), Timestamp: ts, Row: row})
	}

	if err := iter.Err(); err != nil {
		return nil, err
	}

	return changes, nil
}

// dedupExactDuplicates drops true redeliveries — entries sharing the same
// key, op, and timestamp (at-least-once delivery can repeat the exact
// same event) — per spec §4.8's "the change set is pre-deduplicated per
// key, keeping only the latest __CDC_TIMESTAMP". A legitimate sequence of
// distinct events for the same key (e.g. I then U then D) is NOT
// collapsed: the retirement pattern's round-trip property (spec §8)
// requires every such event to take effect in order, producing one
// history row per I/U event plus a tombstone row per D/E event.
func dedupExactDuplicates(changes []cdcChange) []cdcChange {
	seen := make(map[string]bool, len(changes))

	out := make([]cdcChange, 0, len(changes))

	for _, c := range changes {
		key := c.Key + "\x00" + c.Op + "\x00" + c.Timestamp.Format(time.RFC3339Nano)
		if seen[key] {
			continue
		}

		seen[key] = true

		out = append(out, c)
	}

	return out
}

// applyBatch runs the retirement pattern over a change set small enough
// to process without the chunked parallel path. Each key's events are
// walked in __CDC_TIMESTAMP order and retirement is resolved per row, in
// memory, rather than by a blanket UPDATE: a batched
// "WHERE key IN (...) AND obsolete_date IS NULL" can only retire *all*
// currently-active rows for those keys at once, so it can't assign one
// event's row its own specific obsolete_date when several events land on
// the same key within one batch.
//
//   - I: insert a new row; its obsolete_date is the timestamp of the
//     *next* event on this key within the batch, or NULL if this is the
//     key's last event (still active).
//   - U: same as I — insert a new row, obsolete_date set from the next
//     same-key event (or NULL if none).
//   - D/E: insert a tombstone row whose own obsolete_date is already this
//     event's timestamp (the terminal event is itself historized).
//
// The one case that does need a real UPDATE against the warehouse is a
// key's *first* event in this batch being U/D/E: that row may already
// have an active version from a prior run, which this batch never
// inserts itself, so it has to be retired by statement. Such first-events
// are grouped by the timestamp they set (one statement can only assign
// one obsolete_date value) and each group issues one retiring UPDATE per
// BatchSize keys, scoped by the model's declared unique key column.
func (s cdcStrategy) applyBatch(ctx context.Context, conn warehouse.Connection, this, keyColumn string, changes []cdcChange) (int64, error) {
	keyOrder, byKey := groupByKeyOrdered(changes)

	retireGroups := map[time.Time][]string{}

	var insertRows []warehouse.Row

	for _, key := range keyOrder {
		events := byKey[key]

		for i, c := range events {
			var obsoleteAt *time.Time

			switch c.Op {
			case "D", "E":
				ts := c.Timestamp
				obsoleteAt = &ts
			default: // I, U
				if i+1 < len(events) {
					ts := events[i+1].Timestamp
					obsoleteAt = &ts
				}
			}

			insertRows = append(insertRows, withObsoleteDate(c.Row, obsoleteAt))

			if i == 0 && c.Op != "I" {
				retireGroups[c.Timestamp] = append(retireGroups[c.Timestamp], key)
			}
		}
	}

	var affected int64

	timestamps := make([]time.Time, 0, len(retireGroups))
	for ts := range retireGroups {
		timestamps = append(timestamps, ts)
	}

	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

	for _, ts := range timestamps {
		for _, batch := range chunkStrings(retireGroups[ts], s.opts.BatchSize) {
			sql := retireSQL(this, keyColumn, batch, ts)
			if err := conn.ExecuteMany(ctx, []string{sql}); err != nil {
				return affected, err
			}

			affected += int64(len(batch))
		}
	}

	for _, batch := range chunkRows(insertRows, s.opts.BatchSize) {
		n, err := bulkInsertBatch(ctx, conn, this, batch)
		affected += n

		if err != nil {
			return affected, err
		}
	}

	return affected, nil
}

// groupByKeyOrdered buckets changes by key, each bucket stable-sorted into
// ascending __CDC_TIMESTAMP order, and returns the keys in first-seen
// order for deterministic iteration.
func groupByKeyOrdered(changes []cdcChange) ([]string, map[string][]cdcChange) {
	byKey := map[string][]cdcChange{}

	var keyOrder []string

	for _, c := range changes {
		if _, ok := byKey[c.Key]; !ok {
			keyOrder = append(keyOrder, c.Key)
		}

		byKey[c.Key] = append(byKey[c.Key], c)
	}

	for k := range byKey {
		group := byKey[k]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Timestamp.Before(group[j].Timestamp) })
	}

	return keyOrder, byKey
}

func withObsoleteDate(row warehouse.Row, obsoleteAt *time.Time) warehouse.Row {
	out := make(warehouse.Row, len(row)+1)
	for k, v := range row {
		out[k] = v
	}

	if obsoleteAt != nil {
		out[obsoleteDateColumn] = *obsoleteAt
	} else {
		out[obsoleteDateColumn] = nil
	}

	return out
}

func retireSQL(this, keyColumn string, keys []string, at time.Time) string {
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = "'" + strings.ReplaceAll(k, "'", "''") + "'"
	}

	return fmt.Sprintf(
		"UPDATE %s SET %s = '%s' WHERE %s IN (%s) AND %s IS NULL",
		this, obsoleteDateColumn, at.Format(time.RFC3339Nano), keyColumn, strings.Join(quoted, ","), obsoleteDateColumn,
	)
}

func bulkInsertBatch(ctx context.Context, conn warehouse.Connection, this string, rows []warehouse.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	columns := columnsOf(rows[0])
	iter := &sliceRowIter{rows: rows}

	return conn.BulkInsert(ctx, this, columns, iter)
}

func columnsOf(row warehouse.Row) []string {
	cols := make([]string, 0, len(row))
	for k := range row {
		if k == cdcOperationColumn || k == cdcTimestampColumn || k == obsoleteDateColumn {
			continue
		}

		cols = append(cols, k)
	}

	sort.Strings(cols)
	cols = append(cols, obsoleteDateColumn)

	return cols
}

type sliceRowIter struct {
	rows []warehouse.Row
	i    int
}

func (s *sliceRowIter) Next() bool {
	if s.i >= len(s.rows) {
		return false
	}

	s.i++

	return true
}

func (s *sliceRowIter) Row() warehouse.Row {
	return s.rows[s.i-1]
}

func (s *sliceRowIter) Err() error   { return nil }
func (s *sliceRowIter) Close() error { return nil }

func chunkStrings(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
	}

	var out [][]string

	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}

		out = append(out, items[i:end])
	}

	return out
}

func chunkRows(items []warehouse.Row, size int) [][]warehouse.Row {
	if size <= 0 {
		size = len(items)
	}

	var out [][]warehouse.Row

	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}

		out = append(out, items[i:end])
	}

	return out
}

// applyChunked handles change sets beyond ChunkThreshold: the set is
// split into ChunkSize chunks, boundaries chosen by numeric key range
// when the key parses as a decimal across the whole set, otherwise by
// arrival order, and processed with bounded parallelism (ChunkConcurrency).
func (s cdcStrategy) applyChunked(ctx context.Context, conn warehouse.Connection, this, keyColumn string, changes []cdcChange) (int64, error) {
	chunks := partitionByKeyRangeOrArrival(changes, s.opts.ChunkSize)

	sem := make(chan struct{}, s.opts.ChunkConcurrency)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		affected int64
		firstErr error
	)

	for _, chunk := range chunks {
		chunk := chunk

		wg.Add(1)
		sem <- struct{}{}

		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := s.applyBatch(ctx, conn, this, keyColumn, chunk)

			mu.Lock()
			affected += n

			if err != nil && firstErr == nil {
				firstErr = err
			}

			mu.Unlock()
		}()
	}

	wg.Wait()

	return affected, firstErr
}

// partitionByKeyRangeOrArrival splits changes into chunks of at most
// chunkSize. If every key parses as a decimal, changes are sorted by
// numeric key first so each chunk covers a contiguous key range
// (decimal arithmetic avoids float drift across very large batches);
// otherwise the original arrival order is preserved.
func partitionByKeyRangeOrArrival(changes []cdcChange, chunkSize int) [][]cdcChange {
	numeric := true

	keys := make([]decimal.Decimal, len(changes))

	for i, c := range changes {
		d, err := decimal.NewFromString(c.Key)
		if err != nil {
			numeric = false
			break
		}

		keys[i] = d
	}

	ordered := changes

	if numeric {
		type indexed struct {
			change cdcChange
			key    decimal.Decimal
		}

		pairs := make([]indexed, len(changes))
		for i, c := range changes {
			pairs[i] = indexed{change: c, key: keys[i]}
		}

		sort.Slice(pairs, func(i, j int) bool { return pairs[i].key.LessThan(pairs[j].key) })

		ordered = make([]cdcChange, len(pairs))
		for i, p := range pairs {
			ordered[i] = p.change
		}
	}

	if chunkSize <= 0 {
		chunkSize = len(ordered)
	}

	var chunks [][]cdcChange

	for i := 0; i < len(ordered); i += chunkSize {
		end := i + chunkSize
		if end > len(ordered) {
			end = len(ordered)
		}

		chunks = append(chunks, ordered[i:end])
	}

	return chunks
}
