package driverpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/warehouseplan/core/internal/warehouse"
)

type fakeConn struct {
	id          int
	healthy     atomic.Bool
	sessionVars map[string]string
	closed      atomic.Bool
}

func newFakeConn(id int) *fakeConn {
	c := &fakeConn{id: id}
	c.healthy.Store(true)

	return c
}

func (c *fakeConn) Execute(ctx context.Context, sql string) (warehouse.RowIter, error) { return nil, nil }
func (c *fakeConn) ExecuteMany(ctx context.Context, sqls []string) error               { return nil }
func (c *fakeConn) BulkInsert(ctx context.Context, qualified string, columns []string, rows warehouse.RowIter) (int64, error) {
	return 0, nil
}

func (c *fakeConn) ApplySessionVariables(ctx context.Context, vars map[string]string) error {
	c.sessionVars = vars
	return nil
}

func (c *fakeConn) Healthy() bool { return c.healthy.Load() }

func (c *fakeConn) Close(ctx context.Context) error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) ClassifyError(err error) warehouse.Kind {
	if errors.Is(err, errTransient) {
		return warehouse.KindTransient
	}

	return warehouse.KindPermanent
}

var errTransient = errors.New("transient failure")

type fakeConnector struct {
	next atomic.Int64
}

func (f *fakeConnector) Connect(ctx context.Context) (warehouse.Connection, error) {
	id := int(f.next.Add(1))
	return newFakeConn(id), nil
}

func TestAcquireRelease_RespectsPoolSize(t *testing.T) {
	p, err := New(&fakeConnector{}, 2, DefaultRetryPolicy())
	assert.NoError(t, err)
	defer p.CloseAll()

	ctx := context.Background()

	a1, err := p.Acquire(ctx, nil)
	assert.NoError(t, err)

	a2, err := p.Acquire(ctx, nil)
	assert.NoError(t, err)

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(timeoutCtx, nil)
	assert.Error(t, err)

	a1.Release(false)
	a2.Release(false)
}

func TestAcquire_AppliesSessionVariablesOnce(t *testing.T) {
	p, err := New(&fakeConnector{}, 1, DefaultRetryPolicy())
	assert.NoError(t, err)
	defer p.CloseAll()

	a, err := p.Acquire(context.Background(), map[string]string{"TIMEZONE": "UTC"})
	assert.NoError(t, err)

	conn := a.Conn().(*fakeConn)
	assert.Equal(t, map[string]string{"TIMEZONE": "UTC"}, conn.sessionVars)

	a.Release(false)
}

func TestRelease_DiscardDestroysConnection(t *testing.T) {
	p, err := New(&fakeConnector{}, 1, DefaultRetryPolicy())
	assert.NoError(t, err)
	defer p.CloseAll()

	a, err := p.Acquire(context.Background(), nil)
	assert.NoError(t, err)

	conn := a.Conn().(*fakeConn)
	a.Release(true)

	assert.True(t, conn.closed.Load())
}

func TestAcquire_UnhealthyConnectionIsSkipped(t *testing.T) {
	p, err := New(&fakeConnector{}, 1, DefaultRetryPolicy())
	assert.NoError(t, err)
	defer p.CloseAll()

	a, err := p.Acquire(context.Background(), nil)
	assert.NoError(t, err)

	first := a.Conn().(*fakeConn)
	first.healthy.Store(false)
	a.Release(false)

	a2, err := p.Acquire(context.Background(), nil)
	assert.NoError(t, err)
	defer a2.Release(false)

	second := a2.Conn().(*fakeConn)
	assert.NotEqual(t, first.id, second.id)
}

func TestWithRetry_RetriesTransientThenSucceeds(t *testing.T) {
	p, err := New(&fakeConnector{}, 1, RetryPolicy{InitialInterval: time.Millisecond, Multiplier: 2, JitterFraction: 0, MaxAttempts: 3})
	assert.NoError(t, err)
	defer p.CloseAll()

	calls := 0
	err = p.WithRetry(context.Background(), (&fakeConn{}).ClassifyError, func() error {
		calls++
		if calls < 2 {
			return errTransient
		}

		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_PermanentErrorNotRetried(t *testing.T) {
	p, err := New(&fakeConnector{}, 1, DefaultRetryPolicy())
	assert.NoError(t, err)
	defer p.CloseAll()

	calls := 0
	err = p.WithRetry(context.Background(), (&fakeConn{}).ClassifyError, func() error {
		calls++
		return errors.New("permanent failure")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSubstituteVars_ReplacesTopLevelTokens(t *testing.T) {
	sql := "SELECT * FROM t WHERE region = $region AND created > $start_date"

	out, err := SubstituteVars(sql, map[string]string{"region": "'EU'", "start_date": "'2026-01-01'"})
	assert.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE region = 'EU' AND created > '2026-01-01'", out)
}

func TestSubstituteVars_SkipsStringLiterals(t *testing.T) {
	sql := "SELECT '$not_a_var' AS literal_text, $real AS col"

	out, err := SubstituteVars(sql, map[string]string{"real": "1"})
	assert.NoError(t, err)
	assert.Equal(t, "SELECT '$not_a_var' AS literal_text, 1 AS col", out)
}

func TestSubstituteVars_MissingVariableError(t *testing.T) {
	_, err := SubstituteVars("SELECT $missing", map[string]string{})
	assert.Error(t, err)

	var mv *MissingVariableError
	assert.True(t, errors.As(err, &mv))
	assert.Equal(t, "missing", mv.Name)
}
