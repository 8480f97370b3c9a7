// Package driverpool implements C7: a bounded pool of warehouse
// connections with retry, health awareness, and a single batched
// session-variable statement per acquisition. Built on
// github.com/jackc/puddle/v2 for slot bookkeeping (promoted here to a
// direct dependency from its transitive pull-in via jackc/pgx/v5) and
// github.com/cenkalti/backoff/v4 for exponential-backoff-with-jitter
// retry (promoted from an indirect testcontainers dependency in the
// teacher's own module graph).
package driverpool

import (
	"context"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/puddle/v2"

	"github.com/warehouseplan/core/internal/engerr"
	"github.com/warehouseplan/core/internal/warehouse"
)

// RetryPolicy configures the exponential-backoff-with-jitter retry applied
// to a single logical call on a transient error. Defaults (§9 open
// question, resolved in SPEC_FULL.md): initial 1s, factor 2, jitter
// ±20%, 3 attempts.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	JitterFraction  float64
	MaxAttempts     int
}

// DefaultRetryPolicy is the spec's fixed default.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		Multiplier:      2,
		JitterFraction:  0.2,
		MaxAttempts:     3,
	}
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.JitterFraction,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.InitialInterval * time.Duration(1<<uint(p.MaxAttempts)),
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

// Pool is a bounded pool of warehouse.Connection, handed out healthy or
// not at all, blocking (with caller-supplied timeout via ctx) when
// exhausted.
type Pool struct {
	inner   *puddle.Pool[warehouse.Connection]
	retry   RetryPolicy
	sessVar func(map[string]string) error // never set; session vars are passed to Acquire instead
}

// New builds a Pool bound to connector, capped at maxSize live connections.
func New(connector warehouse.Connector, maxSize int32, retry RetryPolicy) (*Pool, error) {
	constructor := func(ctx context.Context) (warehouse.Connection, error) {
		return connector.Connect(ctx)
	}

	destructor := func(conn warehouse.Connection) {
		_ = conn.Close(context.Background())
	}

	inner, err := puddle.NewPool(&puddle.Config[warehouse.Connection]{
		Constructor: constructor,
		Destructor:  destructor,
		MaxSize:     maxSize,
	})
	if err != nil {
		return nil, engerr.Wrap(engerr.KindConfigurationError, "driverpool.New", err)
	}

	return &Pool{inner: inner, retry: retry}, nil
}

// Acquired is a checked-out connection; callers must call Release exactly once.
type Acquired struct {
	res  *puddle.Resource[warehouse.Connection]
	pool *Pool
}

// Conn returns the underlying connection.
func (a *Acquired) Conn() warehouse.Connection {
	return a.res.Value()
}

// Release returns the connection to the pool. If discard is true (a
// connection-level error was observed while it was checked out) the
// connection is destroyed instead of being returned to the idle set, so
// the next Acquire creates a fresh one.
func (a *Acquired) Release(discard bool) {
	if discard {
		a.res.Destroy()
		return
	}

	a.res.Release()
}

// Acquire blocks (until ctx is done) for a healthy connection, applying
// sessionVars as a single batched statement once the connection is in
// hand. A connection whose cached health state is unhealthy is never
// handed out — Acquire loops, destroying unhealthy resources and trying
// again, until ctx expires.
func (p *Pool) Acquire(ctx context.Context, sessionVars map[string]string) (*Acquired, error) {
	for {
		res, err := p.inner.Acquire(ctx)
		if err != nil {
			return nil, engerr.Wrap(engerr.KindConfigurationError, "driverpool.Acquire", err)
		}

		conn := res.Value()

		if !conn.Healthy() {
			res.Destroy()
			continue
		}

		if len(sessionVars) > 0 {
			if err := conn.ApplySessionVariables(ctx, sessionVars); err != nil {
				res.Destroy()
				return nil, engerr.Wrap(engerr.KindTransientDriverFailure, "driverpool.Acquire", err)
			}
		}

		return &Acquired{res: res, pool: p}, nil
	}
}

// CloseAll drains and destroys every pooled connection.
func (p *Pool) CloseAll() {
	p.inner.Close()
}

// Stat exposes puddle's pool statistics (acquired/idle/total counts) for
// the "pool safety" testable property's own test harness to assert on.
func (p *Pool) Stat() *puddle.Stat {
	return p.inner.Stat()
}

// WithRetry runs fn, retrying on a KindTransient-classified error per the
// pool's RetryPolicy, using exponential backoff with jitter. The SAME
// logical call is retried on the SAME connection; a KindConnectionLost
// error is never retried here — callers must Release(discard=true) and
// re-Acquire instead.
func (p *Pool) WithRetry(ctx context.Context, classify func(error) warehouse.Kind, fn func() error) error {
	attempts := 0

	operation := func() error {
		attempts++

		err := fn()
		if err == nil {
			return nil
		}

		if classify(err) != warehouse.KindTransient {
			return backoff.Permanent(err)
		}

		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(p.retry.newBackOff(), ctx))
	if err != nil {
		return engerr.Wrap(engerr.KindTransientDriverFailure, "driverpool.WithRetry", err).WithRetryCount(attempts - 1)
	}

	return nil
}

// varPattern matches Snowflake-style $variable tokens at the top level of
// SQL text (not inside string literals, which SubstituteVars skips by
// scanning for quote runs first).
var varPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// MissingVariableError names a $var referenced in SQL with no entry in vars.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return "missing variable: $" + e.Name
}

// SubstituteVars performs single-pass O(n) regex substitution of every
// `$var` token in sql using vars, skipping any $var found inside a
// single-quoted string literal. Every referenced variable must be
// present in vars or this returns MissingVariableError — required by the
// "variable substitution" testable property (spec §8).
func SubstituteVars(sql string, vars map[string]string) (string, error) {
	segments := splitOnStringLiterals(sql)

	var missing *MissingVariableError

	out := make([]string, len(segments))

	for i, seg := range segments {
		if seg.isLiteral {
			out[i] = seg.text
			continue
		}

		out[i] = varPattern.ReplaceAllStringFunc(seg.text, func(tok string) string {
			name := tok[1:]

			v, ok := vars[name]
			if !ok {
				if missing == nil {
					missing = &MissingVariableError{Name: name}
				}

				return tok
			}

			return v
		})
	}

	if missing != nil {
		return "", engerr.Wrap(engerr.KindMissingVariableError, "driverpool.SubstituteVars", missing)
	}

	joined := ""
	for _, s := range out {
		joined += s
	}

	return joined, nil
}

type segment struct {
	text      string
	isLiteral bool
}

// splitOnStringLiterals does a single O(n) pass over sql, splitting it
// into alternating non-literal/literal segments on single-quoted string
// boundaries (''  escapes an embedded quote, matching standard SQL
// quoting), so $var substitution never touches literal text.
func splitOnStringLiterals(sql string) []segment {
	var segments []segment

	start := 0
	i := 0

	for i < len(sql) {
		if sql[i] != '\'' {
			i++
			continue
		}

		if i > start {
			segments = append(segments, segment{text: sql[start:i]})
		}

		litStart := i
		i++

		for i < len(sql) {
			if sql[i] == '\'' {
				if i+1 < len(sql) && sql[i+1] == '\'' {
					i += 2
					continue
				}

				i++

				break
			}

			i++
		}

		segments = append(segments, segment{text: sql[litStart:i], isLiteral: true})
		start = i
	}

	if start < len(sql) {
		segments = append(segments, segment{text: sql[start:]})
	}

	return segments
}
