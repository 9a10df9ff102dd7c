// Package dbexec executes compiled queries against the analytics database.
// The system is read-only by construction, so the executor surface exposes
// query execution only; there is no Exec path for callers.
package dbexec

import (
	"context"
	"database/sql"
)

// Rows abstracts sql.Rows so executors can wrap cleanup behavior. Columns
// is part of the contract because compiled statements may project
// aggregates whose names are only known from the result set.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// QueryExecutor abstracts SELECT execution so callers can swap in
// session-guarded behavior.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
}

// StandardExecutor runs queries directly against a database handle.
type StandardExecutor struct {
	pool *sql.DB
}

// NewStandardExecutor creates an executor that runs queries on the shared
// pool without per-session setup.
func NewStandardExecutor(pool *sql.DB) *StandardExecutor {
	return &StandardExecutor{pool: pool}
}

func (e *StandardExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.pool == nil {
		return nil, sql.ErrConnDone
	}
	return e.pool.QueryContext(ctx, query, args...)
}
