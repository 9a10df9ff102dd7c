package dbexec

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionExecutor runs each query on a dedicated connection with session
// guards applied first: the session is switched to read-only and given a
// server-enforced statement time limit. Guards are reset before the
// connection goes back to the pool.
type SessionExecutor struct {
	pool        *sql.DB
	maxExecTime time.Duration
	readOnly    bool
}

// SessionExecutorConfig controls session guard behavior.
type SessionExecutorConfig struct {
	DB *sql.DB
	// MaxExecutionTime is enforced by MySQL's max_execution_time, which
	// kills the statement server-side. Zero disables the limit.
	MaxExecutionTime time.Duration
	// ReadOnly switches the session to READ ONLY before the query runs.
	ReadOnly bool
}

// NewSessionExecutor creates an executor that applies session guards before
// each query.
func NewSessionExecutor(cfg SessionExecutorConfig) *SessionExecutor {
	return &SessionExecutor{
		pool:        cfg.DB,
		maxExecTime: cfg.MaxExecutionTime,
		readOnly:    cfg.ReadOnly,
	}
}

func (e *SessionExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.pool == nil {
		return nil, sql.ErrConnDone
	}
	conn, err := e.pool.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	restore, err := e.applyGuards(ctx, conn)
	if err != nil {
		restore()
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		restore()
		return nil, err
	}
	return &guardedRows{Rows: rows, release: restore}, nil
}

// applyGuards arms the configured session guards on conn. The returned
// restore func undoes whatever was armed and returns the connection to the
// pool; it is safe to call even when guard setup failed partway.
func (e *SessionExecutor) applyGuards(ctx context.Context, conn *sql.Conn) (func(), error) {
	restore := func() {
		if e.readOnly {
			_, _ = conn.ExecContext(context.Background(), "SET SESSION TRANSACTION READ WRITE")
		}
		if e.maxExecTime > 0 {
			_, _ = conn.ExecContext(context.Background(), "SET SESSION max_execution_time = DEFAULT")
		}
		_ = conn.Close()
	}

	if e.readOnly {
		if _, err := conn.ExecContext(ctx, "SET SESSION TRANSACTION READ ONLY"); err != nil {
			return restore, fmt.Errorf("failed to set read-only session: %w", err)
		}
	}
	if e.maxExecTime > 0 {
		// max_execution_time takes milliseconds and cannot be parameterized;
		// the value comes from server config, never from a request.
		limit := fmt.Sprintf("SET SESSION max_execution_time = %d", e.maxExecTime.Milliseconds())
		if _, err := conn.ExecContext(ctx, limit); err != nil {
			return restore, fmt.Errorf("failed to set execution time limit: %w", err)
		}
	}
	return restore, nil
}

// guardedRows ties guard teardown to the rows lifecycle so callers release
// the connection by closing the result set as usual.
type guardedRows struct {
	*sql.Rows
	release func()
}

func (r *guardedRows) Close() error {
	defer r.release()
	return r.Rows.Close()
}
