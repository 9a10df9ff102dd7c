package dbexec

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"planql/internal/compiler"
	"planql/internal/logging"
)

// ExecutionResult is the outcome of running one compiled query. It is
// always well-formed: failures carry a normalized error message and a
// duration, never a panic or a half-filled row set. Error text is safe to
// return to the planning caller; raw driver errors go to the log only.
type ExecutionResult struct {
	Success         bool             `json:"success"`
	Rows            []map[string]any `json:"rows,omitempty"`
	Error           string           `json:"error,omitempty"`
	ExecutionTimeMs int64            `json:"executionTimeMs"`
	RowCount        int              `json:"rowCount"`
}

// Runner executes compiled queries and converts every outcome, including
// driver failures, into an ExecutionResult.
type Runner struct {
	exec QueryExecutor
}

// NewRunner creates a Runner on top of a query executor.
func NewRunner(exec QueryExecutor) *Runner {
	return &Runner{exec: exec}
}

// Run executes one compiled query. ExecutionTimeMs covers dispatch through
// scan completion.
func (r *Runner) Run(ctx context.Context, q *compiler.CompiledQuery) ExecutionResult {
	start := time.Now()
	result := r.run(ctx, q)
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return result
}

func (r *Runner) run(ctx context.Context, q *compiler.CompiledQuery) ExecutionResult {
	// The compiler cannot emit anything else; this guards direct misuse of
	// the runner.
	if !isSelect(q.SQL) {
		return ExecutionResult{Error: "refusing to execute a non-SELECT statement"}
	}

	rows, err := r.exec.QueryContext(ctx, q.SQL, q.Params...)
	if err != nil {
		logging.FromContext(ctx).Error("query execution failed",
			slog.String("error", err.Error()),
			slog.Int("table_count", q.TableCount),
		)
		return ExecutionResult{Error: normalizeError(err)}
	}
	defer rows.Close()

	scanned, err := scanRows(rows)
	if err != nil {
		logging.FromContext(ctx).Error("row scan failed",
			slog.String("error", err.Error()),
		)
		return ExecutionResult{Error: normalizeError(err)}
	}

	return ExecutionResult{
		Success:  true,
		Rows:     scanned,
		RowCount: len(scanned),
	}
}

func isSelect(query string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT ")
}
