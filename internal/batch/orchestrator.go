// Package batch fans one plan batch out over the query pipeline. Every plan
// compiles independently; compiled plans run concurrently and all of them
// settle. A failing plan never cancels its siblings: the caller assembles
// an answer from whatever evidence arrived, so partial results are worth
// returning.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"planql/internal/compiler"
	"planql/internal/dbexec"
	"planql/internal/logging"
	"planql/internal/observability"
	"planql/internal/queryplan"
)

// Query type tags carried on every result.
const (
	QueryTypePrimary    = "primary"
	QueryTypeContextual = "contextual"
	QueryTypeConnection = "connection"
)

// QueryRunner is the execution seam between the orchestrator and the
// database layer.
type QueryRunner interface {
	Run(ctx context.Context, q *compiler.CompiledQuery) dbexec.ExecutionResult
}

// Request is one batch: the primary plan answers the question, contextual
// plans gather supporting evidence, and an optional connection plan probes
// how entities relate.
type Request struct {
	TenantID   string
	Primary    *queryplan.QueryPlan
	Contextual []queryplan.QueryPlan
	Connection *queryplan.QueryPlan
}

// Tags attribute a result back to the plan that produced it.
type Tags struct {
	QueryType string   `json:"queryType"`
	Domain    string   `json:"domain,omitempty"`
	Entities  []string `json:"entities,omitempty"`
}

// QueryResult is one plan's outcome inside a batch.
type QueryResult struct {
	dbexec.ExecutionResult
	Tags Tags `json:"tags"`
}

// Result is the settled outcome of a whole batch. Success tracks the
// primary plan only; contextual failures are recorded per item.
type Result struct {
	BatchID              string        `json:"batchId"`
	Success              bool          `json:"success"`
	Error                string        `json:"error,omitempty"`
	Primary              *QueryResult  `json:"primary,omitempty"`
	Contextual           []QueryResult `json:"contextual,omitempty"`
	Connection           *QueryResult  `json:"connection,omitempty"`
	TotalExecutionTimeMs int64         `json:"totalExecutionTimeMs"`
}

// Orchestrator ties the compiler and runner together for batches.
type Orchestrator struct {
	compiler *compiler.Compiler
	runner   QueryRunner
	metrics  *observability.QueryMetrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *observability.QueryMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an Orchestrator.
func New(c *compiler.Compiler, runner QueryRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		compiler: c,
		runner:   runner,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute compiles every plan in the request and runs the compiled ones
// concurrently, one goroutine per plan, each writing its own result slot.
// It returns once every plan has settled; TotalExecutionTimeMs is the
// wall-clock span of the whole fan-out, not the sum of the parts.
func (o *Orchestrator) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	result := Result{BatchID: uuid.NewString()}
	logger := logging.FromContext(ctx).WithFields(slog.String("batch_id", result.BatchID))

	var wg sync.WaitGroup
	dispatch := func(plan queryplan.QueryPlan, queryType string, slot *QueryResult) {
		tags := Tags{QueryType: queryType, Domain: plan.Domain, Entities: plan.Entities}

		compiled, err := o.compiler.Compile(plan, req.TenantID)
		if err != nil {
			if o.metrics != nil {
				o.metrics.RecordCompilation(ctx, queryType, true, issueCount(err))
			}
			logger.Warn("plan rejected",
				slog.String("query_type", queryType),
				slog.String("reason", err.Error()),
			)
			*slot = QueryResult{
				ExecutionResult: dbexec.ExecutionResult{Error: err.Error()},
				Tags:            tags,
			}
			return
		}
		if o.metrics != nil {
			o.metrics.RecordCompilation(ctx, queryType, false, 0)
		}
		tags.Entities = compiled.Entities

		wg.Add(1)
		go func() {
			defer wg.Done()
			exec := o.runner.Run(ctx, compiled)
			if o.metrics != nil {
				o.metrics.RecordExecution(ctx, queryType, exec.Success, exec.ExecutionTimeMs, exec.RowCount)
			}
			*slot = QueryResult{ExecutionResult: exec, Tags: tags}
		}()
	}

	if req.Primary != nil {
		result.Primary = &QueryResult{}
		dispatch(*req.Primary, QueryTypePrimary, result.Primary)
	}
	if len(req.Contextual) > 0 {
		result.Contextual = make([]QueryResult, len(req.Contextual))
		for i := range req.Contextual {
			dispatch(req.Contextual[i], QueryTypeContextual, &result.Contextual[i])
		}
	}
	if req.Connection != nil {
		result.Connection = &QueryResult{}
		dispatch(*req.Connection, QueryTypeConnection, result.Connection)
	}

	wg.Wait()
	result.TotalExecutionTimeMs = time.Since(start).Milliseconds()

	switch {
	case req.Primary == nil:
		result.Error = "batch carries no primary plan"
	case !result.Primary.Success:
		result.Error = "primary query failed: " + result.Primary.Error
	default:
		result.Success = true
	}

	if o.metrics != nil {
		o.metrics.RecordBatch(ctx, result.Success, planCount(req), result.TotalExecutionTimeMs)
	}
	logger.Info("batch complete",
		slog.Bool("success", result.Success),
		slog.Int("plan_count", planCount(req)),
		slog.Int64("duration_ms", result.TotalExecutionTimeMs),
	)
	return result
}

func planCount(req Request) int {
	n := len(req.Contextual)
	if req.Primary != nil {
		n++
	}
	if req.Connection != nil {
		n++
	}
	return n
}

func issueCount(err error) int {
	var rej *compiler.Rejection
	if errors.As(err, &rej) {
		return len(rej.Issues)
	}
	return 0
}
