package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueryMetrics instruments the plan pipeline: compilation outcomes, query
// execution, and batch fan-out.
type QueryMetrics struct {
	compilations    metric.Int64Counter
	rejectionIssues metric.Int64Counter
	executions      metric.Int64Counter
	queryDuration   metric.Int64Histogram
	queryRows       metric.Int64Histogram

	batches       metric.Int64Counter
	batchDuration metric.Int64Histogram
}

// InitQueryMetrics registers the plan pipeline instruments on the global
// meter provider.
func InitQueryMetrics() (*QueryMetrics, error) {
	var (
		meter = otel.Meter("planql/query")
		m     QueryMetrics
		err   error
	)

	if m.compilations, err = meter.Int64Counter(
		"query.compile.total",
		metric.WithDescription("Total number of plan compilation attempts"),
	); err != nil {
		return nil, fmt.Errorf("create query.compile.total: %w", err)
	}

	if m.rejectionIssues, err = meter.Int64Counter(
		"query.compile.rejection_issues.total",
		metric.WithDescription("Total number of individual validation issues across rejected plans"),
	); err != nil {
		return nil, fmt.Errorf("create query.compile.rejection_issues.total: %w", err)
	}

	if m.executions, err = meter.Int64Counter(
		"query.execute.total",
		metric.WithDescription("Total number of compiled queries executed"),
	); err != nil {
		return nil, fmt.Errorf("create query.execute.total: %w", err)
	}

	if m.queryDuration, err = meter.Int64Histogram(
		"query.execute.duration",
		metric.WithDescription("Wall-clock duration of query execution"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("create query.execute.duration: %w", err)
	}

	if m.queryRows, err = meter.Int64Histogram(
		"query.execute.rows",
		metric.WithDescription("Rows returned per executed query"),
	); err != nil {
		return nil, fmt.Errorf("create query.execute.rows: %w", err)
	}

	if m.batches, err = meter.Int64Counter(
		"batch.executions.total",
		metric.WithDescription("Total number of plan batches executed"),
	); err != nil {
		return nil, fmt.Errorf("create batch.executions.total: %w", err)
	}

	if m.batchDuration, err = meter.Int64Histogram(
		"batch.duration",
		metric.WithDescription("Wall-clock duration of batch execution"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("create batch.duration: %w", err)
	}

	return &m, nil
}

// RecordCompilation counts one compile attempt. Rejected plans also feed the
// per-issue counter so issue volume can be tracked independently of plan volume.
func (m *QueryMetrics) RecordCompilation(ctx context.Context, queryType string, rejected bool, issueCount int) {
	opt := metric.WithAttributes(attribute.String("query_type", queryType), attribute.Bool("rejected", rejected))
	m.compilations.Add(ctx, 1, opt)
	if rejected && issueCount > 0 {
		m.rejectionIssues.Add(ctx, int64(issueCount), metric.WithAttributes(attribute.String("query_type", queryType)))
	}
}

// RecordExecution records one executed query. Row counts are only meaningful
// on success, so failed executions skip the rows histogram.
func (m *QueryMetrics) RecordExecution(ctx context.Context, queryType string, success bool, durationMs int64, rows int) {
	opt := metric.WithAttributes(attribute.String("query_type", queryType), attribute.Bool("success", success))
	m.executions.Add(ctx, 1, opt)
	m.queryDuration.Record(ctx, durationMs, opt)
	if success {
		m.queryRows.Record(ctx, int64(rows), metric.WithAttributes(attribute.String("query_type", queryType)))
	}
}

// RecordBatch records one completed batch.
func (m *QueryMetrics) RecordBatch(ctx context.Context, success bool, planCount int, durationMs int64) {
	ok := attribute.Bool("success", success)
	m.batches.Add(ctx, 1, metric.WithAttributes(ok, attribute.Int("plan_count", planCount)))
	m.batchDuration.Record(ctx, durationMs, metric.WithAttributes(ok))
}
