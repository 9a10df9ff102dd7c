package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PlanSpanAttributes renders a compiled plan's identity as span attributes.
// Empty values are skipped so spans only carry populated fields.
func PlanSpanAttributes(queryType, domain, target string, entities []string, tableCount int) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}

	add("plan.query_type", queryType)
	add("plan.domain", domain)
	add("plan.target", target)
	if len(entities) > 0 {
		attrs = append(attrs, attribute.StringSlice("plan.entities", entities))
	}
	if tableCount > 0 {
		attrs = append(attrs, attribute.Int("plan.table_count", tableCount))
	}
	return attrs
}

// PlanLogFields assembles the slog attributes shared by every plan log line,
// with the active trace ID appended when the context carries one.
func PlanLogFields(ctx context.Context, batchID, queryType, target string) []any {
	var fields []any
	add := func(key, value string) {
		if value != "" {
			fields = append(fields, slog.String(key, value))
		}
	}

	add("batch_id", batchID)
	add("query_type", queryType)
	add("target", target)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields, slog.String("trace_id", sc.TraceID().String()))
	}
	return fields
}
