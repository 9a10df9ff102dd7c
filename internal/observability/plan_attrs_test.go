package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestPlanSpanAttributes(t *testing.T) {
	attrs := PlanSpanAttributes("primary", "code_activity", "commits", []string{"commits", "projects"}, 2)
	if len(attrs) != 5 {
		t.Fatalf("expected 5 span attributes, got %d", len(attrs))
	}

	empty := PlanSpanAttributes("", "", "", nil, 0)
	if len(empty) != 0 {
		t.Fatalf("expected no attributes for empty input, got %d", len(empty))
	}
}

func TestPlanLogFieldsIncludesTraceID(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0xde, 0xad, 0xbe, 0xef},
		SpanID:  trace.SpanID{0x42},
		Remote:  true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	fields := PlanLogFields(ctx, "batch-1", "contextual", "pull_requests")
	if len(fields) != 4 {
		t.Fatalf("expected 4 log fields including trace_id, got %d", len(fields))
	}
}

func TestPlanLogFieldsWithoutSpan(t *testing.T) {
	fields := PlanLogFields(context.Background(), "batch-1", "primary", "issues")
	if len(fields) != 3 {
		t.Fatalf("expected 3 log fields without an active span, got %d", len(fields))
	}
}
