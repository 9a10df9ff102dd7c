package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RequestMetrics instruments the query API endpoints: latency, volume,
// server-side failures, and in-flight load.
type RequestMetrics struct {
	requestDuration metric.Float64Histogram
	requestCounter  metric.Int64Counter
	errorCounter    metric.Int64Counter
	activeRequests  metric.Int64UpDownCounter
}

// InitRequestMetrics registers the API request instruments on the
// global meter provider.
func InitRequestMetrics() (*RequestMetrics, error) {
	var (
		meter = otel.Meter("planql")
		m     RequestMetrics
		err   error
	)

	if m.requestDuration, err = meter.Float64Histogram(
		"api.request.duration",
		metric.WithDescription("Duration of API requests in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("create api.request.duration: %w", err)
	}

	if m.requestCounter, err = meter.Int64Counter(
		"api.requests.total",
		metric.WithDescription("Total number of API requests"),
	); err != nil {
		return nil, fmt.Errorf("create api.requests.total: %w", err)
	}

	if m.errorCounter, err = meter.Int64Counter(
		"api.errors.total",
		metric.WithDescription("Total number of API requests that failed server-side"),
	); err != nil {
		return nil, fmt.Errorf("create api.errors.total: %w", err)
	}

	if m.activeRequests, err = meter.Int64UpDownCounter(
		"api.requests.active",
		metric.WithDescription("Number of in-flight API requests"),
	); err != nil {
		return nil, fmt.Errorf("create api.requests.active: %w", err)
	}

	return &m, nil
}

// RecordRequest records a completed API request with its duration and
// response status.
func (m *RequestMetrics) RecordRequest(ctx context.Context, endpoint string, status int, duration time.Duration) {
	opt := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Int("status", status),
	)
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), opt)
	m.requestCounter.Add(ctx, 1, opt)

	// Plan rejections are 4xx responses and are tracked separately by the
	// compilation metrics, so only server-side failures count as errors here.
	if status >= 500 {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
	}
}

// IncrementActiveRequests marks one more request in flight.
func (m *RequestMetrics) IncrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(ctx, 1)
}

// DecrementActiveRequests marks one request as finished.
func (m *RequestMetrics) DecrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(ctx, -1)
}

// InitMetrics initializes the request metrics and logs the outcome.
func InitMetrics(logger *slog.Logger) (*RequestMetrics, error) {
	metrics, err := InitRequestMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize request metrics: %w", err)
	}

	logger.Info("request metrics registered")
	return metrics, nil
}
