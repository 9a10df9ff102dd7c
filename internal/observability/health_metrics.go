package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DatabaseHealthMetrics tracks connectivity probes against the backing
// database.
type DatabaseHealthMetrics struct {
	checkCounter    metric.Int64Counter
	errorCounter    metric.Int64Counter
	durationHist    metric.Float64Histogram
	lastSuccessUnix atomic.Int64
}

// InitDatabaseHealthMetrics registers the health check instruments on
// the global meter provider.
func InitDatabaseHealthMetrics(logger *slog.Logger) (*DatabaseHealthMetrics, error) {
	var (
		meter = otel.Meter("planql")
		m     DatabaseHealthMetrics
		err   error
	)

	if m.checkCounter, err = meter.Int64Counter(
		"db.health.checks.total",
		metric.WithDescription("Total number of database health checks"),
	); err != nil {
		return nil, fmt.Errorf("create db.health.checks.total: %w", err)
	}

	if m.errorCounter, err = meter.Int64Counter(
		"db.health.errors.total",
		metric.WithDescription("Total number of failed database health checks"),
	); err != nil {
		return nil, fmt.Errorf("create db.health.errors.total: %w", err)
	}

	if m.durationHist, err = meter.Float64Histogram(
		"db.health.check.duration",
		metric.WithDescription("Duration of database health checks in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("create db.health.check.duration: %w", err)
	}

	lastSuccess, err := meter.Int64ObservableGauge(
		"db.health.last_success_unix",
		metric.WithDescription("Unix timestamp of the last successful database health check"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create db.health.last_success_unix: %w", err)
	}

	// The gauge reads the atomic on every scrape; zero means no check
	// has succeeded yet, so nothing is observed.
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if v := m.lastSuccessUnix.Load(); v > 0 {
			o.ObserveInt64(lastSuccess, v)
		}
		return nil
	}, lastSuccess)
	if err != nil {
		return nil, fmt.Errorf("register db.health.last_success_unix callback: %w", err)
	}

	logger.Info("database health metrics registered")
	return &m, nil
}

// RecordCheck records a database health check attempt. Source identifies who
// ran the check, for example "startup" or "health_endpoint".
func (m *DatabaseHealthMetrics) RecordCheck(ctx context.Context, duration time.Duration, success bool, source string) {
	opt := metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("success", success),
	)
	m.checkCounter.Add(ctx, 1, opt)
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), opt)

	if !success {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
		return
	}
	m.lastSuccessUnix.Store(time.Now().Unix())
}
