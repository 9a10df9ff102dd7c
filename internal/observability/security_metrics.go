package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SecurityMetrics counts authentication outcomes on protected endpoints.
type SecurityMetrics struct {
	authAttempts  metric.Int64Counter
	authFailures  metric.Int64Counter
	authSuccesses metric.Int64Counter
	// 401s and malformed bearer tokens are tracked apart from ordinary
	// failures so endpoint probing stands out in dashboards.
	unauthorizedAttempts  metric.Int64Counter
	tokenValidationErrors metric.Int64Counter
}

// InitSecurityMetrics registers the authentication counters on the global
// meter provider.
func InitSecurityMetrics() (*SecurityMetrics, error) {
	meter := otel.Meter("planql/security")

	var initErr error
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil && initErr == nil {
			initErr = fmt.Errorf("failed to create counter %s: %w", name, err)
		}
		return c
	}

	m := &SecurityMetrics{
		authAttempts:          counter("security.auth.attempts.total", "Total number of authentication attempts"),
		authFailures:          counter("security.auth.failures.total", "Total number of authentication failures"),
		authSuccesses:         counter("security.auth.successes.total", "Total number of successful authentications"),
		unauthorizedAttempts:  counter("security.unauthorized.attempts.total", "Total number of unauthorized access attempts"),
		tokenValidationErrors: counter("security.token.validation_errors.total", "Total number of token validation errors"),
	}
	if initErr != nil {
		return nil, initErr
	}
	return m, nil
}

// endpointAttrs builds the measurement option shared by the endpoint
// scoped counters.
func endpointAttrs(endpoint string, extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := append([]attribute.KeyValue{attribute.String("endpoint", endpoint)}, extra...)
	return metric.WithAttributes(attrs...)
}

// RecordAuthAttempt counts a request that presented itself for authentication.
func (m *SecurityMetrics) RecordAuthAttempt(ctx context.Context, endpoint string) {
	m.authAttempts.Add(ctx, 1, endpointAttrs(endpoint))
}

// RecordAuthFailure counts an authentication failure with its reason.
func (m *SecurityMetrics) RecordAuthFailure(ctx context.Context, endpoint, reason string) {
	m.authFailures.Add(ctx, 1, endpointAttrs(endpoint, attribute.String("reason", reason)))
}

// RecordAuthSuccess counts a successfully authenticated request.
func (m *SecurityMetrics) RecordAuthSuccess(ctx context.Context, endpoint, issuer string) {
	m.authSuccesses.Add(ctx, 1, endpointAttrs(endpoint, attribute.String("issuer", issuer)))
}

// RecordUnauthorizedAttempt counts a request rejected with 401.
func (m *SecurityMetrics) RecordUnauthorizedAttempt(ctx context.Context, endpoint, reason string) {
	m.unauthorizedAttempts.Add(ctx, 1, endpointAttrs(endpoint, attribute.String("reason", reason)))
}

// RecordTokenValidationError counts a bearer token that failed validation.
func (m *SecurityMetrics) RecordTokenValidationError(ctx context.Context, errorType string) {
	m.tokenValidationErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("error_type", errorType)))
}
