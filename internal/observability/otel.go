// Package observability wires OpenTelemetry signals for the query service:
// metrics are exposed to Prometheus, traces and logs ship over OTLP using
// either gRPC or http/protobuf transports.
package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"
)

// Config identifies the service on every exported signal and carries the
// export tuning shared by the trace and log pipelines.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceSampleRatio is clamped to [0, 1]. Mid-range values apply
	// parent-based trace ID ratio sampling.
	TraceSampleRatio float64

	OTLPConfig OTLPExporterConfig
}

// OTLPExporterConfig carries the transport settings shared by the trace and
// log exporters.
type OTLPExporterConfig struct {
	Endpoint    string
	Protocol    string
	Compression string
	Timeout     time.Duration
	Headers     map[string]string

	Insecure          bool
	TLSCertFile       string
	TLSClientCertFile string
	TLSClientKeyFile  string

	RetryEnabled     bool
	RetryMaxAttempts int
}

const providerShutdownTimeout = 5 * time.Second

// Backoff schedule applied to OTLP exports when retries are enabled. Each
// signal package declares its own RetryConfig type, so the schedule is
// repeated per signal.
const (
	retryBaseInterval = time.Second
	retryMaxInterval  = 5 * time.Second
	retryMaxElapsed   = 30 * time.Second
)

// newResource describes the service identity attached to every signal. The
// identity carries an empty schema URL because resource.Default may use a
// different semconv version than this package and Merge refuses mismatched
// schemas.
func newResource(cfg Config) (*resource.Resource, error) {
	identity := resource.NewWithAttributes(
		"",
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	)
	res, err := resource.Merge(resource.Default(), identity)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

type otlpProtocol string

const (
	otlpProtocolGRPC otlpProtocol = "grpc"
	otlpProtocolHTTP otlpProtocol = "http/protobuf"
)

func parseOTLPProtocol(value string) (otlpProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "grpc":
		return otlpProtocolGRPC, nil
	case "http", "http/protobuf":
		return otlpProtocolHTTP, nil
	}
	return "", fmt.Errorf("unsupported OTLP protocol %q (use grpc or http/protobuf)", value)
}

func buildTLSConfig(cfg OTLPExporterConfig) (*tls.Config, error) {
	if (cfg.TLSClientCertFile == "") != (cfg.TLSClientKeyFile == "") {
		return nil, fmt.Errorf("OTLP TLS client cert and key must both be set")
	}

	out := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCertFile != "" {
		pem, err := os.ReadFile(cfg.TLSCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read OTLP TLS CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse OTLP TLS CA file")
		}
		out.RootCAs = pool
	}

	if cfg.TLSClientCertFile != "" {
		pair, err := tls.LoadX509KeyPair(cfg.TLSClientCertFile, cfg.TLSClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load OTLP TLS client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{pair}
	}

	return out, nil
}

// dialSettings is the per-exporter view of OTLPExporterConfig with the TLS
// material resolved once up front. A nil tlsConfig means the transport runs
// insecure.
type dialSettings struct {
	endpoint      string
	endpointIsURL bool
	headers       map[string]string
	timeout       time.Duration
	gzip          bool
	retry         bool
	tlsConfig     *tls.Config
}

func newDialSettings(cfg OTLPExporterConfig) (dialSettings, error) {
	ds := dialSettings{
		endpoint:      cfg.Endpoint,
		endpointIsURL: strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://"),
		headers:       cfg.Headers,
		timeout:       cfg.Timeout,
		gzip:          cfg.Compression == "gzip",
		retry:         cfg.RetryEnabled && cfg.RetryMaxAttempts > 0,
	}
	if cfg.Insecure {
		return ds, nil
	}
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return dialSettings{}, err
	}
	ds.tlsConfig = tlsConfig
	return ds, nil
}

// MeterProvider owns the metrics pipeline. Metrics stay pull-based through
// the Prometheus registry rather than pushing over OTLP.
type MeterProvider struct {
	provider *metric.MeterProvider
	exporter *prometheus.Exporter
}

// InitMeterProvider sets up the Prometheus-backed meter provider and installs
// it as the global provider.
func InitMeterProvider(cfg Config) (*MeterProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return &MeterProvider{provider: provider, exporter: exporter}, nil
}

// Shutdown flushes and stops the metrics pipeline.
func (mp *MeterProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownWithTimeout(ctx, logger, "meter provider", mp.provider.Shutdown)
}

// TracerProvider owns the trace pipeline.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// InitTracerProvider sets up OTLP trace export and installs the provider as
// the global tracer provider.
func InitTracerProvider(cfg Config) (*TracerProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := newTraceExporter(context.Background(), cfg.OTLPConfig)
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(traceSamplerForRatio(cfg.TraceSampleRatio)),
	)
	otel.SetTracerProvider(provider)
	return &TracerProvider{provider: provider}, nil
}

// Shutdown flushes buffered spans and stops the trace pipeline.
func (tp *TracerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownWithTimeout(ctx, logger, "tracer provider", tp.provider.Shutdown)
}

func newTraceExporter(ctx context.Context, cfg OTLPExporterConfig) (sdktrace.SpanExporter, error) {
	protocol, err := parseOTLPProtocol(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	ds, err := newDialSettings(cfg)
	if err != nil {
		return nil, err
	}

	var exporter sdktrace.SpanExporter
	if protocol == otlpProtocolGRPC {
		exporter, err = otlptracegrpc.New(ctx, grpcTraceOptions(ds)...)
	} else {
		exporter, err = otlptracehttp.New(ctx, httpTraceOptions(ds)...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	return exporter, nil
}

func grpcTraceOptions(ds dialSettings) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(ds.endpoint)}
	if ds.tlsConfig != nil {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(ds.tlsConfig)))
	} else {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(ds.headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(ds.headers))
	}
	if ds.timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(ds.timeout))
	}
	if ds.gzip {
		opts = append(opts, otlptracegrpc.WithCompressor("gzip"))
	}
	if ds.retry {
		opts = append(opts, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: retryBaseInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  retryMaxElapsed,
		}))
	}
	return opts
}

func httpTraceOptions(ds dialSettings) []otlptracehttp.Option {
	var opts []otlptracehttp.Option
	if ds.endpointIsURL {
		opts = append(opts, otlptracehttp.WithEndpointURL(ds.endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(ds.endpoint))
	}
	if ds.tlsConfig != nil {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(ds.tlsConfig))
	} else {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(ds.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(ds.headers))
	}
	if ds.timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(ds.timeout))
	}
	if ds.gzip {
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	}
	if ds.retry {
		opts = append(opts, otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
			Enabled:         true,
			InitialInterval: retryBaseInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  retryMaxElapsed,
		}))
	}
	return opts
}

// traceSamplerForRatio clamps the configured ratio to [0, 1]. Mid-range
// ratios stay parent-based so upstream sampling decisions propagate.
func traceSamplerForRatio(ratio float64) sdktrace.Sampler {
	if ratio <= 0 {
		return sdktrace.NeverSample()
	}
	if ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// LoggerProvider owns the log export pipeline. It is not installed globally;
// the logging package bridges slog records into it explicitly.
type LoggerProvider struct {
	provider *sdklog.LoggerProvider
}

// InitLoggerProvider sets up OTLP log export.
func InitLoggerProvider(cfg Config) (*LoggerProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := newLogExporter(context.Background(), cfg.OTLPConfig)
	if err != nil {
		return nil, err
	}
	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	return &LoggerProvider{provider: provider}, nil
}

// Shutdown flushes buffered records and stops the log pipeline.
func (lp *LoggerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownWithTimeout(ctx, logger, "logger provider", lp.provider.Shutdown)
}

// Provider exposes the underlying provider for the slog bridge.
func (lp *LoggerProvider) Provider() *sdklog.LoggerProvider {
	return lp.provider
}

func newLogExporter(ctx context.Context, cfg OTLPExporterConfig) (sdklog.Exporter, error) {
	protocol, err := parseOTLPProtocol(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	ds, err := newDialSettings(cfg)
	if err != nil {
		return nil, err
	}

	var exporter sdklog.Exporter
	if protocol == otlpProtocolGRPC {
		exporter, err = otlploggrpc.New(ctx, grpcLogOptions(ds)...)
	} else {
		exporter, err = otlploghttp.New(ctx, httpLogOptions(ds)...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}
	return exporter, nil
}

func grpcLogOptions(ds dialSettings) []otlploggrpc.Option {
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(ds.endpoint)}
	if ds.tlsConfig != nil {
		opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(ds.tlsConfig)))
	} else {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	if len(ds.headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(ds.headers))
	}
	if ds.timeout > 0 {
		opts = append(opts, otlploggrpc.WithTimeout(ds.timeout))
	}
	if ds.gzip {
		opts = append(opts, otlploggrpc.WithCompressor("gzip"))
	}
	if ds.retry {
		opts = append(opts, otlploggrpc.WithRetry(otlploggrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: retryBaseInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  retryMaxElapsed,
		}))
	}
	return opts
}

func httpLogOptions(ds dialSettings) []otlploghttp.Option {
	var opts []otlploghttp.Option
	if ds.endpointIsURL {
		opts = append(opts, otlploghttp.WithEndpointURL(ds.endpoint))
	} else {
		opts = append(opts, otlploghttp.WithEndpoint(ds.endpoint))
	}
	if ds.tlsConfig != nil {
		opts = append(opts, otlploghttp.WithTLSClientConfig(ds.tlsConfig))
	} else {
		opts = append(opts, otlploghttp.WithInsecure())
	}
	if len(ds.headers) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(ds.headers))
	}
	if ds.timeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(ds.timeout))
	}
	if ds.gzip {
		opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
	}
	if ds.retry {
		opts = append(opts, otlploghttp.WithRetry(otlploghttp.RetryConfig{
			Enabled:         true,
			InitialInterval: retryBaseInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  retryMaxElapsed,
		}))
	}
	return opts
}

// shutdownWithTimeout bounds a provider shutdown and reports the outcome on
// the given logger. The name must read naturally in both log messages.
func shutdownWithTimeout(ctx context.Context, logger *slog.Logger, name string, stop func(context.Context) error) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, providerShutdownTimeout)
	defer cancel()

	if err := stop(shutdownCtx); err != nil {
		logger.Error("failed to shutdown "+name, slog.String("error", err.Error()))
		return err
	}
	logger.Info(name + " shutdown successfully")
	return nil
}
