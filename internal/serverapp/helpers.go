package serverapp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"planql/internal/batch"
	"planql/internal/compiler"
	"planql/internal/config"
	"planql/internal/dbexec"
	"planql/internal/logging"
	"planql/internal/middleware"
	"planql/internal/observability"
	"planql/internal/ontology"
	"planql/internal/tlscert"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// serviceAttrs is the logging prefix shared by all telemetry setup
// messages.
func serviceAttrs(cfg *config.Config) []any {
	return []any{
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
	}
}

// exporterConfig maps a per-signal OTLP section onto the exporter
// settings the observability package consumes.
func exporterConfig(sc config.OTLPConfig) observability.OTLPExporterConfig {
	return observability.OTLPExporterConfig{
		Endpoint:          sc.Endpoint,
		Protocol:          sc.Protocol,
		Insecure:          sc.Insecure,
		TLSCertFile:       sc.TLSCertFile,
		TLSClientCertFile: sc.TLSClientCertFile,
		TLSClientKeyFile:  sc.TLSClientKeyFile,
		Headers:           sc.Headers,
		Timeout:           sc.Timeout,
		Compression:       sc.Compression,
		RetryEnabled:      sc.RetryEnabled,
		RetryMaxAttempts:  sc.RetryMaxAttempts,
	}
}

func observabilityBase(cfg *config.Config, sc config.OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
		OTLPConfig:     exporterConfig(sc),
	}
}

// InitLogger builds the slog logger and, when log export is turned on,
// an OTLP logger provider feeding it. It is called before the App
// exists so startup failures are already structured.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	logger := installLogger(cfg, nil)
	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsCfg := cfg.Observability.GetLogsConfig()
	attrs := append(serviceAttrs(cfg),
		slog.String("otlp_endpoint", logsCfg.Endpoint),
		slog.String("otlp_protocol", logsCfg.Protocol),
		slog.Bool("insecure", logsCfg.Insecure),
	)
	logger.Info("initializing OpenTelemetry logging", attrs...)

	loggerProvider, err := observability.InitLoggerProvider(observabilityBase(cfg, logsCfg))
	if err != nil {
		return nil, nil, err
	}
	logger.Info("OpenTelemetry log export ready")

	// Rebuild so records tee into the provider from here on.
	return installLogger(cfg, loggerProvider.Provider()), loggerProvider, nil
}

// installLogger builds a logger from the logging section, optionally
// teeing into an OTLP provider, and makes it the process default.
func installLogger(cfg *config.Config, lp *sdklog.LoggerProvider) *logging.Logger {
	logger := logging.NewLogger(logging.Config{
		Level:          cfg.Observability.Logging.Level,
		Format:         cfg.Observability.Logging.Format,
		LoggerProvider: lp,
	})
	slog.SetDefault(logger.Logger)
	return logger
}

// metricsBundle carries every metrics handle Initialize threads through
// the rest of the wiring. Disabled metrics leave all fields nil.
type metricsBundle struct {
	provider *observability.MeterProvider
	request  *observability.RequestMetrics
	query    *observability.QueryMetrics
	health   *observability.DatabaseHealthMetrics
	security *observability.SecurityMetrics
}

func setupMetrics(cfg *config.Config, logger *logging.Logger) (*metricsBundle, error) {
	if !cfg.Observability.MetricsEnabled {
		return &metricsBundle{}, nil
	}

	logger.Info("initializing OpenTelemetry metrics", serviceAttrs(cfg)...)

	provider, err := observability.InitMeterProvider(observabilityBase(cfg, config.OTLPConfig{}))
	if err != nil {
		return nil, err
	}
	logger.Info("OpenTelemetry metrics exporter ready")

	request, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		return nil, err
	}

	query, err := observability.InitQueryMetrics()
	if err != nil {
		return nil, err
	}
	logger.Info("query pipeline metrics registered")

	health, err := observability.InitDatabaseHealthMetrics(logger.Logger)
	if err != nil {
		return nil, err
	}

	security, err := observability.InitSecurityMetrics()
	if err != nil {
		return nil, err
	}
	logger.Info("security metrics registered")

	return &metricsBundle{
		provider: provider,
		request:  request,
		query:    query,
		health:   health,
		security: security,
	}, nil
}

func setupTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesCfg := cfg.Observability.GetTracesConfig()
	attrs := append(serviceAttrs(cfg),
		slog.String("otlp_endpoint", tracesCfg.Endpoint),
		slog.String("otlp_protocol", tracesCfg.Protocol),
		slog.Bool("insecure", tracesCfg.Insecure),
	)
	logger.Info("initializing OpenTelemetry tracing", attrs...)

	base := observabilityBase(cfg, tracesCfg)
	base.TraceSampleRatio = cfg.Observability.TraceSampleRatio
	tracerProvider, err := observability.InitTracerProvider(base)
	if err != nil {
		return nil, err
	}
	logger.Info("OpenTelemetry trace export ready")

	return tracerProvider, nil
}

// dbStatsRegistration releases the otelsql connection pool stats
// callback when the app shuts down.
type dbStatsRegistration interface{ Unregister() error }

func instrumentationOptions(cfg *config.Config, logger *logging.Logger) []otelsql.Option {
	opts := []otelsql.Option{
		otelsql.WithAttributes(semconv.DBSystemMySQL),
	}

	if cfg.Observability.TracingEnabled {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{
			DisableErrSkip: true,
		}))
	}

	// SQLCommenter only makes sense with a trace context to inject.
	switch {
	case cfg.Observability.SQLCommenterEnabled && cfg.Observability.TracingEnabled:
		opts = append(opts, otelsql.WithSQLCommenter(true))
		logger.Info("SQLCommenter enabled - trace context will be injected into SQL queries")
	case cfg.Observability.SQLCommenterEnabled:
		logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
	}

	return opts
}

// openDatabase opens the pool, instrumented through otelsql whenever
// metrics or tracing are on.
func openDatabase(cfg *config.Config, logger *logging.Logger) (*sql.DB, dbStatsRegistration, error) {
	if err := cfg.Database.RegisterTLS(); err != nil {
		return nil, nil, fmt.Errorf("failed to register database TLS config: %w", err)
	}

	dsn := cfg.Database.DSN()
	if !cfg.Observability.MetricsEnabled && !cfg.Observability.TracingEnabled {
		db, err := sql.Open("mysql", dsn)
		return db, nil, err
	}

	db, err := otelsql.Open("mysql", dsn, instrumentationOptions(cfg, logger)...)
	if err != nil {
		return nil, nil, err
	}

	var statsReg dbStatsRegistration
	if cfg.Observability.MetricsEnabled {
		if err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemMySQL)); err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}

	logger.Info("database instrumentation enabled",
		slog.Bool("metrics", cfg.Observability.MetricsEnabled),
		slog.Bool("tracing", cfg.Observability.TracingEnabled),
		slog.Bool("sqlcommenter", cfg.Observability.SQLCommenterEnabled && cfg.Observability.TracingEnabled),
	)
	return db, statsReg, nil
}

// prepareDatabase applies the pool limits, waits for the database to
// answer, and logs the effective connection settings.
func prepareDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, health *observability.DatabaseHealthMetrics, databaseName, databaseSource string, viaDSN bool) error {
	pool := cfg.Database.Pool
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)

	if err := pingUntilReady(ctx, cfg, logger, db, health); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("database", databaseName),
		slog.String("database_source", databaseSource),
		slog.Bool("via_dsn", viaDSN),
		slog.Int("pool_max_open", pool.MaxOpen),
		slog.Int("pool_max_idle", pool.MaxIdle),
		slog.Duration("pool_max_lifetime", pool.MaxLifetime),
	)
	return nil
}

// pingUntilReady retries the startup ping with doubling intervals until
// the connection timeout elapses. A zero timeout means a single
// attempt.
func pingUntilReady(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, health *observability.DatabaseHealthMetrics) error {
	ping := func() error {
		start := time.Now()
		err := db.PingContext(ctx)
		if health != nil {
			health.RecordCheck(ctx, time.Since(start), err == nil, "startup")
		}
		return err
	}

	timeout := cfg.Database.ConnectionTimeout
	if timeout == 0 {
		return ping()
	}

	interval := cfg.Database.ConnectionRetryInterval
	deadline := time.Now().Add(timeout)
	for attempt := 1; ctx.Err() == nil; attempt++ {
		err := ping()
		switch {
		case err == nil && attempt > 1:
			logger.Info("database connection established", slog.Int("attempts", attempt))
			return nil
		case err == nil:
			return nil
		case time.Now().After(deadline):
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}

		logger.Warn("database not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
			slog.Duration("retry_in", interval),
		)
		time.Sleep(interval)
		interval = min(interval*2, 30*time.Second)
	}
	return ctx.Err()
}

// queryPipeline bundles the compile and execute stages wired at
// startup: the static schema registry, the plan compiler, and the
// execution path down to the batch orchestrator.
type queryPipeline struct {
	registry     *ontology.Registry
	compiler     *compiler.Compiler
	executor     dbexec.QueryExecutor
	runner       *dbexec.Runner
	orchestrator *batch.Orchestrator
}

func buildPipeline(cfg *config.Config, db *sql.DB, queryMetrics *observability.QueryMetrics) (queryPipeline, error) {
	registry, err := ontology.Default()
	if err != nil {
		return queryPipeline{}, fmt.Errorf("failed to build schema registry: %w", err)
	}

	comp := buildCompiler(cfg, registry)
	executor := buildQueryExecutor(cfg, db)
	runner := dbexec.NewRunner(executor)

	return queryPipeline{
		registry:     registry,
		compiler:     comp,
		executor:     executor,
		runner:       runner,
		orchestrator: buildOrchestrator(comp, runner, queryMetrics),
	}, nil
}

func buildCompiler(cfg *config.Config, registry *ontology.Registry) *compiler.Compiler {
	opts := []compiler.Option{}
	if cfg.Query.LookbackDays > 0 {
		opts = append(opts, compiler.WithLookbackDays(cfg.Query.LookbackDays))
	}
	return compiler.New(registry, opts...)
}

func buildQueryExecutor(cfg *config.Config, db *sql.DB) dbexec.QueryExecutor {
	if cfg.Query.ReadOnlySession || cfg.Query.MaxExecutionTime > 0 {
		return dbexec.NewSessionExecutor(dbexec.SessionExecutorConfig{
			DB:               db,
			MaxExecutionTime: cfg.Query.MaxExecutionTime,
			ReadOnly:         cfg.Query.ReadOnlySession,
		})
	}
	return dbexec.NewStandardExecutor(db)
}

func buildOrchestrator(comp *compiler.Compiler, runner *dbexec.Runner, queryMetrics *observability.QueryMetrics) *batch.Orchestrator {
	opts := []batch.Option{}
	if queryMetrics != nil {
		opts = append(opts, batch.WithMetrics(queryMetrics))
	}
	return batch.New(comp, runner, opts...)
}

// The middleware config builders below translate the flat server config
// section into each middleware's own options type.

func oidcConfig(cfg *config.Config) middleware.OIDCAuthConfig {
	auth := cfg.Server.Auth
	return middleware.OIDCAuthConfig{
		Enabled:     auth.OIDCEnabled,
		IssuerURL:   auth.OIDCIssuerURL,
		Audience:    auth.OIDCAudience,
		ClockSkew:   auth.OIDCClockSkew,
		CAFile:      auth.OIDCCAFile,
		TenantClaim: auth.TenantClaim,
	}
}

func corsConfig(cfg *config.Config) middleware.CORSConfig {
	return middleware.CORSConfig{
		Enabled:          cfg.Server.CORSEnabled,
		AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
		AllowedMethods:   cfg.Server.CORSAllowedMethods,
		AllowedHeaders:   cfg.Server.CORSAllowedHeaders,
		ExposeHeaders:    cfg.Server.CORSExposeHeaders,
		AllowCredentials: cfg.Server.CORSAllowCredentials,
		MaxAge:           cfg.Server.CORSMaxAge,
	}
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		Enabled: cfg.Server.RateLimitEnabled,
		RPS:     cfg.Server.RateLimitRPS,
		Burst:   cfg.Server.RateLimitBurst,
	}
}

func buildAPIHandler(cfg *config.Config, logger *logging.Logger, handlers apiHandlers, requestMetrics *observability.RequestMetrics, securityMetrics *observability.SecurityMetrics) (http.Handler, error) {
	api := http.NewServeMux()
	api.HandleFunc("/v1/batch", handlers.handleBatch)
	api.HandleFunc("/v1/query", handlers.handleQuery)
	api.HandleFunc("/v1/schema", handlers.handleSchema)

	// Middleware order: logging runs outermost so auth failures carry request
	// IDs, then OIDC auth, then per-request metrics. The chain is:
	//   request -> logging -> OIDC auth -> metrics -> api mux
	handler := http.Handler(api)
	if cfg.Observability.MetricsEnabled && requestMetrics != nil {
		handler = middleware.RequestMetricsMiddleware(requestMetrics)(handler)
		logger.Info("request metrics middleware enabled")
	}

	if cfg.Server.Auth.OIDCEnabled {
		withAuth, err := middleware.OIDCAuthMiddleware(oidcConfig(cfg), logger, securityMetrics)
		if err != nil {
			return nil, err
		}
		handler = withAuth(handler)
		logger.Info("OIDC authentication enabled")
	}

	return middleware.LoggingMiddleware(logger)(handler), nil
}

func buildRouter(cfg *config.Config, logger *logging.Logger, db *sql.DB, apiHandler http.Handler, meterProvider *observability.MeterProvider, healthMetrics *observability.DatabaseHealthMetrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/v1/", apiHandler)
	mux.HandleFunc("/health", healthHandler(db, cfg.Server.HealthCheckTimeout, healthMetrics))

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("Prometheus scrape endpoint mounted", slog.String("path", "/metrics"))
	}

	return mux
}

func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return serverSpanName(r) }),
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	if cfg.Server.CORSEnabled {
		handler = middleware.CORSMiddleware(corsConfig(cfg))(handler)
	}
	if cfg.Server.RateLimitEnabled {
		handler = middleware.RateLimitMiddleware(rateLimitConfig(cfg))(handler)
	}

	return handler
}

func serverSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}
	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}
	return method + " " + boundedSpanRoute(r.URL.Path)
}

// spanRoutes caps span-name cardinality: only mounted paths keep their
// own name, everything else collapses to "/*".
var spanRoutes = map[string]bool{
	"/":          true,
	"/v1/batch":  true,
	"/v1/query":  true,
	"/v1/schema": true,
	"/health":    true,
	"/metrics":   true,
}

func boundedSpanRoute(rawPath string) string {
	if spanRoutes[rawPath] {
		return rawPath
	}
	return "/*"
}

func certModeFor(tlsMode string) tlscert.CertMode {
	switch tlsMode {
	case "auto":
		return tlscert.CertModeSelfSigned
	case "file":
		return tlscert.CertModeFile
	default:
		return tlscert.CertMode(tlsMode)
	}
}

func serverTLSEnabled(cfg *config.Config) bool {
	return cfg.Server.TLSMode != "" && cfg.Server.TLSMode != "off"
}

func newHTTPServer(cfg *config.Config, logger *logging.Logger, handler http.Handler, serverAddr string) (*http.Server, tlscert.Manager, error) {
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if !serverTLSEnabled(cfg) {
		return srv, nil, nil
	}

	tlsManager, err := tlscert.NewManager(tlscert.Config{
		Mode:              certModeFor(cfg.Server.TLSMode),
		CertFile:          cfg.Server.TLSCertFile,
		KeyFile:           cfg.Server.TLSKeyFile,
		SelfSignedCertDir: cfg.Server.TLSAutoCertDir,
		SelfSignedHosts:   []string{"localhost", "127.0.0.1", "::1"},
	}, logger.Logger)
	if err != nil {
		return nil, nil, err
	}

	srv.TLSConfig, err = tlsManager.GetTLSConfig()
	if err != nil {
		return nil, nil, err
	}

	logger.Info("TLS enabled",
		slog.String("mode", cfg.Server.TLSMode),
		slog.String("cert_source", tlsManager.Description()))

	return srv, tlsManager, nil
}

// listenAttrs assembles the startup log line advertising the bound
// endpoints and the active guardrails.
func listenAttrs(cfg *config.Config, protocol, serverAddr string) []any {
	attrs := []any{
		slog.String("protocol", protocol),
		slog.String("address", serverAddr),
		slog.String("batch_endpoint", "/v1/batch"),
		slog.String("query_endpoint", "/v1/query"),
		slog.String("schema_endpoint", "/v1/schema"),
		slog.String("health_endpoint", "/health"),
		slog.Int("lookback_days", cfg.Query.LookbackDays),
		slog.String("log_level", cfg.Observability.Logging.Level),
		slog.String("log_format", cfg.Observability.Logging.Format),
	}

	if cfg.Observability.MetricsEnabled {
		attrs = append(attrs, slog.String("metrics_endpoint", "/metrics"))
	}
	if cfg.Server.RateLimitEnabled {
		attrs = append(attrs,
			slog.Float64("rate_limit_rps", cfg.Server.RateLimitRPS),
			slog.Int("rate_limit_burst", cfg.Server.RateLimitBurst),
		)
	}

	attrs = append(attrs, slog.Bool("tls_enabled", serverTLSEnabled(cfg)))
	if serverTLSEnabled(cfg) {
		attrs = append(attrs, slog.String("tls_mode", cfg.Server.TLSMode))
	}

	return attrs
}

// serveHTTP starts the listener in a goroutine and surfaces its
// terminal error, if any, on the returned channel.
func serveHTTP(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serve, protocol := srv.ListenAndServe, "http"
	if serverTLSEnabled(cfg) {
		serve = func() error { return srv.ListenAndServeTLS("", "") }
		protocol = "https"
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting", listenAttrs(cfg, protocol, serverAddr)...)
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}

type healthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func healthHandler(db *sql.DB, timeout time.Duration, healthMetrics *observability.DatabaseHealthMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		start := time.Now()
		err := db.PingContext(ctx)
		if healthMetrics != nil {
			healthMetrics.RecordCheck(r.Context(), time.Since(start), err == nil, "health_endpoint")
		}
		writeHealth(w, r, err)
	}
}

// writeHealth renders the probe result. The body stays generic so
// connection details never leak.
func writeHealth(w http.ResponseWriter, r *http.Request, pingErr error) {
	w.Header().Set("Content-Type", "application/json")
	if pingErr != nil {
		logging.FromContext(r.Context()).Error("health check failed",
			slog.String("check", "database"),
			slog.String("error", pingErr.Error()),
		)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(healthStatus{Status: "unhealthy", Database: "failed"})
		return
	}

	logging.FromContext(r.Context()).Debug("health check passed")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthStatus{Status: "healthy", Database: "ok"})
}
