package serverapp

import (
	"context"
	"fmt"
	"log/slog"
)

func (a *App) alreadyInitialized() bool {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.initialized
}

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	if a.alreadyInitialized() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Every acquired resource registers its teardown immediately, so a
	// failure partway through Init unwinds whatever came before it.
	cleanup := cleanupStack{}
	committed := false
	defer func() {
		if !committed {
			cleanup.run(context.Background(), a.logger)
		}
	}()

	// The telemetry providers all shut down with the same signature.
	pushProvider := func(name string, shutdown func(context.Context, *slog.Logger) error) {
		cleanup.push(name, func(stopCtx context.Context) error {
			return shutdown(stopCtx, a.logger.Logger)
		})
	}

	if a.loggerProvider != nil {
		pushProvider("logger provider", a.loggerProvider.Shutdown)
	}

	metrics, err := setupMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if metrics.provider != nil {
		pushProvider("meter provider", metrics.provider.Shutdown)
	}

	tracerProvider, err := setupTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if tracerProvider != nil {
		pushProvider("tracer provider", tracerProvider.Shutdown)
	}

	dbCfg := a.cfg.Database
	a.logger.Info("connecting to MySQL",
		slog.String("host", dbCfg.Host),
		slog.Int("port", dbCfg.Port),
		slog.String("database", a.databaseName),
		slog.String("database_source", a.databaseSource),
		slog.Bool("via_dsn", a.viaDSN),
	)

	db, statsReg, err := openDatabase(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	cleanup.push("database", func(context.Context) error {
		if statsReg == nil {
			return db.Close()
		}
		if err := statsReg.Unregister(); err != nil {
			a.logger.Warn("failed to unregister database pool metrics", slog.String("error", err.Error()))
		}
		return db.Close()
	})

	if err := prepareDatabase(ctx, a.cfg, a.logger, db, metrics.health, a.databaseName, a.databaseSource, a.viaDSN); err != nil {
		return fmt.Errorf("database readiness check failed: %w", err)
	}

	pipeline, err := buildPipeline(a.cfg, db, metrics.query)
	if err != nil {
		return err
	}

	apiHandler, err := buildAPIHandler(a.cfg, a.logger, apiHandlers{
		cfg:          a.cfg,
		logger:       a.logger,
		registry:     pipeline.registry,
		compiler:     pipeline.compiler,
		runner:       pipeline.runner,
		orchestrator: pipeline.orchestrator,
	}, metrics.request, metrics.security)
	if err != nil {
		return fmt.Errorf("failed to initialize API handler: %w", err)
	}

	mux := buildRouter(a.cfg, a.logger, db, apiHandler, metrics.provider, metrics.health)
	handler := wrapHTTPHandler(a.cfg, a.logger, mux)

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv, tlsManager, err := newHTTPServer(a.cfg, a.logger, handler, addr)
	if err != nil {
		return fmt.Errorf("failed to configure HTTP server: %w", err)
	}
	cleanup.push("HTTP server", srv.Shutdown)
	if tlsManager != nil {
		cleanup.push("TLS manager", func(context.Context) error { return tlsManager.Shutdown() })
	}

	a.stateMu.Lock()
	a.metrics = metrics
	a.tracerProvider = tracerProvider
	a.db = db
	a.dbStatsReg = statsReg
	a.pipeline = pipeline
	a.mux = mux
	a.handler = handler
	a.serverAddr = addr
	a.srv = srv
	a.tlsManager = tlsManager
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	committed = true
	return nil
}
