package serverapp

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"planql/internal/config"
	"planql/internal/logging"
	"planql/internal/observability"
	"planql/internal/tlscert"
)

// App owns runtime resources for the planql server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	// Resolved once in New so every later log line and health probe
	// agrees on which database this process targets.
	databaseName   string
	databaseSource string
	viaDSN         bool

	metrics        *metricsBundle
	tracerProvider *observability.TracerProvider

	db         *sql.DB
	dbStatsReg dbStatsRegistration

	pipeline queryPipeline

	mux     *http.ServeMux
	handler http.Handler

	serverAddr string
	srv        *http.Server
	tlsManager tlscert.Manager

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
}

// New wraps cfg and logger into an App ready for Init.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("config is required")
	case logger == nil:
		return nil, fmt.Errorf("logger is required")
	}

	name, source, err := cfg.Database.EffectiveDatabaseName()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database name: %w", err)
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		databaseName:   name,
		databaseSource: source,
		viaDSN:         strings.TrimSpace(cfg.Database.ConnectionString) != "",
	}, nil
}

// AttachLoggerProvider hands the app a log exporter to close during
// shutdown, after the last records have been emitted.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}
