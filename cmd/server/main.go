package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"planql/internal/config"
	"planql/internal/logging"
	"planql/internal/serverapp"

	"github.com/spf13/pflag"
)

// Version and Commit are set at build time via
// -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = "none"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	pflag.Bool("version", false, "Print version and exit")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if showVersion, _ := pflag.CommandLine.GetBool("version"); showVersion {
		fmt.Printf("planql %s (%s)\n", Version, Commit)
		return nil
	}

	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}
	if err := reportValidation(cfg.Validate()); err != nil {
		return err
	}

	logger, loggerProvider, err := serverapp.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	app, err := serverapp.New(cfg, logger)
	if err != nil {
		if loggerProvider != nil {
			_ = loggerProvider.Shutdown(context.Background(), logger.Logger)
		}
		return err
	}
	app.AttachLoggerProvider(loggerProvider)

	return serve(app, cfg, logger)
}

// reportValidation logs every validation warning and error. Warnings alone
// do not stop startup; any error does.
func reportValidation(res *config.ValidationResult) error {
	for _, warn := range res.Warnings {
		slog.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
			slog.String("hint", warn.Hint),
		)
	}
	if !res.HasErrors() {
		return nil
	}
	for _, vErr := range res.Errors {
		slog.Error("configuration error",
			slog.String("field", vErr.Field),
			slog.String("message", vErr.Message),
			slog.String("hint", vErr.Hint),
		)
	}
	return fmt.Errorf("configuration validation failed")
}

// serve drives the app through init, start, and graceful shutdown. It
// returns once the server has stopped, for whatever reason.
func serve(app *serverapp.App, cfg *config.Config, logger *logging.Logger) error {
	if err := app.Init(context.Background()); err != nil {
		return err
	}

	serverErrors, err := app.Start()
	if err != nil {
		_ = shutdownWithTimeout(app, cfg.Server.ShutdownTimeout)
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	_, waitErr := app.WaitForStop(stop, serverErrors)

	logger.Info("shutting down server gracefully")
	shutdownErr := shutdownWithTimeout(app, cfg.Server.ShutdownTimeout)

	if waitErr != nil {
		return waitErr
	}
	if shutdownErr != nil {
		return shutdownErr
	}

	logger.Info("server stopped gracefully")
	return nil
}

func shutdownWithTimeout(app *serverapp.App, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return app.Shutdown(ctx)
}
