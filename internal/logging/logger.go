// Package logging provides the structured logger used across the server and
// the context plumbing that carries request-scoped loggers.
package logging

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/sdk/log"
)

// otelScopeName identifies this service's records in the OTLP log stream.
const otelScopeName = "planql"

type loggerContextKey struct{}

// Logger wraps slog.Logger with request-scoping helpers.
type Logger struct {
	*slog.Logger
}

// Config selects the log level and output format. When LoggerProvider is
// set, records are additionally exported over OTLP.
type Config struct {
	Level          string // debug, info, warn, error
	Format         string // json, text
	LoggerProvider *log.LoggerProvider
}

// NewLogger builds a logger writing to stdout, teeing records into the OTLP
// bridge when an exporter is configured.
func NewLogger(cfg Config) *Logger {
	level := parseLevel(cfg.Level)

	// Source locations are only worth the lookup cost when debugging.
	handler := stdoutHandler(cfg.Format, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	})
	if cfg.LoggerProvider != nil {
		bridge := otelslog.NewHandler(otelScopeName, otelslog.WithLoggerProvider(cfg.LoggerProvider))
		handler = teeHandler{handlers: []slog.Handler{handler, bridge}}
	}

	return &Logger{Logger: slog.New(handler)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func stdoutHandler(format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

// teeHandler fans each record out to every handler that wants it. A failing
// handler does not stop the others; failures are joined into one error.
type teeHandler struct {
	handlers []slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(t.handlers, func(h slog.Handler) bool {
		return h.Enabled(ctx, level)
	})
}

func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.remap(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return t.remap(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

// remap derives a new tee whose members are each transformed by wrap.
func (t teeHandler) remap(wrap func(slog.Handler) slog.Handler) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = wrap(h)
	}
	return teeHandler{handlers: next}
}

// WithRequestID returns a logger with the request's correlation ID attached.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{Logger: l.With(slog.String("request_id", requestID))}
}

// WithFields returns a logger with additional fields attached.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{Logger: l.With(fields...)}
}

// FromContext returns the request-scoped logger, or a logger over
// slog.Default when the context carries none.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return logger
	}
	return &Logger{Logger: slog.Default()}
}

// WithLogger stores a logger in the context for FromContext.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}
