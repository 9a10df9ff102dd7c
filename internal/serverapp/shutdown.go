package serverapp

import (
	"context"
	"log/slog"
	"time"

	"planql/internal/logging"
)

// cleanupStack releases acquired resources in LIFO order, mirroring the
// order components were wired during Init.
type cleanupStack []cleanupStep

type cleanupStep struct {
	name string
	stop func(context.Context) error
}

func (s *cleanupStack) push(name string, stop func(context.Context) error) {
	*s = append(*s, cleanupStep{name: name, stop: stop})
}

func (s cleanupStack) run(ctx context.Context, logger *logging.Logger) {
	for i := len(s) - 1; i >= 0; i-- {
		s[i].release(ctx, logger)
	}
}

func (step cleanupStep) release(ctx context.Context, logger *logging.Logger) {
	if logger != nil {
		logger.Info("shutting down " + step.name)
	}
	start := time.Now()
	if err := step.stop(ctx); err != nil {
		if logger != nil {
			logger.Warn("cleanup error",
				slog.String("component", step.name),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if logger != nil {
		logger.Debug("component stopped",
			slog.String("component", step.name),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

// Shutdown releases every acquired resource. Repeat calls are no-ops, so it
// can be deferred and also invoked explicitly on the shutdown path.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		pending := a.cleanup
		a.started = false
		a.stateMu.Unlock()

		pending.run(ctx, a.logger)
	})

	return nil
}
