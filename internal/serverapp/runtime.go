package serverapp

import (
	"fmt"
	"log/slog"
	"os"
)

// Stop reasons reported by WaitForStop.
const (
	stopReasonSignal      = "signal"
	stopReasonServerError = "server_error"
)

// Start launches the HTTP listener goroutine. Init must have completed
// first. Calling Start again returns the channel from the first call.
func (a *App) Start() (<-chan error, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	switch {
	case !a.initialized:
		return nil, fmt.Errorf("app is not initialized")
	case a.started:
		return a.serverErrors, nil
	}

	a.serverErrors = serveHTTP(a.cfg, a.logger, a.srv, a.serverAddr)
	a.started = true
	return a.serverErrors, nil
}

func (a *App) currentServerErrors() chan error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.serverErrors
}

// WaitForStop blocks until an OS signal arrives or the listener goroutine
// reports an error, whichever happens first. A nil serverErrors falls back
// to the channel created by Start.
func (a *App) WaitForStop(stop <-chan os.Signal, serverErrors <-chan error) (string, error) {
	if serverErrors == nil {
		serverErrors = a.currentServerErrors()
	}
	if stop == nil && serverErrors == nil {
		return "", fmt.Errorf("nothing to wait on: no signal channel and no running server")
	}

	// Receiving from a nil channel blocks forever, so a single select
	// covers the cases where only one source is wired.
	select {
	case err := <-serverErrors:
		return a.serverStopped(err)
	case sig := <-stop:
		return a.signalled(sig)
	}
}

func (a *App) serverStopped(err error) (string, error) {
	if err == nil {
		return stopReasonServerError, fmt.Errorf("server stopped unexpectedly")
	}
	return stopReasonServerError, fmt.Errorf("server failed: %w", err)
}

func (a *App) signalled(sig os.Signal) (string, error) {
	if a.logger != nil {
		a.logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	}
	return stopReasonSignal, nil
}
