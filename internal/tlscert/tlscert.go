// Package tlscert provides the server certificate source for HTTPS: either
// operator-supplied PEM files or a generated self-signed pair for local use.
package tlscert

import (
	"crypto/tls"
	"fmt"
	"log/slog"
)

// MinTLSVersion applies to every listener regardless of certificate source.
const MinTLSVersion = tls.VersionTLS13

// CertMode selects the certificate source.
type CertMode string

const (
	CertModeFile       CertMode = "file"
	CertModeSelfSigned CertMode = "selfsigned"
)

// Config describes where certificates come from.
type Config struct {
	Mode CertMode

	// File mode
	CertFile string
	KeyFile  string

	// Self-signed mode
	SelfSignedCertDir string
	SelfSignedHosts   []string // "localhost", "127.0.0.1", etc.
}

// Manager hands the HTTP server its TLS configuration and a description of
// the certificate source for startup logs.
type Manager interface {
	GetTLSConfig() (*tls.Config, error)
	Description() string
	Shutdown() error
}

// NewManager builds the manager matching cfg.Mode.
func NewManager(cfg Config, logger *slog.Logger) (Manager, error) {
	switch cfg.Mode {
	case CertModeFile:
		return newFileManager(cfg, logger)
	case CertModeSelfSigned:
		return newSelfSignedManager(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported TLS certificate mode: %s (valid modes: file, selfsigned)", cfg.Mode)
	}
}
