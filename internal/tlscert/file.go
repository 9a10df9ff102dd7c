package tlscert

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// fileManager serves an operator-supplied certificate pair. The pair is
// parsed once and reloaded when the certificate file's mtime changes, so
// rotated certificates are picked up without a restart. Rotate the cert and
// key files together; the reload check watches only the cert file.
type fileManager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	cert     *tls.Certificate
	certSeen time.Time
}

func newFileManager(cfg Config, logger *slog.Logger) (Manager, error) {
	switch {
	case cfg.CertFile == "":
		return nil, fmt.Errorf("tls_cert_file is required when tls_cert_mode=file")
	case cfg.KeyFile == "":
		return nil, fmt.Errorf("tls_key_file is required when tls_cert_mode=file")
	}
	if err := checkServingPair(cfg.CertFile, cfg.KeyFile); err != nil {
		return nil, err
	}

	m := &fileManager{cfg: cfg, logger: logger}
	if _, err := m.certificate(); err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	return m, nil
}

// checkServingPair rejects obviously unusable pairs up front so the server
// fails at startup instead of at the first handshake.
func checkServingPair(certFile, keyFile string) error {
	if err := validateFile(certFile); err != nil {
		return fmt.Errorf("invalid certificate file: %w", err)
	}
	if err := validateFile(keyFile); err != nil {
		return fmt.Errorf("invalid key file: %w", err)
	}
	if err := checkKeyFilePermissions(keyFile); err != nil {
		return fmt.Errorf("insecure key file permissions: %w", err)
	}
	return nil
}

func (m *fileManager) GetTLSConfig() (*tls.Config, error) {
	return &tls.Config{
		MinVersion: MinTLSVersion,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return m.certificate()
		},
	}, nil
}

// certificate returns the cached pair, reloading it first when the cert file
// has changed on disk. A failed reload keeps serving the cached pair rather
// than breaking live handshakes.
func (m *fileManager) certificate() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := os.Stat(m.cfg.CertFile)
	if err != nil {
		if m.cert != nil {
			m.logger.Error("certificate file unreadable, serving cached certificate",
				slog.String("cert_file", m.cfg.CertFile),
				slog.String("error", err.Error()))
			return m.cert, nil
		}
		return nil, err
	}

	if m.cert != nil && info.ModTime().Equal(m.certSeen) {
		return m.cert, nil
	}

	pair, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
	if err != nil {
		if m.cert != nil {
			m.logger.Error("certificate reload failed, serving cached certificate",
				slog.String("cert_file", m.cfg.CertFile),
				slog.String("error", err.Error()))
			return m.cert, nil
		}
		return nil, err
	}

	if m.cert != nil {
		m.logger.Info("reloaded rotated certificate",
			slog.String("cert_file", m.cfg.CertFile))
	}
	m.cert = &pair
	m.certSeen = info.ModTime()
	return m.cert, nil
}

func (m *fileManager) Description() string {
	return "file-based (cert=" + m.cfg.CertFile + ", key=" + m.cfg.KeyFile + ")"
}

func (m *fileManager) Shutdown() error {
	return nil
}

func validateFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file not accessible: %w", err)
	}
	switch {
	case info.IsDir():
		return fmt.Errorf("path is a directory, not a file")
	case info.Size() == 0:
		return fmt.Errorf("file is empty")
	}
	return nil
}

// checkKeyFilePermissions rejects group- or world-accessible private keys.
func checkKeyFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode&0077 == 0 {
		return nil
	}
	return fmt.Errorf("key file has insecure permissions %o (should be 0600 or 0400)", mode)
}
