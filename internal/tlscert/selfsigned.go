package tlscert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const (
	selfSignedCertName = "server.crt"
	selfSignedKeyName  = "server.key"
	selfSignedValidity = 365 * 24 * time.Hour
)

var defaultSelfSignedHosts = []string{"localhost", "127.0.0.1", "::1"}

// selfSignedManager keeps a generated certificate pair under the configured
// directory and regenerates it when it is missing, expired, unloadable, or
// no longer covers the configured hosts.
type selfSignedManager struct {
	hosts    []string
	logger   *slog.Logger
	certPath string
	keyPath  string
}

func newSelfSignedManager(cfg Config, logger *slog.Logger) (Manager, error) {
	if err := os.MkdirAll(cfg.SelfSignedCertDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	m := &selfSignedManager{
		hosts:    cfg.SelfSignedHosts,
		logger:   logger,
		certPath: filepath.Join(cfg.SelfSignedCertDir, selfSignedCertName),
		keyPath:  filepath.Join(cfg.SelfSignedCertDir, selfSignedKeyName),
	}
	if len(m.hosts) == 0 {
		m.hosts = defaultSelfSignedHosts
	}

	if m.usableOnDisk() {
		logger.Info("using existing self-signed certificate", slog.String("cert_path", m.certPath))
		return m, nil
	}

	logger.Info("generating self-signed certificate",
		slog.Any("hosts", m.hosts),
		slog.String("cert_path", m.certPath),
		slog.String("key_path", m.keyPath))
	if err := GenerateSelfSigned(m.certPath, m.keyPath, m.hosts); err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	logger.Warn("self-signed certificate generated - not suitable for production", slog.String("cert_path", m.certPath))
	return m, nil
}

func (m *selfSignedManager) GetTLSConfig() (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(m.certPath, m.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load self-signed certificate: %w", err)
	}
	return &tls.Config{MinVersion: MinTLSVersion, Certificates: []tls.Certificate{pair}}, nil
}

func (m *selfSignedManager) Description() string {
	return "self-signed (cert=" + m.certPath + ") - DEV ONLY"
}

func (m *selfSignedManager) Shutdown() error {
	return nil
}

// usableOnDisk reports whether the stored pair can keep serving: present,
// parseable, inside its validity window, covering exactly the configured
// hosts, and loadable as a pair.
func (m *selfSignedManager) usableOnDisk() bool {
	cert, err := parsePEMCertificate(m.certPath)
	if err != nil {
		return false
	}

	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return false
	}
	if !coversHosts(cert, m.hosts) {
		return false
	}

	_, err = tls.LoadX509KeyPair(m.certPath, m.keyPath)
	return err == nil
}

func parsePEMCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s is not a PEM certificate", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

// GenerateSelfSigned writes a fresh ECDSA certificate pair covering hosts,
// with the key held at 0600. The serverapp self-signed mode and the dev
// jwks-server both generate their serving certificates through it.
func GenerateSelfSigned(certPath, keyPath string, hosts []string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	template, err := selfSignedTemplate(hosts)
	if err != nil {
		return err
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

func selfSignedTemplate(hosts []string) (*x509.Certificate, error) {
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	dnsNames, ips := splitHosts(hosts)
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"planql (self-signed)"},
			CommonName:   "localhost",
		},
		// Backdated NotBefore tolerates clock skew between generation and
		// first handshake.
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}, nil
}

func splitHosts(hosts []string) (dnsNames []string, ips []net.IP) {
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, host)
		}
	}
	return dnsNames, ips
}

// coversHosts compares the configured host list with the names the
// certificate actually carries. IPs are compared in canonical form so "::1"
// and its long spelling match.
func coversHosts(cert *x509.Certificate, hosts []string) bool {
	wantDNS, wantIPs := splitHosts(hosts)
	return slices.Equal(sortedStrings(wantDNS), sortedStrings(cert.DNSNames)) &&
		slices.Equal(canonicalIPs(wantIPs), canonicalIPs(cert.IPAddresses))
}

func sortedStrings(values []string) []string {
	out := slices.Clone(values)
	slices.Sort(out)
	return out
}

func canonicalIPs(ips []net.IP) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	slices.Sort(out)
	return out
}
