package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// tlsProfileName is the key under which custom TLS settings are
// registered with the MySQL driver.
const tlsProfileName = "planql-custom"

// DSN returns the data source name to open. A configured connection
// string is used as-is apart from filling in the parameters the
// service depends on: parseTime for time.Time scanning, UTC as the
// session location, and the TLS parameter matching the TLS mode.
func (d *DatabaseConfig) DSN() string {
	dsn := d.baseDSN()
	if param := d.tlsParam(); param != "" && !strings.Contains(dsn, "tls=") {
		dsn += "&tls=" + param
	}
	return dsn
}

func (d *DatabaseConfig) baseDSN() string {
	if d.ConnectionString == "" {
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.Database,
		)
	}

	dsn := d.ConnectionString
	if !strings.Contains(dsn, "parseTime") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "parseTime=true"
	}
	if !strings.Contains(dsn, "loc=") {
		dsn += "&loc=UTC"
	}
	return dsn
}

// EffectiveDatabaseName returns the canonical database name used for
// query execution and health checks, along with which source won.
func (d *DatabaseConfig) EffectiveDatabaseName() (name string, source string, err error) {
	return effectiveDatabaseName(d.Database, d.ConnectionString, d.MyCnfFile)
}

// effectiveDatabaseName arbitrates between the three places a database
// name can come from. An explicit database.database wins but must
// agree with any name embedded in the DSN; source reports which
// setting supplied the winner.
func effectiveDatabaseName(databaseName string, connectionString string, myCnfFile string) (name string, source string, err error) {
	configured := strings.TrimSpace(databaseName)
	dsn := strings.TrimSpace(connectionString)
	fromMyCnf := strings.TrimSpace(myCnfFile) != ""

	fromDSN, err := dsnDatabaseName(dsn)
	if err != nil {
		return "", "", err
	}

	switch {
	case configured != "" && fromDSN != "" && configured != fromDSN:
		return "", "", fmt.Errorf("database mismatch: database.database=%q but database.dsn targets %q", configured, fromDSN)
	case configured != "":
		if fromMyCnf && dsn == "" {
			return configured, "mycnf", nil
		}
		return configured, "database.database", nil
	case fromDSN != "":
		return fromDSN, "dsn", nil
	case fromMyCnf:
		return "", "", fmt.Errorf("database.mycnf_file does not provide a database name and database.database is not set")
	default:
		return "", "", fmt.Errorf("no effective database name configured: set database.database or include /<database> in database.dsn/database.dsn_file or database.mycnf_file")
	}
}

// dsnDatabaseName extracts the database path component from a DSN, or
// "" when no DSN is configured.
func dsnDatabaseName(dsn string) (string, error) {
	if dsn == "" {
		return "", nil
	}
	conf, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("database.dsn is not a valid MySQL DSN: %w", err)
	}
	return strings.TrimSpace(conf.DBName), nil
}

// tlsParam maps the configured TLS mode onto the driver's tls DSN
// parameter. Empty means no parameter is appended; unknown modes pass
// through for the driver to reject.
func (d *DatabaseConfig) tlsParam() string {
	switch d.TLS.Mode {
	case "":
		return ""
	case "off":
		return "false"
	case "skip-verify":
		return "skip-verify"
	case "verify-ca", "verify-full":
		return tlsProfileName
	default:
		return d.TLS.Mode
	}
}

// RegisterTLS registers the custom TLS settings with the MySQL driver.
// verify-ca and verify-full need a registered config carrying the CA
// pool; the other modes are expressed directly in the DSN. Call before
// opening the connection.
func (d *DatabaseConfig) RegisterTLS() error {
	if d.TLS.Mode != "verify-ca" && d.TLS.Mode != "verify-full" {
		return nil
	}

	conf, err := d.clientTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build database TLS config: %w", err)
	}
	if err := mysql.RegisterTLSConfig(tlsProfileName, conf); err != nil {
		return fmt.Errorf("failed to register database TLS config: %w", err)
	}
	return nil
}

func (d *DatabaseConfig) clientTLSConfig() (*tls.Config, error) {
	conf := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile := d.TLS.resolveCAFile(); caFile != "" {
		pool, err := rootCAPool(caFile)
		if err != nil {
			return nil, err
		}
		conf.RootCAs = pool
	}

	certFile, keyFile := d.TLS.resolveCertFile(), d.TLS.resolveKeyFile()
	switch {
	case certFile != "" && keyFile != "":
		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		conf.Certificates = []tls.Certificate{pair}
	case certFile != "" || keyFile != "":
		return nil, fmt.Errorf("both cert_file and key_file must be specified for client certificate authentication")
	}

	// The driver performs the chain check itself; the only mode-specific
	// knob here is the hostname override for verify-full.
	if d.TLS.Mode == "verify-full" && d.TLS.ServerName != "" {
		conf.ServerName = d.TLS.ServerName
	}

	return conf, nil
}

func rootCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file %q: %w", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
	}
	return pool, nil
}

// pathFromEnv prefers the path stored in the named environment
// variable, falling back to the literal path. The indirection keeps
// Kubernetes manifests free of mount-point literals.
func pathFromEnv(envName, literal string) string {
	if envName != "" {
		if path := os.Getenv(envName); path != "" {
			return path
		}
	}
	return literal
}

func (t *DatabaseTLSConfig) resolveCAFile() string   { return pathFromEnv(t.CAFileEnv, t.CAFile) }
func (t *DatabaseTLSConfig) resolveCertFile() string { return pathFromEnv(t.CertFileEnv, t.CertFile) }
func (t *DatabaseTLSConfig) resolveKeyFile() string  { return pathFromEnv(t.KeyFileEnv, t.KeyFile) }
