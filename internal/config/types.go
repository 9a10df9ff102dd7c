package config

import (
	"maps"
	"time"
)

// Config is the root of the service configuration tree. Values are
// resolved from defaults, an optional YAML file, environment variables
// with the PLANQL_ prefix, and command-line flags, in that order.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
	Query         QueryConfig         `mapstructure:"query"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// QueryConfig holds plan compilation and execution parameters.
// The row cap and join cap are deliberately not configurable; they are
// compiled-in limits of the query builder.
type QueryConfig struct {
	// LookbackDays is the time window applied when a plan names a
	// time-aware table but no explicit window. Valid range is 1-365.
	LookbackDays int `mapstructure:"lookback_days"`
	// MaxContextualPlans caps the number of contextual plans accepted
	// per batch request.
	MaxContextualPlans int `mapstructure:"max_contextual_plans"`
	// Timeout is the per-request deadline applied to batch execution.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxExecutionTime is the server-side statement time limit applied
	// to each query via the session guard. Zero disables the guard.
	MaxExecutionTime time.Duration `mapstructure:"max_execution_time"`
	// ReadOnlySession forces SET SESSION TRANSACTION READ ONLY on the
	// connection before running compiled queries.
	ReadOnlySession bool `mapstructure:"read_only_session"`
}

// ServerConfig holds the HTTP listener settings: port, timeouts, TLS,
// and the request-level policies (auth, rate limiting, CORS).
type ServerConfig struct {
	Port                 int           `mapstructure:"port"`
	Auth                 AuthConfig    `mapstructure:"auth"`
	RateLimitEnabled     bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRPS         float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst       int           `mapstructure:"rate_limit_burst"`
	CORSEnabled          bool          `mapstructure:"cors_enabled"`
	CORSAllowedOrigins   []string      `mapstructure:"cors_allowed_origins"`
	CORSAllowedMethods   []string      `mapstructure:"cors_allowed_methods"`
	CORSAllowedHeaders   []string      `mapstructure:"cors_allowed_headers"`
	CORSExposeHeaders    []string      `mapstructure:"cors_expose_headers"`
	CORSAllowCredentials bool          `mapstructure:"cors_allow_credentials"`
	CORSMaxAge           int           `mapstructure:"cors_max_age"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout   time.Duration `mapstructure:"health_check_timeout"`

	// TLSMode selects how the listener terminates TLS: "off" serves
	// plaintext, "auto" generates a self-signed pair under
	// TLSAutoCertDir, and "file" loads TLSCertFile/TLSKeyFile.
	TLSMode        string `mapstructure:"tls_mode"`
	TLSCertFile    string `mapstructure:"tls_cert_file"`
	TLSKeyFile     string `mapstructure:"tls_key_file"`
	TLSAutoCertDir string `mapstructure:"tls_auto_cert_dir"`
}

// AuthConfig holds authentication and authorization parameters.
type AuthConfig struct {
	OIDCEnabled   bool          `mapstructure:"oidc_enabled"`
	OIDCIssuerURL string        `mapstructure:"oidc_issuer_url"`
	OIDCAudience  string        `mapstructure:"oidc_audience"`
	OIDCClockSkew time.Duration `mapstructure:"oidc_clock_skew"`
	// OIDCCAFile is an optional CA bundle used to verify the OIDC
	// provider during discovery and JWKS fetches.
	OIDCCAFile string `mapstructure:"oidc_ca_file"`
	// TenantClaim names the JWT claim carrying the caller's project ID.
	// When OIDC is enabled every query is scoped to this claim's value
	// and tenant IDs in request bodies are ignored.
	TenantClaim string `mapstructure:"tenant_claim"`
}

// DatabaseConfig describes how to reach the backing TiDB/MySQL server.
// Credentials can arrive three ways, checked in this order: a complete
// DSN (inline or from a file), a MySQL defaults file, or the discrete
// host/port/user fields.
type DatabaseConfig struct {
	// ConnectionString is a full go-sql-driver/mysql DSN of the form
	// user:password@tcp(host:port)/database?params. When non-empty it
	// wins over the discrete fields below. Set via "dsn" in YAML or
	// the PLANQL_DATABASE_DSN environment variable.
	ConnectionString string `mapstructure:"dsn"`
	// ConnectionStringFile names a file whose contents are the DSN,
	// for secret managers that mount credentials as files. The value
	// "@-" reads the DSN from stdin instead.
	ConnectionStringFile string `mapstructure:"dsn_file"`
	// MyCnfFile points to a MySQL defaults file (.my.cnf style).
	// Connection keys are read from the [client] section, with the
	// database name also honored under [mysql].
	MyCnfFile string `mapstructure:"mycnf_file"`

	// Discrete connection fields, used when no DSN is configured.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// PasswordFile and PasswordPrompt are alternatives to a literal
	// password: read it from a mounted secret, or ask on the terminal.
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`
	// Database names the schema to query. See EffectiveDatabaseName for
	// how it interacts with a database embedded in the DSN.
	Database string `mapstructure:"database"`

	TLS  DatabaseTLSConfig `mapstructure:"tls"`
	Pool PoolConfig        `mapstructure:"pool"`

	// ConnectionTimeout bounds the startup wait for a reachable
	// database.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// ConnectionRetryInterval is the initial backoff step between
	// attempts within that window.
	ConnectionRetryInterval time.Duration `mapstructure:"connection_retry_interval"`
}

// DatabaseTLSConfig controls transport security for the database
// connection, covering both server verification and client
// certificates for mTLS.
//
// Mode takes one of: "off" (plaintext), "skip-verify" (encrypt without
// checking the server certificate), "verify-ca" (check the chain but
// not the hostname), or "verify-full" (chain and hostname).
type DatabaseTLSConfig struct {
	Mode string `mapstructure:"mode"`

	// CAFile is the CA bundle used for server verification; required
	// by the verify-ca and verify-full modes. The *Env variants name
	// an environment variable holding the path instead, which keeps
	// Kubernetes manifests free of mount-point literals.
	CAFile    string `mapstructure:"ca_file"`
	CAFileEnv string `mapstructure:"ca_file_env"`

	// CertFile and KeyFile are the client certificate pair for mTLS.
	CertFile    string `mapstructure:"cert_file"`
	CertFileEnv string `mapstructure:"cert_file_env"`
	KeyFile     string `mapstructure:"key_file"`
	KeyFileEnv  string `mapstructure:"key_file_env"`

	// ServerName overrides the hostname checked during verification.
	// Empty means the database host is used.
	ServerName string `mapstructure:"server_name"`
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// defaultsFileSettings carries the connection values parsed out of a
// MySQL defaults file.
type defaultsFileSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLSMode  string
	// HasPort and HasDBName distinguish "key absent" from "key present
	// with a zero value".
	HasPort   bool
	HasDBName bool
}

// ObservabilityConfig holds the telemetry settings: the service
// identity stamped on every signal, per-signal toggles, and exporter
// endpoints.
type ObservabilityConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`

	MetricsEnabled      bool    `mapstructure:"metrics_enabled"`
	TracingEnabled      bool    `mapstructure:"tracing_enabled"`
	TraceSampleRatio    float64 `mapstructure:"trace_sample_ratio"`
	SQLCommenterEnabled bool    `mapstructure:"sqlcommenter_enabled"`

	Logging LoggingConfig `mapstructure:"logging"`

	// OTLP carries the exporter defaults shared by all signals; the
	// pointers below override it per signal when present.
	OTLP OTLPConfig `mapstructure:"otlp"`

	Traces  *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs    *OTLPConfig `mapstructure:"logs,omitempty"`
	Metrics *OTLPConfig `mapstructure:"metrics,omitempty"`
}

// LoggingConfig holds logging parameters. Level is one of debug, info,
// warn, or error; Format is json or text.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`
	Format         string `mapstructure:"format"`
	ExportsEnabled bool   `mapstructure:"exports_enabled"`
}

// OTLPConfig holds OTLP exporter settings for one signal. Protocol is
// "grpc" or "http/protobuf"; Compression is "none" or "gzip".
type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Protocol string `mapstructure:"protocol"`

	// Transport security toward the collector. Insecure disables TLS
	// entirely; the client cert pair enables mTLS.
	Insecure          bool   `mapstructure:"insecure"`
	TLSCertFile       string `mapstructure:"tls_cert_file"`
	TLSClientCertFile string `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string `mapstructure:"tls_client_key_file"`

	Headers map[string]string `mapstructure:"headers"`

	Timeout          time.Duration `mapstructure:"timeout"`
	Compression      string        `mapstructure:"compression"`
	RetryEnabled     bool          `mapstructure:"retry_enabled"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
}

// GetTracesConfig returns the effective OTLP config for traces.
func (c *ObservabilityConfig) GetTracesConfig() OTLPConfig { return c.signalConfig(c.Traces) }

// GetLogsConfig returns the effective OTLP config for logs.
func (c *ObservabilityConfig) GetLogsConfig() OTLPConfig { return c.signalConfig(c.Logs) }

// GetMetricsConfig returns the effective OTLP config for metrics.
func (c *ObservabilityConfig) GetMetricsConfig() OTLPConfig { return c.signalConfig(c.Metrics) }

func (c *ObservabilityConfig) signalConfig(override *OTLPConfig) OTLPConfig {
	if override == nil {
		return c.OTLP
	}
	return overlayOTLP(c.OTLP, *override)
}

// overlayOTLP applies the non-zero fields of a signal-specific override
// on top of the shared defaults. Insecure is always taken from the
// override: a bool cannot distinguish "unset" from "false", so the
// presence of the override block decides.
func overlayOTLP(base, override OTLPConfig) OTLPConfig {
	out := base

	stringOverrides := []struct {
		dst *string
		val string
	}{
		{&out.Endpoint, override.Endpoint},
		{&out.Protocol, override.Protocol},
		{&out.TLSCertFile, override.TLSCertFile},
		{&out.TLSClientCertFile, override.TLSClientCertFile},
		{&out.TLSClientKeyFile, override.TLSClientKeyFile},
		{&out.Compression, override.Compression},
	}
	for _, o := range stringOverrides {
		if o.val != "" {
			*o.dst = o.val
		}
	}

	out.Insecure = override.Insecure

	if override.Headers != nil {
		out.Headers = make(map[string]string, len(base.Headers)+len(override.Headers))
		maps.Copy(out.Headers, base.Headers)
		maps.Copy(out.Headers, override.Headers)
	}

	if override.Timeout != 0 {
		out.Timeout = override.Timeout
	}
	if override.RetryMaxAttempts != 0 {
		out.RetryEnabled = override.RetryEnabled
		out.RetryMaxAttempts = override.RetryMaxAttempts
	}

	return out
}
