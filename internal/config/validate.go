package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// ValidationError is a fatal configuration problem tied to one field.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	msg := e.Field + ": " + e.Message
	if e.Hint == "" {
		return msg
	}
	return msg + " (hint: " + e.Hint + ")"
}

// ValidationWarning flags a suspicious but workable setting.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult accumulates everything Validate finds, so operators
// see all problems in one run instead of fixing them one restart at a
// time.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors reports whether any fatal problem was found.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error joins all errors into a single message, or "" when clean.
func (r *ValidationResult) Error() string {
	if len(r.Errors) == 0 {
		return ""
	}
	parts := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

func (r *ValidationResult) addError(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) addWarning(field, message, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// Validate checks every section of the configuration and collects the
// findings. Errors are fatal; warnings are advisory.
func (c *Config) Validate() *ValidationResult {
	var result ValidationResult
	c.Database.validate(&result)
	c.Server.validate(&result)
	c.Query.validate(&result)
	c.Observability.validate(&result)
	return &result
}

// portOutOfRange reports whether port falls outside the usable TCP
// range. Zero is rejected too, the sections that allow "unset" ports
// guard for that themselves.
func portOutOfRange(port int) bool {
	return port < 1 || port > 65535
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	viaDSN := strings.TrimSpace(d.ConnectionString) != "" || strings.TrimSpace(d.ConnectionStringFile) != ""
	if strings.TrimSpace(d.MyCnfFile) != "" && viaDSN {
		result.addError("database.mycnf_file",
			"mycnf_file is mutually exclusive with dsn/dsn_file",
			"set either mycnf_file or dsn/dsn_file, not both")
	}

	d.mergeDefaultsFile(result)

	// The port check is skipped in DSN mode; the DSN carries its own.
	if d.ConnectionString == "" && portOutOfRange(d.Port) {
		result.addError("database.port",
			fmt.Sprintf("port %d is outside the valid range 1-65535", d.Port), "")
	}

	d.TLS.validate(result)

	pool := d.Pool
	if pool.MaxOpen < 0 {
		result.addError("database.pool.max_open", "max_open cannot be negative", "")
	}
	if pool.MaxIdle < 0 {
		result.addError("database.pool.max_idle", "max_idle cannot be negative", "")
	}
	if pool.MaxIdle > pool.MaxOpen && pool.MaxOpen > 0 {
		result.addWarning("database.pool.max_idle",
			"max_idle is greater than max_open",
			"idle connections will be limited to max_open")
	}

	d.validateRetryTiming(result)

	name, _, err := effectiveDatabaseName(d.Database, d.ConnectionString, d.MyCnfFile)
	if err != nil {
		result.Errors = append(result.Errors, databaseNameError(err))
		return
	}

	// Keep runtime behavior deterministic for callers that consume
	// Database.Database after validation.
	d.Database = name
}

func (d *DatabaseConfig) validateRetryTiming(result *ValidationResult) {
	timeout, interval := d.ConnectionTimeout, d.ConnectionRetryInterval
	if timeout < 0 {
		result.addError("database.connection_timeout", "connection_timeout cannot be negative", "")
	}
	if interval < 0 {
		result.addError("database.connection_retry_interval",
			"connection_retry_interval cannot be negative", "")
	}
	if timeout <= 0 {
		return
	}
	if interval == 0 {
		result.addError("database.connection_retry_interval",
			"connection_retry_interval must be greater than 0 when connection_timeout is set",
			"set a retry interval such as 2s, or set connection_timeout to 0 to disable retries")
	}
	if interval > timeout {
		result.addWarning("database.connection_retry_interval",
			"connection_retry_interval is greater than connection_timeout",
			"only one connection attempt will be made")
	}
}

// mergeDefaultsFile folds my.cnf values into unset discrete fields, so
// the later checks see the effective connection settings. A database
// name that contradicts the defaults file is an error rather than a
// silent override.
func (d *DatabaseConfig) mergeDefaultsFile(result *ValidationResult) {
	if strings.TrimSpace(d.MyCnfFile) == "" {
		return
	}

	settings, err := loadDefaultsFile(d.MyCnfFile)
	if err != nil {
		result.addError("database.mycnf_file",
			fmt.Sprintf("failed to parse my.cnf file: %v", err),
			"provide a valid MySQL defaults file with [client] settings")
		return
	}

	if d.Host == "" && settings.Host != "" {
		d.Host = settings.Host
	}
	if d.Port == 0 && settings.HasPort {
		d.Port = settings.Port
	}
	if d.User == "" && settings.User != "" {
		d.User = settings.User
	}
	if d.Password == "" && settings.Password != "" {
		d.Password = settings.Password
	}
	if d.TLS.Mode == "" && settings.TLSMode != "" {
		d.TLS.Mode = settings.TLSMode
	}

	if settings.HasDBName {
		if strings.TrimSpace(d.Database) == "" {
			d.Database = settings.Database
		} else if d.Database != settings.Database {
			result.addError("database.database",
				fmt.Sprintf("database mismatch: database.database=%q but database.mycnf_file targets %q", d.Database, settings.Database),
				"either remove database.database or set it to match my.cnf database")
		}
	}
}

// databaseNameError maps an effectiveDatabaseName failure onto the
// config field that caused it.
func databaseNameError(err error) ValidationError {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "database.dsn"):
		return ValidationError{
			Field:   "database.dsn",
			Message: msg,
			Hint:    "set a valid MySQL DSN in database.dsn/database.dsn_file",
		}
	case strings.HasPrefix(msg, "database.mycnf_file"):
		return ValidationError{
			Field:   "database.mycnf_file",
			Message: msg,
			Hint:    "set a valid my.cnf file and include [client] database or database.database",
		}
	case strings.Contains(msg, "mismatch"):
		return ValidationError{
			Field:   "database.database",
			Message: msg,
			Hint:    "either remove database.database or set it to match the DSN/my.cnf database",
		}
	default:
		return ValidationError{
			Field:   "database.database",
			Message: msg,
			Hint:    "set database.database or include a /database in database.dsn/database.dsn_file or database.mycnf_file",
		}
	}
}

func (t *DatabaseTLSConfig) validate(result *ValidationResult) {
	if !slices.Contains([]string{"", "off", "skip-verify", "verify-ca", "verify-full"}, t.Mode) {
		result.addError("database.tls.mode",
			fmt.Sprintf("invalid TLS mode %q", t.Mode),
			"valid values are: off, skip-verify, verify-ca, verify-full")
	}

	if (t.Mode == "verify-ca" || t.Mode == "verify-full") && t.resolveCAFile() == "" {
		result.addError("database.tls.ca_file",
			"CA file is required for verify-ca and verify-full modes",
			"set ca_file or ca_file_env to specify the CA certificate")
	}

	// A client certificate without its key (or vice versa) cannot work.
	certFile, keyFile := t.resolveCertFile(), t.resolveKeyFile()
	if (certFile == "") != (keyFile == "") {
		result.addError("database.tls.cert_file",
			"both cert_file and key_file must be specified for client certificate authentication",
			"provide both cert_file and key_file, or neither")
	}

	if t.Mode == "skip-verify" {
		result.addWarning("database.tls.mode",
			"skip-verify mode does not verify server certificates",
			"use verify-ca or verify-full in production")
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if portOutOfRange(s.Port) {
		result.addError("server.port",
			fmt.Sprintf("port %d is outside the valid range 1-65535", s.Port), "")
	}

	switch {
	case s.RateLimitEnabled:
		if s.RateLimitRPS <= 0 {
			result.addError("server.rate_limit_rps",
				"rate_limit_rps must be greater than 0 when rate limiting is enabled", "")
		}
		if s.RateLimitBurst <= 0 {
			result.addError("server.rate_limit_burst",
				"rate_limit_burst must be greater than 0 when rate limiting is enabled", "")
		}
	case s.RateLimitRPS > 0 || s.RateLimitBurst > 0:
		result.addWarning("server.rate_limit_enabled",
			"rate limit values are set but rate limiting is disabled",
			"enable server.rate_limit_enabled to apply rate limits")
	}

	s.validateCORS(result)

	if s.Auth.OIDCEnabled {
		if s.Auth.OIDCIssuerURL == "" {
			result.addError("server.auth.oidc_issuer_url",
				"issuer URL is required when OIDC is enabled", "")
		}
		if s.Auth.OIDCAudience == "" {
			result.addError("server.auth.oidc_audience",
				"audience is required when OIDC is enabled", "")
		}
		if strings.TrimSpace(s.Auth.TenantClaim) == "" {
			result.addError("server.auth.tenant_claim",
				"tenant_claim is required when OIDC is enabled",
				"name the JWT claim carrying the caller's project ID, e.g. project_id")
		}
	}

	if !slices.Contains([]string{"", "off", "auto", "file"}, s.TLSMode) {
		result.addError("server.tls_mode",
			fmt.Sprintf("invalid TLS mode %q", s.TLSMode),
			"valid values are: off, auto, file")
	}
	if s.TLSMode == "file" {
		if s.TLSCertFile == "" {
			result.addError("server.tls_cert_file",
				"TLS cert file required when tls_mode is 'file'", "")
		}
		if s.TLSKeyFile == "" {
			result.addError("server.tls_key_file",
				"TLS key file required when tls_mode is 'file'", "")
		}
	}
}

func (s *ServerConfig) validateCORS(result *ValidationResult) {
	if !s.CORSEnabled {
		return
	}

	if len(s.CORSAllowedOrigins) == 0 {
		result.addError("server.cors_allowed_origins",
			"CORS enabled but no allowed origins configured",
			"set cors_allowed_origins or disable CORS")
	}

	wildcard := slices.ContainsFunc(s.CORSAllowedOrigins, func(origin string) bool {
		return strings.TrimSpace(origin) == "*"
	})
	if wildcard && s.CORSAllowCredentials {
		result.addError("server.cors_allowed_origins",
			"wildcard origin (*) cannot be used with credentials",
			"use specific origins with credentials, or wildcard without credentials")
	}
	if wildcard {
		result.addWarning("server.cors_allowed_origins",
			"CORS wildcard origin enabled",
			"use specific origins in production for better security")
	}

	tlsOn := s.TLSMode != "" && s.TLSMode != "off"
	if tlsOn && originsAllPlainHTTP(s.CORSAllowedOrigins) {
		result.addWarning("server.cors_allowed_origins",
			"CORS allowed origins are http:// only while TLS is enabled",
			"use https:// origins when serving over TLS")
	}
}

// originsAllPlainHTTP reports whether every origin is an explicit
// http:// URL. Wildcards and https entries disqualify the list.
func originsAllPlainHTTP(origins []string) bool {
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if !strings.HasPrefix(origin, "http://") {
			return false
		}
	}
	return len(origins) > 0
}

func (q *QueryConfig) validate(result *ValidationResult) {
	if q.LookbackDays < 1 || q.LookbackDays > 365 {
		result.addError("query.lookback_days",
			fmt.Sprintf("lookback_days %d is outside the valid range 1-365", q.LookbackDays),
			"this window applies to plans that omit an explicit time window")
	}
	if q.MaxContextualPlans < 0 {
		result.addError("query.max_contextual_plans", "max_contextual_plans cannot be negative", "")
	}
	if q.Timeout < 0 {
		result.addError("query.timeout", "timeout cannot be negative", "")
	}
	if q.MaxExecutionTime < 0 {
		result.addError("query.max_execution_time", "max_execution_time cannot be negative", "")
	}
	if q.Timeout > 0 && q.MaxExecutionTime > q.Timeout {
		result.addWarning("query.max_execution_time",
			"max_execution_time is greater than timeout",
			"the request deadline will fire before the database guard")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, o.Logging.Level) {
		result.addError("observability.logging.level",
			fmt.Sprintf("invalid log level %q", o.Logging.Level),
			"valid values are: debug, info, warn, error")
	}
	if !slices.Contains([]string{"json", "text"}, o.Logging.Format) {
		result.addError("observability.logging.format",
			fmt.Sprintf("invalid log format %q", o.Logging.Format),
			"valid values are: json, text")
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.addError("observability.trace_sample_ratio",
			fmt.Sprintf("trace_sample_ratio %v is outside the valid range 0.0-1.0", o.TraceSampleRatio), "")
	}

	// Per-signal sections are optional overlays on the shared OTLP block.
	sections := []struct {
		prefix string
		cfg    *OTLPConfig
	}{
		{"observability.otlp", &o.OTLP},
		{"observability.traces", o.Traces},
		{"observability.logs", o.Logs},
		{"observability.metrics", o.Metrics},
	}
	for _, section := range sections {
		if section.cfg != nil {
			section.cfg.validate(section.prefix, result)
		}
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	if !slices.Contains([]string{"", "grpc", "http/protobuf"}, o.Protocol) {
		result.addError(prefix+".protocol",
			fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			"valid values are: grpc, http/protobuf")
	}

	// The gRPC exporter tolerates bare hostnames, the HTTP one does not.
	if o.Protocol == "http/protobuf" && !validEndpoint(o.Endpoint) {
		result.addError(prefix+".endpoint",
			fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
			"use host:port or a full URL")
	}

	if !slices.Contains([]string{"", "none", "gzip"}, o.Compression) {
		result.addError(prefix+".compression",
			fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			"valid values are: none, gzip")
	}

	if o.RetryMaxAttempts < 0 {
		result.addError(prefix+".retry_max_attempts", "retry_max_attempts cannot be negative", "")
	}
}

// validEndpoint accepts either a bare host:port pair or a URL with a
// host component.
func validEndpoint(endpoint string) bool {
	switch {
	case endpoint == "":
		return false
	case strings.Contains(endpoint, "://"):
		parsed, err := url.Parse(endpoint)
		return err == nil && parsed.Host != ""
	default:
		_, _, err := net.SplitHostPort(endpoint)
		return err == nil
	}
}
