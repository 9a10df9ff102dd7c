// Package config resolves the service configuration from defaults, an
// optional YAML file, environment variables, and command-line flags,
// and validates the result.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

const defaultDatabaseName = "devmetrics"

var registerFlagsOnce sync.Once

// Load resolves the configuration. Precedence, highest first:
// explicit overrides (file-backed secrets, password prompt), flags,
// environment variables, the config file, and compiled-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	registerDefaults(v)

	registerFlags()
	if !pflag.Parsed() {
		pflag.Parse()
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	// PLANQL_DATABASE_POOL_MAX_OPEN <-> database.pool.max_open
	v.SetEnvPrefix("PLANQL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	applyChangedFlags(v)

	if err := ensureSingleStdinSource(v); err != nil {
		return nil, err
	}
	if err := resolveDatabaseSources(v); err != nil {
		return nil, err
	}

	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		csvToStringSliceHookFunc(","),
	))

	var cfg Config
	if err := v.UnmarshalExact(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// readConfigFile loads an explicit --config path, or searches the
// standard locations for a planql.yaml. A missing file is only an
// error when the operator asked for a specific one.
func readConfigFile(v *viper.Viper) error {
	path, _ := pflag.CommandLine.GetString("config")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("planql")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/planql/")
		v.AddConfigPath("$HOME/.planql")
		v.AddConfigPath(".")
	}

	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	if path != "" {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return fmt.Errorf("failed to read config file: %w", err)
}

// resolveDatabaseSources folds the file-backed database settings into
// the viper state: a DSN file, a MySQL defaults file, and a password
// file or interactive prompt. It then settles which database name is
// authoritative between the configured value, the DSN, and the
// defaults file.
func resolveDatabaseSources(v *viper.Viper) error {
	nameWasSet := databaseNameWasSet(v)

	if v.GetString("database.dsn") == "" && v.GetString("database.dsn_file") != "" {
		dsn, err := readSecretFile(v.GetString("database.dsn_file"))
		if err != nil {
			return fmt.Errorf("failed to read database DSN file: %w", err)
		}
		v.Set("database.dsn", dsn)
	}

	mycnfHasDatabase, err := applyDefaultsFile(v, nameWasSet)
	if err != nil {
		return err
	}

	if err := resolvePassword(v); err != nil {
		return err
	}

	return settleDatabaseName(v, nameWasSet, mycnfHasDatabase)
}

// applyDefaultsFile overlays connection values from a MySQL defaults
// file. The database name is only taken when the operator has not set
// one through env, flag, or config file.
func applyDefaultsFile(v *viper.Viper, nameWasSet bool) (hasDatabase bool, err error) {
	path := strings.TrimSpace(v.GetString("database.mycnf_file"))
	if path == "" {
		return false, nil
	}

	cnf, err := loadDefaultsFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to load database my.cnf file: %w", err)
	}

	if cnf.Host != "" {
		v.Set("database.host", cnf.Host)
	}
	if cnf.HasPort {
		v.Set("database.port", cnf.Port)
	}
	if cnf.User != "" {
		v.Set("database.user", cnf.User)
	}
	if cnf.Password != "" {
		v.Set("database.password", cnf.Password)
	}
	if cnf.TLSMode != "" {
		v.Set("database.tls.mode", cnf.TLSMode)
	}
	if cnf.HasDBName && !nameWasSet {
		v.Set("database.database", cnf.Database)
	}

	return cnf.HasDBName, nil
}

// resolvePassword fills database.password from the password file, then
// from an interactive prompt, stopping as soon as a value is present.
func resolvePassword(v *viper.Viper) error {
	if v.GetString("database.password") == "" {
		if file := v.GetString("database.password_file"); file != "" {
			secret, err := readSecretFile(file)
			if err != nil {
				return fmt.Errorf("failed to read database password file: %w", err)
			}
			v.Set("database.password", secret)
		}
	}

	if v.GetString("database.password") != "" || !v.GetBool("database.password_prompt") {
		return nil
	}
	secret, err := passwordFromTerminal()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	v.Set("database.password", secret)
	return nil
}

// settleDatabaseName clears the packaged default when a DSN or a
// defaults file is expected to supply the database, then resolves the
// canonical name across all three sources.
func settleDatabaseName(v *viper.Viper, nameWasSet, mycnfHasDatabase bool) error {
	onDefault := strings.TrimSpace(v.GetString("database.database")) == defaultDatabaseName
	if !nameWasSet && onDefault {
		if strings.TrimSpace(v.GetString("database.dsn")) != "" {
			v.Set("database.database", "")
		} else if strings.TrimSpace(v.GetString("database.mycnf_file")) != "" && !mycnfHasDatabase {
			v.Set("database.database", "")
		}
	}

	dsn, mycnf := v.GetString("database.dsn"), v.GetString("database.mycnf_file")
	name, _, err := effectiveDatabaseName(v.GetString("database.database"), dsn, mycnf)
	if err != nil {
		return fmt.Errorf("failed to resolve effective database name: %w", err)
	}
	v.Set("database.database", name)
	return nil
}

// applyChangedFlags copies flags the user actually set into viper,
// which keeps the precedence order: flags beat env, env beats file.
func applyChangedFlags(v *viper.Viper) {
	pflag.CommandLine.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "config", "version":
			return
		}
		v.Set(f.Name, changedFlagValue(f))
	})
}

// changedFlagValue pulls the typed value back out of pflag so viper
// stores real ints and durations instead of their string forms.
func changedFlagValue(f *pflag.Flag) any {
	flags := pflag.CommandLine
	switch f.Value.Type() {
	case "string":
		val, _ := flags.GetString(f.Name)
		return val
	case "int":
		val, _ := flags.GetInt(f.Name)
		return val
	case "bool":
		val, _ := flags.GetBool(f.Name)
		return val
	case "float64":
		val, _ := flags.GetFloat64(f.Name)
		return val
	case "duration":
		val, _ := flags.GetDuration(f.Name)
		return val
	case "stringSlice":
		val, _ := flags.GetStringSlice(f.Name)
		return val
	default:
		return f.Value.String()
	}
}

// registerFlags registers every command-line flag under its canonical
// dotted key. pflag panics on duplicate registration, so tests that
// call Load repeatedly go through the Once.
func registerFlags() {
	registerFlagsOnce.Do(func() {
		registerDatabaseFlags()
		registerServerFlags()
		registerQueryFlags()
		registerObservabilityFlags()

		pflag.StringP("config", "c", "", "Path to a YAML config file")
	})
}

func registerDatabaseFlags() {
	pflag.String("database.dsn", "", "Complete MySQL DSN (user:pass@tcp(host:port)/db)")
	pflag.String("database.dsn_file", "", "File containing the database DSN (@- reads stdin)")
	pflag.String("database.mycnf_file", "", "MySQL defaults file (.my.cnf format)")

	pflag.String("database.host", "", "Database host")
	pflag.Int("database.port", 0, "Database port")
	pflag.String("database.user", "", "Database user")
	pflag.String("database.password", "", "Database password")
	pflag.String("database.password_file", "", "File containing the database password (@- reads stdin)")
	pflag.Bool("database.password_prompt", false, "Prompt for the database password without echo")
	pflag.String("database.database", "", "Database name")

	pflag.String("database.tls.mode", "", "TLS mode (off, skip-verify, verify-ca, verify-full)")
	pflag.String("database.tls.ca_file", "", "CA certificate for server verification")
	pflag.String("database.tls.ca_file_env", "", "Env var holding the CA certificate path")
	pflag.String("database.tls.cert_file", "", "Client certificate for mTLS")
	pflag.String("database.tls.cert_file_env", "", "Env var holding the client certificate path")
	pflag.String("database.tls.key_file", "", "Client private key for mTLS")
	pflag.String("database.tls.key_file_env", "", "Env var holding the client key path")
	pflag.String("database.tls.server_name", "", "Override the TLS server name checked during verification")

	pflag.Int("database.pool.max_open", 0, "Maximum open database connections")
	pflag.Int("database.pool.max_idle", 0, "Maximum idle connections in the pool")
	pflag.Duration("database.pool.max_lifetime", 0, "Connection max lifetime (e.g. 5m, 30s)")
	pflag.Duration("database.connection_timeout", 0, "Startup wait for a reachable database (0 fails immediately)")
	pflag.Duration("database.connection_retry_interval", 0, "Initial backoff between connection attempts")
}

func registerServerFlags() {
	pflag.Int("server.port", 0, "HTTP server port")

	pflag.Bool("server.auth.oidc_enabled", false, "Enable OIDC/JWKS authentication middleware")
	pflag.String("server.auth.oidc_issuer_url", "", "OIDC issuer URL (for discovery and JWKS)")
	pflag.String("server.auth.oidc_audience", "", "Expected JWT audience (client ID)")
	pflag.Duration("server.auth.oidc_clock_skew", 0, "Allowed JWT clock skew (e.g. 2m)")
	pflag.String("server.auth.oidc_ca_file", "", "CA bundle used to verify the OIDC provider")
	pflag.String("server.auth.tenant_claim", "", "JWT claim carrying the caller's project ID (default: project_id)")

	pflag.Bool("server.rate_limit_enabled", false, "Apply a global rate limit to all HTTP endpoints")
	pflag.Float64("server.rate_limit_rps", 0, "Rate limit in requests per second")
	pflag.Int("server.rate_limit_burst", 0, "Rate limit burst size")

	pflag.Bool("server.cors_enabled", false, "Enable cross-origin resource sharing")
	pflag.StringSlice("server.cors_allowed_origins", nil, "Allowed CORS origins (comma-separated or repeated)")
	pflag.StringSlice("server.cors_allowed_methods", nil, "Allowed CORS methods (comma-separated or repeated)")
	pflag.StringSlice("server.cors_allowed_headers", nil, "Allowed CORS request headers (comma-separated or repeated)")
	pflag.StringSlice("server.cors_expose_headers", nil, "Response headers exposed to browsers (comma-separated or repeated)")
	pflag.Bool("server.cors_allow_credentials", false, "Allow credentialed CORS requests")
	pflag.Int("server.cors_max_age", 0, "Preflight cache duration in seconds")

	pflag.Duration("server.read_timeout", 0, "HTTP server read timeout")
	pflag.Duration("server.write_timeout", 0, "HTTP server write timeout")
	pflag.Duration("server.idle_timeout", 0, "HTTP server idle timeout")
	pflag.Duration("server.shutdown_timeout", 0, "Graceful shutdown deadline")
	pflag.Duration("server.health_check_timeout", 0, "Database ping deadline for /health")

	pflag.String("server.tls_mode", "", "Listener TLS mode: off, auto (self-signed), file")
	pflag.String("server.tls_cert_file", "", "TLS certificate file (file mode)")
	pflag.String("server.tls_key_file", "", "TLS private key file (file mode)")
	pflag.String("server.tls_auto_cert_dir", "", "Directory for auto-generated certificates (default: .tls)")
}

func registerQueryFlags() {
	pflag.Int("query.lookback_days", 0, "Default lookback window in days for plans without an explicit time window")
	pflag.Int("query.max_contextual_plans", 0, "Maximum contextual plans accepted per batch request")
	pflag.Duration("query.timeout", 0, "Per-request deadline for batch execution")
	pflag.Duration("query.max_execution_time", 0, "Server-side statement time limit per query (0 = no guard)")
	pflag.Bool("query.read_only_session", false, "Run compiled queries on read-only sessions")
}

func registerObservabilityFlags() {
	pflag.String("observability.service_name", "", "Service name reported on telemetry")
	pflag.String("observability.service_version", "", "Service version reported on telemetry")
	pflag.String("observability.environment", "", "Environment name (dev, staging, prod)")
	pflag.Bool("observability.metrics_enabled", false, "Enable metrics collection")
	pflag.Bool("observability.tracing_enabled", false, "Enable distributed tracing")
	pflag.Float64("observability.trace_sample_ratio", 0, "Trace sampling ratio from 0.0 to 1.0")
	pflag.Bool("observability.sqlcommenter_enabled", false, "Inject trace context into SQL queries")

	pflag.String("observability.logging.level", "", "Log level (debug, info, warn, error)")
	pflag.String("observability.logging.format", "", "Log format (json, text)")
	pflag.Bool("observability.logging.exports_enabled", false, "Export logs over OTLP")

	pflag.String("observability.otlp.endpoint", "", "OTLP endpoint for all signals (e.g. localhost:4317)")
	pflag.String("observability.otlp.protocol", "", "OTLP protocol for all signals (grpc, http/protobuf)")
	pflag.Bool("observability.otlp.insecure", false, "Disable TLS for OTLP exports")
	pflag.String("observability.otlp.tls_cert_file", "", "TLS certificate for exporter server verification")
	pflag.String("observability.otlp.tls_client_cert_file", "", "Client certificate for exporter mTLS")
	pflag.String("observability.otlp.tls_client_key_file", "", "Client key for exporter mTLS")
	pflag.Duration("observability.otlp.timeout", 0, "OTLP export timeout")
	pflag.String("observability.otlp.compression", "", "OTLP compression (none, gzip)")
	pflag.Bool("observability.otlp.retry_enabled", false, "Retry OTLP exports on transient errors")
	pflag.Int("observability.otlp.retry_max_attempts", 0, "Maximum OTLP retry attempts")

	pflag.String("observability.traces.endpoint", "", "OTLP endpoint for traces only")
	pflag.String("observability.traces.protocol", "", "OTLP protocol for traces (grpc, http/protobuf)")
	pflag.Bool("observability.traces.insecure", false, "Disable TLS for trace exports")
	pflag.Duration("observability.traces.timeout", 0, "Timeout for trace exports")

	pflag.String("observability.logs.endpoint", "", "OTLP endpoint for logs only")
	pflag.String("observability.logs.protocol", "", "OTLP protocol for logs (grpc, http/protobuf)")
	pflag.Bool("observability.logs.insecure", false, "Disable TLS for log exports")
	pflag.Duration("observability.logs.timeout", 0, "Timeout for log exports")

	pflag.String("observability.metrics.endpoint", "", "OTLP endpoint for metrics only")
	pflag.Bool("observability.metrics.insecure", false, "Disable TLS for metric exports")
	pflag.Duration("observability.metrics.timeout", 0, "Timeout for metric exports")
}

// registerDefaults registers the baseline value for every known key. The
// registration doubles as the key manifest: AutomaticEnv only resolves
// environment variables for keys viper already knows about, so every
// key must appear here even when its default is the zero value.
func registerDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"database.dsn":        "",
		"database.dsn_file":   "",
		"database.mycnf_file": "",

		"database.host":            "localhost",
		"database.port":            3306,
		"database.user":            "planql",
		"database.password":        "",
		"database.password_file":   "",
		"database.password_prompt": false,
		"database.database":        defaultDatabaseName,

		"database.tls.mode":          "",
		"database.tls.ca_file":       "",
		"database.tls.ca_file_env":   "",
		"database.tls.cert_file":     "",
		"database.tls.cert_file_env": "",
		"database.tls.key_file":      "",
		"database.tls.key_file_env":  "",
		"database.tls.server_name":   "",

		"database.pool.max_open":             25,
		"database.pool.max_idle":             5,
		"database.pool.max_lifetime":         5 * time.Minute,
		"database.connection_timeout":        60 * time.Second,
		"database.connection_retry_interval": 2 * time.Second,

		"server.port":                   8080,
		"server.auth.oidc_enabled":      false,
		"server.auth.oidc_issuer_url":   "",
		"server.auth.oidc_audience":     "",
		"server.auth.oidc_clock_skew":   2 * time.Minute,
		"server.auth.oidc_ca_file":      "",
		"server.auth.tenant_claim":      "project_id",
		"server.rate_limit_enabled":     false,
		"server.rate_limit_rps":         0.0,
		"server.rate_limit_burst":       0,
		"server.cors_enabled":           false,
		"server.cors_allowed_origins":   []string{},
		"server.cors_allowed_methods":   []string{"GET", "POST", "OPTIONS"},
		"server.cors_allowed_headers":   []string{"Content-Type", "Authorization"},
		"server.cors_expose_headers":    []string{},
		"server.cors_allow_credentials": false,
		"server.cors_max_age":           86400,
		"server.read_timeout":           15 * time.Second,
		"server.write_timeout":          15 * time.Second,
		"server.idle_timeout":           60 * time.Second,
		"server.shutdown_timeout":       30 * time.Second,
		"server.health_check_timeout":   2 * time.Second,

		"server.tls_mode":          "off",
		"server.tls_cert_file":     "",
		"server.tls_key_file":      "",
		"server.tls_auto_cert_dir": ".tls",

		"query.lookback_days":        30,
		"query.max_contextual_plans": 6,
		"query.timeout":              30 * time.Second,
		"query.max_execution_time":   10 * time.Second,
		"query.read_only_session":    true,

		"observability.service_name":         "planql",
		"observability.service_version":      "",
		"observability.environment":          "development",
		"observability.metrics_enabled":      true,
		"observability.tracing_enabled":      false,
		"observability.trace_sample_ratio":   1.0,
		"observability.sqlcommenter_enabled": true,

		"observability.logging.level":           "info",
		"observability.logging.format":          "json",
		"observability.logging.exports_enabled": false,

		"observability.otlp.endpoint":             "localhost:4317",
		"observability.otlp.protocol":             "grpc",
		"observability.otlp.insecure":             false,
		"observability.otlp.tls_cert_file":        "",
		"observability.otlp.tls_client_cert_file": "",
		"observability.otlp.tls_client_key_file":  "",
		"observability.otlp.timeout":              10 * time.Second,
		"observability.otlp.compression":          "gzip",
		"observability.otlp.retry_enabled":        true,
		"observability.otlp.retry_max_attempts":   3,
	}

	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}

// passwordFromTerminal reads a password from the terminal with echo disabled.
func passwordFromTerminal() (string, error) {
	fmt.Print("Database password: ")
	defer fmt.Println()

	pwd, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}

// readFileOrStdin returns the contents of path, with "@-" meaning stdin.
func readFileOrStdin(path string) ([]byte, error) {
	if path == "@-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// readSecretFile reads a single-value secret such as a password or a
// DSN, trimming the trailing newline secret mounts and editors add.
func readSecretFile(path string) (string, error) {
	data, err := readFileOrStdin(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ensureSingleStdinSource rejects configurations where more than
// one file-backed setting points at stdin. Stdin is consumed once, so
// a second @- reader would see an empty stream.
func ensureSingleStdinSource(v *viper.Viper) error {
	var stdinBacked []string
	for _, key := range []string{"database.dsn_file", "database.mycnf_file", "database.password_file"} {
		if strings.TrimSpace(v.GetString(key)) == "@-" {
			stdinBacked = append(stdinBacked, key)
		}
	}

	if len(stdinBacked) > 1 {
		return fmt.Errorf("only one file setting may read stdin via @-, got: %s", strings.Join(stdinBacked, ", "))
	}
	return nil
}

func loadDefaultsFile(path string) (defaultsFileSettings, error) {
	raw, err := readFileOrStdin(path)
	if err != nil {
		return defaultsFileSettings{}, err
	}
	return parseDefaultsFile(string(raw))
}

// parseDefaultsFile extracts connection settings from MySQL defaults-file
// syntax. Only the [client] section is honored, except the database
// name, which [mysql] may also provide.
func parseDefaultsFile(raw string) (defaultsFileSettings, error) {
	var cnf defaultsFileSettings
	var section string

	scanner := bufio.NewScanner(strings.NewReader(raw))
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, ";"):
			continue
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			name := strings.TrimSpace(line[1 : len(line)-1])
			section = strings.ToLower(name)
			continue
		}

		key, value, ok := splitOptionLine(line)
		if !ok {
			return defaultsFileSettings{}, fmt.Errorf("invalid my.cnf syntax on line %d", lineno)
		}

		switch section {
		case "client":
			if err := cnf.applyClientOption(strings.ToLower(key), value, lineno); err != nil {
				return defaultsFileSettings{}, err
			}
		case "mysql":
			if strings.ToLower(key) == "database" && !cnf.HasDBName {
				cnf.Database, cnf.HasDBName = value, true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return defaultsFileSettings{}, fmt.Errorf("failed to scan my.cnf: %w", err)
	}

	return cnf, nil
}

func (s *defaultsFileSettings) applyClientOption(key, value string, lineno int) error {
	switch key {
	case "host":
		s.Host = value
	case "port":
		if value == "" {
			return fmt.Errorf("invalid my.cnf port on line %d: empty value", lineno)
		}
		port, err := portNumber(value)
		if err != nil {
			return fmt.Errorf("invalid my.cnf port on line %d: %w", lineno, err)
		}
		s.Port = port
		s.HasPort = true
	case "user":
		s.User = value
	case "password":
		s.Password = value
	case "database":
		s.Database = value
		s.HasDBName = true
	case "ssl-mode":
		mode, err := translateSSLMode(value)
		if err != nil {
			return fmt.Errorf("invalid my.cnf ssl-mode on line %d: %w", lineno, err)
		}
		s.TLSMode = mode
	}
	return nil
}

// splitOptionLine handles both "key = value" and the bare
// space-separated form ("key value") that my.cnf allows.
func splitOptionLine(line string) (key, value string, ok bool) {
	if before, after, found := strings.Cut(line, "="); found {
		key = strings.TrimSpace(before)
		return key, unquoteValue(strings.TrimSpace(after)), key != ""
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], unquoteValue(strings.Join(fields[1:], " ")), true
}

func unquoteValue(value string) string {
	if len(value) < 2 {
		return value
	}
	if q := value[0]; (q == '\'' || q == '"') && value[len(value)-1] == q {
		return value[1 : len(value)-1]
	}
	return value
}

func portNumber(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d is outside the valid range 1-65535", port)
	}
	return port, nil
}

// sslModeToTLSMode translates MySQL client ssl-mode values into the
// TLS modes this service understands. PREFERRED degrades to
// skip-verify: the driver cannot fall back to plaintext, so opportunistic
// encryption becomes unconditional encryption without verification.
var sslModeToTLSMode = map[string]string{
	"DISABLED":        "off",
	"REQUIRED":        "skip-verify",
	"PREFERRED":       "skip-verify",
	"VERIFY_CA":       "verify-ca",
	"VERIFY_IDENTITY": "verify-full",
}

func translateSSLMode(value string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	if normalized == "" {
		return "", nil
	}
	if tlsMode, ok := sslModeToTLSMode[normalized]; ok {
		return tlsMode, nil
	}
	return "", fmt.Errorf("unsupported ssl-mode %q", value)
}

// databaseNameWasSet reports whether database.database came from the
// operator rather than the packaged default: an env var, a changed
// flag, or the config file.
func databaseNameWasSet(v *viper.Viper) bool {
	if _, ok := os.LookupEnv("PLANQL_DATABASE_DATABASE"); ok {
		return true
	}
	if f := pflag.CommandLine.Lookup("database.database"); f != nil && f.Changed {
		return true
	}
	return v.InConfig("database.database")
}

// csvToStringSliceHookFunc lets a single delimited env var populate
// []string config fields, trimming whitespace around each element.
func csvToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	stringSlice := reflect.TypeOf([]string(nil))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != stringSlice {
			return data, nil
		}

		value := strings.TrimSpace(data.(string))
		if value == "" {
			return []string{}, nil
		}

		parts := strings.Split(value, sep)
		for i, part := range parts {
			parts[i] = strings.TrimSpace(part)
		}
		return parts, nil
	}
}
