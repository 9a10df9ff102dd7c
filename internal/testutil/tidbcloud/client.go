// Package tidbcloud provisions throwaway databases on a TiDB Cloud
// Serverless cluster for integration tests.
package tidbcloud

import (
	"database/sql"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
)

// TestDB is an isolated per-test database. The database and its
// connection are torn down automatically when the test finishes.
type TestDB struct {
	DB           *sql.DB
	DatabaseName string

	cfg connInfo
}

type connInfo struct {
	host     string
	port     string
	user     string
	password string
	tlsMode  string
}

// NewTestDB connects to the cluster named by the TIDB_* environment
// variables, creates a uniquely named database, and returns a handle
// connected to it. The test is skipped when no credentials are set.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	cfg := configFromEnv(t)

	name := fmt.Sprintf("test_%s_%d", compactName(t.Name()), time.Now().UnixMilli())
	if !validDatabaseName(name) {
		t.Fatalf("generated database name %q is not usable", name)
	}
	createDatabase(t, cfg, name)

	d := &TestDB{
		DB:           open(t, cfg, name),
		DatabaseName: name,
		cfg:          cfg,
	}
	t.Cleanup(func() { d.Teardown(t) })
	return d
}

// Teardown drops the test database and closes the connection. It runs
// automatically via t.Cleanup.
func (d *TestDB) Teardown(t *testing.T) {
	t.Helper()

	if d.DB == nil {
		return
	}
	if validDatabaseName(d.DatabaseName) {
		if _, err := d.DB.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", d.DatabaseName)); err != nil {
			t.Logf("Warning: failed to drop test database %s: %v", d.DatabaseName, err)
		}
	}
	closeQuietly(t, d.DB)
}

// LoadSchema applies the DDL script at schemaPath to the test database.
func (d *TestDB) LoadSchema(t *testing.T, schemaPath string) {
	t.Helper()
	d.execScript(t, schemaPath)
}

// LoadFixtures applies the seed data script at fixturePath.
func (d *TestDB) LoadFixtures(t *testing.T, fixturePath string) {
	t.Helper()
	d.execScript(t, fixturePath)
}

func (d *TestDB) execScript(t *testing.T, path string) {
	t.Helper()

	payload, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read SQL file %s: %v", path, err)
	}
	for i, stmt := range splitStatements(string(payload)) {
		if _, err := d.DB.Exec(stmt); err != nil {
			t.Fatalf("failed to execute SQL statement %d: %v\nStatement: %s", i+1, err, stmt)
		}
	}
}

func createDatabase(t *testing.T, cfg connInfo, name string) {
	t.Helper()

	admin := open(t, cfg, "information_schema")
	defer closeQuietly(t, admin)

	if _, err := admin.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)); err != nil {
		t.Fatalf("failed to create test database %s: %v", name, err)
	}
}

// open connects to one database on the cluster with a small pool
// suitable for tests.
func open(t *testing.T, cfg connInfo, database string) *sql.DB {
	t.Helper()

	db, err := sql.Open("mysql", cfg.dsn(database))
	if err != nil {
		t.Fatalf("failed to connect to %s: %v", database, err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		closeQuietly(t, db)
		t.Fatalf("failed to ping %s: %v", database, err)
	}
	return db
}

func closeQuietly(t *testing.T, db *sql.DB) {
	t.Helper()
	if err := db.Close(); err != nil {
		t.Logf("Warning: failed to close database connection: %v", err)
	}
}

func configFromEnv(t *testing.T) connInfo {
	t.Helper()

	cfg := connInfo{
		host:     os.Getenv("TIDB_HOST"),
		port:     os.Getenv("TIDB_PORT"),
		user:     os.Getenv("TIDB_USER"),
		password: os.Getenv("TIDB_PASSWORD"),
		tlsMode:  os.Getenv("TIDB_TLS_MODE"),
	}
	if cfg.port == "" {
		cfg.port = "4000"
	}
	if cfg.tlsMode == "" {
		cfg.tlsMode = "skip-verify"
	}
	// Serverless clusters scope usernames with a cluster prefix.
	if prefix := os.Getenv("TIDB_USER_PREFIX"); prefix != "" && !strings.HasPrefix(cfg.user, prefix) {
		cfg.user = prefix + cfg.user
	}

	if cfg.host == "" || cfg.user == "" || cfg.password == "" {
		t.Skip("TiDB credentials not set. Set TIDB_HOST, TIDB_USER, TIDB_PASSWORD environment variables to run integration tests")
	}
	return cfg
}

// dsn builds the connection string through the driver's own config
// type, so the TLS and parseTime parameters are always well formed.
func (c connInfo) dsn(database string) string {
	mc := mysql.NewConfig()
	mc.User = c.user
	mc.Passwd = c.password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.host, c.port)
	mc.DBName = database
	mc.ParseTime = true
	mc.TLSConfig = c.tlsMode
	return mc.FormatDSN()
}

// compactName rewrites a test name into database-name-safe characters,
// capped at 40 so the timestamp suffix still fits within MySQL's 64
// character limit.
func compactName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		if isWordChar(r) {
			return r
		}
		return '_'
	}, name)
	if len(mapped) > 40 {
		mapped = mapped[:40]
	}
	return mapped
}

// splitStatements cuts a script on semicolons. Semicolons inside string
// literals are not handled; fixture files must avoid them.
func splitStatements(script string) []string {
	var stmts []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// validDatabaseName guards the CREATE/DROP DATABASE statements, which
// interpolate the name directly.
func validDatabaseName(name string) bool {
	return name != "" && len(name) <= 64 && !strings.ContainsFunc(name, func(r rune) bool {
		return !isWordChar(r)
	})
}

func isWordChar(r rune) bool {
	return r == '_' ||
		('a' <= r && r <= 'z') ||
		('A' <= r && r <= 'Z') ||
		('0' <= r && r <= '9')
}
