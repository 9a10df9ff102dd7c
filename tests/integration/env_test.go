//go:build integration
// +build integration

package integration

import (
	"os"
	"strings"
)

// tidbUser applies the optional TIDB_USER_PREFIX, which serverless TiDB
// clusters require in front of every username.
func tidbUser() string {
	user := os.Getenv("TIDB_USER")
	if prefix := os.Getenv("TIDB_USER_PREFIX"); prefix != "" && user != "" && !strings.HasPrefix(user, prefix) {
		user = prefix + user
	}
	return user
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func baseServerEnv() []string {
	return []string{
		"PLANQL_DATABASE_HOST=" + os.Getenv("TIDB_HOST"),
		"PLANQL_DATABASE_PORT=" + envOr("TIDB_PORT", "4000"),
		"PLANQL_DATABASE_USER=" + tidbUser(),
		"PLANQL_DATABASE_PASSWORD=" + os.Getenv("TIDB_PASSWORD"),
		"PLANQL_DATABASE_DATABASE=" + envOr("TIDB_DATABASE", "test"),
		"PLANQL_DATABASE_TLS_MODE=" + envOr("TIDB_TLS_MODE", "skip-verify"),
	}
}
