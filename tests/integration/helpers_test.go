//go:build integration
// +build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	// startupTimeout bounds how long a freshly spawned server may take to
	// report healthy before the test fails with its captured output.
	startupTimeout = 10 * time.Second

	// debugTailBytes caps how much process output a failure report quotes.
	debugTailBytes = 4000
)

func requireTiDB(t *testing.T) {
	t.Helper()
	switch {
	case testing.Short():
		t.Skip("integration tests are skipped in -short mode")
	case os.Getenv("TIDB_HOST") == "":
		t.Skip("TiDB credentials not set")
	}
}

// startTestApp compiles the server binary, launches it against the
// configured TiDB cluster and blocks until /health answers. The process
// and the binary are removed when the test finishes.
func startTestApp(t *testing.T, port int, extraEnv ...string) (*exec.Cmd, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()

	cmd := exec.Command(buildServerBinary(t, port))

	base := append(os.Environ(), baseServerEnv()...)
	base = append(base, fmt.Sprintf("PLANQL_SERVER_PORT=%d", port))
	cmd.Env = overrideEnv(base, extraEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})

	waitUntilHealthy(t, port, &stdout, &stderr, cmd.Env)

	return cmd, &stdout, &stderr
}

// buildServerBinary compiles cmd/server into a per-port binary under
// bin/ so parallel suites never overwrite each other's executable.
func buildServerBinary(t *testing.T, port int) string {
	t.Helper()

	require.NoError(t, os.MkdirAll("../../bin", 0o755))
	binary := fmt.Sprintf("../../bin/planql-test-%d", port)

	out, err := exec.Command("go", "build", "-o", binary, "../../cmd/server").CombinedOutput()
	require.NoError(t, err, "Failed to build server: %s", out)

	t.Cleanup(func() { _ = os.Remove(binary) })
	return binary
}

func waitUntilHealthy(t *testing.T, port int, stdout, stderr *bytes.Buffer, env []string) {
	t.Helper()

	healthURL := fmt.Sprintf("http://localhost:%d/health", port)
	for deadline := time.Now().Add(startupTimeout); time.Now().Before(deadline); {
		time.Sleep(200 * time.Millisecond)
		resp, err := http.Get(healthURL)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return
		}
	}
	t.Fatalf("Server did not become ready within %s.\n%s", startupTimeout, serverDebugReport(stdout, stderr, env))
}

// postJSON posts a raw JSON payload and decodes the JSON response body.
func postJSON(t *testing.T, url, payload string) (int, map[string]interface{}) {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	return decodeJSONResponse(t, resp)
}

func getJSON(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	return decodeJSONResponse(t, resp)
}

func decodeJSONResponse(t *testing.T, resp *http.Response) (int, map[string]interface{}) {
	t.Helper()
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

// overrideEnv appends overrides to base, dropping base entries whose key is
// overridden so the child process sees exactly one value per variable.
func overrideEnv(base []string, overrides ...string) []string {
	overridden := make(map[string]bool, len(overrides))
	for _, kv := range overrides {
		overridden[envKey(kv)] = true
	}

	kept := slices.DeleteFunc(slices.Clone(base), func(kv string) bool {
		return overridden[envKey(kv)]
	})
	return append(kept, overrides...)
}

func envKey(kv string) string {
	key, _, _ := strings.Cut(kv, "=")
	return key
}

func serverDebugReport(stdout, stderr *bytes.Buffer, env []string) string {
	scopes := envWithPrefix(env, "PLANQL_DATABASE_", "PLANQL_SERVER_", "PLANQL_OBSERVABILITY_")

	var report strings.Builder
	report.WriteString("Environment:\n")
	report.WriteString(strings.Join(scopes, "\n"))
	report.WriteString("\nSTDOUT:\n")
	report.WriteString(lastBytes(stdout, debugTailBytes))
	report.WriteString("\nSTDERR:\n")
	report.WriteString(lastBytes(stderr, debugTailBytes))
	return report.String()
}

func envWithPrefix(env []string, prefixes ...string) []string {
	var matched []string
	for _, kv := range env {
		if slices.ContainsFunc(prefixes, func(p string) bool { return strings.HasPrefix(kv, p) }) {
			matched = append(matched, kv)
		}
	}
	return matched
}

func lastBytes(buf *bytes.Buffer, n int) string {
	s := buf.String()
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
