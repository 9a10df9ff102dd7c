package serverapp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"planql/internal/batch"
	"planql/internal/compiler"
	"planql/internal/config"
	"planql/internal/dbexec"
	"planql/internal/middleware"
	"planql/internal/ontology"
)

func testConfig() *config.Config {
	return &config.Config{
		Query: config.QueryConfig{
			LookbackDays:       30,
			MaxContextualPlans: 4,
			Timeout:            5 * time.Second,
		},
	}
}

// newTestHandlers wires the real pipeline (registry, compiler, orchestrator)
// over a mocked database, so handler tests exercise the same code paths the
// server does.
func newTestHandlers(t *testing.T, cfg *config.Config) (apiHandlers, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	registry, err := ontology.Default()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	comp := compiler.New(registry)
	runner := dbexec.NewRunner(dbexec.NewStandardExecutor(db))

	h := apiHandlers{
		cfg:          cfg,
		logger:       testLogger(),
		registry:     registry,
		compiler:     comp,
		runner:       runner,
		orchestrator: batch.New(comp, runner),
	}
	return h, mock
}

func TestHandleBatch_PrimarySuccess(t *testing.T) {
	h, mock := newTestHandlers(t, testConfig())
	mock.ExpectQuery("SELECT").WillReturnRows(
		sqlmock.NewRows([]string{"sha", "message"}).
			AddRow("abc123", []byte("fix login race")).
			AddRow("def456", []byte("bump deps")))

	body := `{"tenantId":"proj-1","primary":{"entities":["commits"],"columns":["sha","message"],"limit":50}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleBatch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %q", ct)
	}

	var result batch.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected batch success, got error %q", result.Error)
	}
	if result.BatchID == "" {
		t.Fatalf("expected a batch id")
	}
	if result.Primary == nil || !result.Primary.Success {
		t.Fatalf("expected successful primary result: %+v", result.Primary)
	}
	if result.Primary.RowCount != 2 {
		t.Fatalf("expected 2 rows, got %d", result.Primary.RowCount)
	}
	if result.Primary.Tags.QueryType != batch.QueryTypePrimary {
		t.Fatalf("expected primary tag, got %q", result.Primary.Tags.QueryType)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleBatch_RejectedPrimaryKeepsContextual(t *testing.T) {
	h, mock := newTestHandlers(t, testConfig())
	// Only the contextual plan compiles, so only one query reaches the DB.
	mock.ExpectQuery("SELECT").WillReturnRows(
		sqlmock.NewRows([]string{"title"}).AddRow("flaky deploy pipeline"))

	body := `{
		"tenantId": "proj-1",
		"primary": {"entities": ["wormholes"]},
		"contextual": [{"entities": ["issues"], "columns": ["title"]}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleBatch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var result batch.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Success {
		t.Fatalf("expected batch failure when primary is rejected")
	}
	if !strings.Contains(result.Error, "primary query failed") {
		t.Fatalf("unexpected batch error: %q", result.Error)
	}
	if result.Primary == nil || !strings.Contains(result.Primary.Error, "unknown entity") {
		t.Fatalf("expected unknown entity rejection on primary: %+v", result.Primary)
	}
	if len(result.Contextual) != 1 || !result.Contextual[0].Success {
		t.Fatalf("expected contextual result to survive primary failure: %+v", result.Contextual)
	}
	if result.Contextual[0].Tags.QueryType != batch.QueryTypeContextual {
		t.Fatalf("expected contextual tag, got %q", result.Contextual[0].Tags.QueryType)
	}
}

func TestHandleBatch_MissingTenant(t *testing.T) {
	h, _ := newTestHandlers(t, testConfig())

	body := `{"primary":{"entities":["commits"]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleBatch(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tenantId is required") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleBatch_MalformedBody(t *testing.T) {
	h, _ := newTestHandlers(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.handleBatch(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "malformed batch request") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleBatch_TooManyContextualPlans(t *testing.T) {
	cfg := testConfig()
	cfg.Query.MaxContextualPlans = 1
	h, _ := newTestHandlers(t, cfg)

	body := `{
		"tenantId": "proj-1",
		"primary": {"entities": ["commits"]},
		"contextual": [
			{"entities": ["issues"]},
			{"entities": ["pull_requests"]}
		]
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleBatch(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "limit is 1") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleBatch_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandlers(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/v1/batch", nil)
	rec := httptest.NewRecorder()
	h.handleBatch(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rec.Code)
	}
}

func TestHandleQuery_Success(t *testing.T) {
	h, mock := newTestHandlers(t, testConfig())
	mock.ExpectQuery("SELECT").WillReturnRows(
		sqlmock.NewRows([]string{"sha"}).AddRow("abc123"))

	body := `{"tenantId":"proj-1","plan":{"entities":["commits"],"columns":["sha"]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleQuery(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result dbexec.ExecutionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Success || result.RowCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestHandleQuery_Rejection(t *testing.T) {
	h, _ := newTestHandlers(t, testConfig())

	body := `{"tenantId":"proj-1","plan":{"entities":["commits"],"columns":["author_email"]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleQuery(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp rejectionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Rejected {
		t.Fatalf("expected rejected=true")
	}
	if len(resp.Issues) != 1 || !strings.Contains(resp.Issues[0], "restricted") {
		t.Fatalf("unexpected issues: %v", resp.Issues)
	}
}

func TestHandleQuery_MissingPlan(t *testing.T) {
	h, _ := newTestHandlers(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"tenantId":"proj-1"}`))
	rec := httptest.NewRecorder()
	h.handleQuery(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "plan is required") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleQuery_TenantFromToken(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Auth.OIDCEnabled = true
	h, mock := newTestHandlers(t, cfg)

	// The token tenant must reach the query; the body tenant must not.
	mock.ExpectQuery("SELECT").
		WithArgs("proj-7", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"sha"}).AddRow("abc123"))

	body := `{"tenantId":"someone-else","plan":{"entities":["commits"],"columns":["sha"]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(body))
	req = req.WithContext(middleware.ContextWithAuth(req.Context(), middleware.AuthContext{
		Subject: "svc-planner",
		Tenant:  "proj-7",
	}))
	rec := httptest.NewRecorder()
	h.handleQuery(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("query was not scoped to the token tenant: %v", err)
	}
}

func TestHandleQuery_AuthRequiredWithoutToken(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Auth.OIDCEnabled = true
	h, _ := newTestHandlers(t, cfg)

	body := `{"tenantId":"proj-1","plan":{"entities":["commits"],"columns":["sha"]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleQuery(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "authentication required") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleSchema(t *testing.T) {
	h, _ := newTestHandlers(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/v1/schema", nil)
	rec := httptest.NewRecorder()
	h.handleSchema(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp schemaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Version) != 16 {
		t.Fatalf("expected a 16-char schema version, got %q", resp.Version)
	}
	if !strings.Contains(resp.Description, "commits") || !strings.Contains(resp.Description, "project_id") {
		t.Fatalf("description missing expected content: %q", resp.Description)
	}
}

func TestHandleSchema_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandlers(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/schema", nil)
	rec := httptest.NewRecorder()
	h.handleSchema(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rec.Code)
	}
}

func TestBuildAPIHandler_OIDCSetupErrorPropagates(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Auth.OIDCEnabled = true
	// Missing issuer/audience should fail during OIDC middleware setup.

	h, _ := newTestHandlers(t, cfg)
	_, err := buildAPIHandler(cfg, testLogger(), h, nil, nil)
	if err == nil {
		t.Fatalf("expected OIDC setup error, got nil")
	}
	if !strings.Contains(err.Error(), "oidc auth enabled but issuer/audience not configured") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBuildRouter_Routes(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HealthCheckTimeout = time.Second

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	mux := buildRouter(cfg, testLogger(), db, apiHandler, nil, nil)

	tests := []struct {
		path     string
		expected int
	}{
		{path: "/v1/batch", expected: http.StatusTeapot},
		{path: "/v1/query", expected: http.StatusTeapot},
		{path: "/health", expected: http.StatusOK},
		{path: "/metrics", expected: http.StatusNotFound}, // metrics disabled
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != tt.expected {
			t.Fatalf("%s: expected status %d, got %d", tt.path, tt.expected, rec.Code)
		}
	}
}
