package middleware

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// selfSignedOrigin stands in for an OIDC provider whose certificate no
// system root signs.
func selfSignedOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeCAFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestOIDCHTTPClient_HonorsCAFile(t *testing.T) {
	origin := selfSignedOrigin(t)
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: origin.Certificate().Raw})
	caPath := writeCAFile(t, "root_ca.crt", caPEM)

	client, err := oidcHTTPClient(OIDCAuthConfig{CAFile: caPath})
	if err != nil {
		t.Fatalf("building client: %v", err)
	}

	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatalf("request with trusted CA should succeed, got: %v", err)
	}
	_ = resp.Body.Close()
}

func TestOIDCHTTPClient_DistrustsUnknownIssuers(t *testing.T) {
	origin := selfSignedOrigin(t)

	client, err := oidcHTTPClient(OIDCAuthConfig{})
	if err != nil {
		t.Fatalf("building client: %v", err)
	}

	if _, err := client.Get(origin.URL); err == nil {
		t.Fatal("self-signed server must fail verification without a CA file")
	}
}

func TestOIDCHTTPClient_BadCAFile(t *testing.T) {
	caPath := writeCAFile(t, "invalid_ca.crt", []byte("not a certificate"))

	if _, err := oidcHTTPClient(OIDCAuthConfig{CAFile: caPath}); err == nil {
		t.Fatal("garbage CA material must be rejected")
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  string
	}{
		{"standard", "Bearer abc.def.ghi", "abc.def.ghi"},
		{"lowercase scheme", "bearer abc.def.ghi", "abc.def.ghi"},
		{"missing scheme", "abc.def.ghi", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz", ""},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := bearerToken(tc.value); got != tc.want {
				t.Fatalf("bearerToken(%q) = %q, want %q", tc.value, got, tc.want)
			}
		})
	}
}

func TestValidateTimeClaims(t *testing.T) {
	skew := time.Minute

	expired := map[string]interface{}{
		"exp": float64(time.Now().Add(-2 * time.Minute).Unix()),
	}
	if err := validateTimeClaims(expired, skew); err == nil {
		t.Fatal("expected error for token expired beyond skew")
	}

	withinSkew := map[string]interface{}{
		"exp": float64(time.Now().Add(-30 * time.Second).Unix()),
	}
	if err := validateTimeClaims(withinSkew, skew); err != nil {
		t.Fatalf("expected token within skew to pass, got: %v", err)
	}

	notYetValid := map[string]interface{}{
		"nbf": float64(time.Now().Add(5 * time.Minute).Unix()),
	}
	if err := validateTimeClaims(notYetValid, skew); err == nil {
		t.Fatal("expected error for nbf in the future")
	}
}

func TestStringClaim(t *testing.T) {
	claims := map[string]interface{}{
		"project_id":  "proj-42",
		"padded":      "  proj-7  ",
		"numeric":     json.Number("1234"),
		"float_id":    float64(987),
		"unsupported": []string{"a"},
	}

	if got := stringClaim(claims, "project_id"); got != "proj-42" {
		t.Fatalf("string claim = %q, want proj-42", got)
	}
	if got := stringClaim(claims, "padded"); got != "proj-7" {
		t.Fatalf("padded claim = %q, want proj-7", got)
	}
	if got := stringClaim(claims, "numeric"); got != "1234" {
		t.Fatalf("json.Number claim = %q, want 1234", got)
	}
	if got := stringClaim(claims, "float_id"); got != "987" {
		t.Fatalf("float64 claim = %q, want 987", got)
	}
	if got := stringClaim(claims, "unsupported"); got != "" {
		t.Fatalf("unsupported claim type = %q, want empty", got)
	}
	if got := stringClaim(claims, "absent"); got != "" {
		t.Fatalf("absent claim = %q, want empty", got)
	}
}

func TestAuthFromContext(t *testing.T) {
	if _, ok := AuthFromContext(context.Background()); ok {
		t.Fatal("expected no auth context on a bare context")
	}

	ctx := ContextWithAuth(context.Background(), AuthContext{
		Subject: "user-1",
		Tenant:  "proj-42",
	})
	auth, ok := AuthFromContext(ctx)
	if !ok {
		t.Fatal("expected auth context to be present")
	}
	if auth.Tenant != "proj-42" {
		t.Fatalf("tenant = %q, want proj-42", auth.Tenant)
	}
}

func TestOIDCAuthMiddleware_Disabled(t *testing.T) {
	mw, err := OIDCAuthMiddleware(OIDCAuthConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/batch", nil))

	if !called {
		t.Fatal("expected next handler to be called when auth is disabled")
	}
}

func TestOIDCAuthMiddleware_RequiresConfig(t *testing.T) {
	if _, err := OIDCAuthMiddleware(OIDCAuthConfig{Enabled: true}, nil); err == nil {
		t.Fatal("expected error for missing issuer/audience")
	}

	if _, err := OIDCAuthMiddleware(OIDCAuthConfig{
		Enabled:   true,
		IssuerURL: "https://issuer.example.com",
		Audience:  "planql",
	}, nil); err == nil {
		t.Fatal("expected error for missing tenant claim")
	}

	if _, err := OIDCAuthMiddleware(OIDCAuthConfig{
		Enabled:     true,
		IssuerURL:   "http://issuer.example.com",
		Audience:    "planql",
		TenantClaim: "project_id",
	}, nil); err == nil {
		t.Fatal("expected error for non-https issuer")
	}
}
