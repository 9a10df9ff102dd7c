package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"planql/internal/logging"
	"planql/internal/observability"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

// OIDCAuthConfig controls OIDC/JWKS validation behavior.
type OIDCAuthConfig struct {
	Enabled     bool
	IssuerURL   string
	Audience    string
	ClockSkew   time.Duration
	CAFile      string
	TenantClaim string
}

type authContextKey struct{}

// AuthContext carries validated JWT claims. Tenant is the value of the
// configured tenant claim and scopes every query the caller runs.
type AuthContext struct {
	Subject  string
	Issuer   string
	Audience []string
	Tenant   string
	Claims   map[string]interface{}
}

// AuthFromContext returns the auth context from a request context.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	value := ctx.Value(authContextKey{})
	if value == nil {
		return AuthContext{}, false
	}
	auth, ok := value.(AuthContext)
	return auth, ok
}

// ContextWithAuth stores an auth context, as the middleware does after
// validating a token.
func ContextWithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// oidcHTTPClient builds the HTTP client used for provider discovery and
// JWKS fetches. When CAFile is set the client trusts only that CA bundle;
// otherwise the system roots apply.
func oidcHTTPClient(cfg OIDCAuthConfig) (*http.Client, error) {
	transport := &http.Transport{}

	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read oidc CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("failed to parse oidc CA file %s", cfg.CAFile)
		}
		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    pool,
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   10 * time.Second,
	}, nil
}

// authDenial describes one way a request can fail authentication: which
// counters to bump, what to log, and the message returned to the caller.
type authDenial struct {
	failureReason      string
	validationError    string // token validation error type, empty to skip
	unauthorizedReason string // unauthorized attempt reason, empty to skip
	logMessage         string
	response           string
}

func (d authDenial) reject(w http.ResponseWriter, r *http.Request, metrics *observability.SecurityMetrics, logger *logging.Logger, attrs ...slog.Attr) {
	endpoint := r.URL.Path
	if metrics != nil {
		metrics.RecordAuthFailure(r.Context(), endpoint, d.failureReason)
		if d.validationError != "" {
			metrics.RecordTokenValidationError(r.Context(), d.validationError)
		}
		if d.unauthorizedReason != "" {
			metrics.RecordUnauthorizedAttempt(r.Context(), endpoint, d.unauthorizedReason)
		}
	}
	if logger != nil {
		args := make([]any, 0, len(attrs)+1)
		args = append(args, slog.String("endpoint", endpoint))
		for _, attr := range attrs {
			args = append(args, attr)
		}
		logging.FromContext(r.Context()).Warn(d.logMessage, args...)
	}
	writeUnauthorized(w, d.response)
}

// OIDCAuthMiddleware validates Bearer tokens when enabled and resolves the
// caller's tenant from the configured claim. Security metrics are optional;
// omit them to disable auth counters.
func OIDCAuthMiddleware(cfg OIDCAuthConfig, logger *logging.Logger, securityMetrics ...*observability.SecurityMetrics) (func(http.Handler) http.Handler, error) {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }, nil
	}

	var metrics *observability.SecurityMetrics
	if len(securityMetrics) > 0 {
		metrics = securityMetrics[0]
	}

	if cfg.IssuerURL == "" || cfg.Audience == "" {
		return nil, errors.New("oidc auth enabled but issuer/audience not configured")
	}
	if strings.TrimSpace(cfg.TenantClaim) == "" {
		return nil, errors.New("oidc auth enabled but tenant claim not configured")
	}

	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = 2 * time.Minute
	}

	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid oidc issuer url: %w", err)
	}
	if issuerURL.Scheme != "https" {
		return nil, errors.New("oidc issuer url must use https")
	}

	httpClient, err := oidcHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        cfg.Audience,
		SkipIssuerCheck: false,
	})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := r.URL.Path

			if metrics != nil {
				metrics.RecordAuthAttempt(r.Context(), endpoint)
			}

			tokenString := bearerToken(r.Header.Get("Authorization"))
			if tokenString == "" {
				authDenial{
					failureReason:      "missing_token",
					unauthorizedReason: "missing_token",
					logMessage:         "authentication failed: missing bearer token",
					response:           "missing bearer token",
				}.reject(w, r, metrics, logger, slog.String("remote_addr", r.RemoteAddr))
				return
			}

			idToken, err := verifier.Verify(r.Context(), tokenString)
			if err != nil {
				authDenial{
					failureReason:      "token_verification_failed",
					validationError:    "verification_failed",
					unauthorizedReason: "invalid_token",
					logMessage:         "oidc token validation failed",
					response:           "invalid token",
				}.reject(w, r, metrics, logger,
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				return
			}

			claims := map[string]interface{}{}
			if err := idToken.Claims(&claims); err != nil {
				authDenial{
					failureReason:   "claims_parse_failed",
					validationError: "claims_parse_failed",
					logMessage:      "oidc token claims parse failed",
					response:        "invalid token claims",
				}.reject(w, r, metrics, logger, slog.String("error", err.Error()))
				return
			}

			if err := validateTimeClaims(claims, cfg.ClockSkew); err != nil {
				authDenial{
					failureReason:   "time_validation_failed",
					validationError: "time_validation_failed",
					logMessage:      "oidc token time validation failed",
					response:        "invalid token",
				}.reject(w, r, metrics, logger, slog.String("error", err.Error()))
				return
			}

			tenant := stringClaim(claims, cfg.TenantClaim)
			if tenant == "" {
				authDenial{
					failureReason:      "missing_tenant_claim",
					unauthorizedReason: "missing_tenant_claim",
					logMessage:         "oidc token missing tenant claim",
					response:           "token missing tenant claim",
				}.reject(w, r, metrics, logger, slog.String("claim", cfg.TenantClaim))
				return
			}

			subject, _ := claims["sub"].(string)
			aud := extractAudience(claims)

			if metrics != nil {
				metrics.RecordAuthSuccess(r.Context(), endpoint, cfg.IssuerURL)
			}

			if logger != nil {
				reqLogger := logging.FromContext(r.Context())
				reqLogger.Debug("authentication successful",
					slog.String("subject", subject),
					slog.String("tenant", tenant),
					slog.String("issuer", cfg.IssuerURL),
					slog.String("endpoint", endpoint),
				)
			}

			// Add trace attributes for the authenticated caller
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(
					attribute.String("auth.subject", subject),
					attribute.String("auth.tenant", tenant),
					attribute.String("auth.issuer", cfg.IssuerURL),
					attribute.Bool("auth.authenticated", true),
				)
				if len(aud) > 0 {
					span.SetAttributes(attribute.StringSlice("auth.audience", aud))
				}
			}

			ctx := ContextWithAuth(r.Context(), AuthContext{
				Subject:  subject,
				Issuer:   cfg.IssuerURL,
				Audience: aud,
				Tenant:   tenant,
				Claims:   claims,
			})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}, nil
}

func bearerToken(value string) string {
	scheme, token, found := strings.Cut(value, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// validateTimeClaims re-checks exp and nbf with the configured clock skew.
// The verifier already enforces expiry, but without skew tolerance.
func validateTimeClaims(claims map[string]interface{}, skew time.Duration) error {
	if skew <= 0 {
		return nil
	}

	now := time.Now()
	if exp, ok := numericDate(claims["exp"]); ok && now.After(exp.Add(skew)) {
		return errors.New("token expired")
	}
	if nbf, ok := numericDate(claims["nbf"]); ok && now.Add(skew).Before(nbf) {
		return errors.New("token not valid yet")
	}
	return nil
}

// numericDate converts the JSON representations of a NumericDate claim into
// a time. JSON decoding may surface the value as float64, json.Number, or a
// string depending on the decoder settings.
func numericDate(value interface{}) (time.Time, bool) {
	var unix int64
	switch v := value.(type) {
	case float64:
		unix = int64(v)
	case int64:
		unix = v
	case int:
		unix = int64(v)
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		unix = parsed
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		unix = parsed
	default:
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}

// stringClaim renders a claim value as a non-empty string. Some identity
// providers issue numeric project IDs, so integral numbers are accepted too.
func stringClaim(claims map[string]interface{}, name string) string {
	switch v := claims[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func extractAudience(claims map[string]interface{}) []string {
	switch val := claims["aud"].(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
