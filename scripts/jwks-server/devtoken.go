package main

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	headerAdminToken = "X-Admin-Token"
	defaultSubject   = "dev-user"
	maxBodyBytes     = 1 << 20
)

type vendorConfig struct {
	Enabled    bool
	AdminToken string

	// Key is parsed from KeyPath during startup validation.
	KeyPath string
	Key     *rsa.PrivateKey

	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

func (c *vendorConfig) loadAndValidate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.AdminToken == "":
		return errors.New("--dev-token-admin-token must be set when --dev-token-enabled is")
	case c.DefaultTTL <= 0:
		return errors.New("dev-token-default-ttl must be positive")
	case c.MaxTTL <= 0:
		return errors.New("dev-token-max-ttl must be positive")
	case c.DefaultTTL > c.MaxTTL:
		return errors.New("dev-token-default-ttl may not exceed dev-token-max-ttl")
	}

	key, err := loadPrivateKey(c.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to read dev token signing key: %w", err)
	}
	c.Key = key
	return nil
}

type vendRequest struct {
	Subject   string `json:"subject"`
	ProjectID string `json:"project_id"`
	ExpiresIn string `json:"expires_in"`
}

type vendResponse struct {
	Token            string `json:"token"`
	TokenType        string `json:"token_type"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
	ExpiresAt        string `json:"expires_at"`
}

type errorBody struct {
	Error string `json:"error"`
}

// devTokenVendor serves /dev/token: an admin-authenticated endpoint that
// signs short-lived tokens for local testing.
type devTokenVendor struct {
	issuer   string
	kid      string
	audience []string
	cfg      vendorConfig
}

func newTokenVendor(cfg serverConfig) (http.Handler, error) {
	if !cfg.TokenVendor.Enabled {
		return nil, nil
	}
	switch {
	case cfg.TokenVendor.Key == nil:
		return nil, errors.New("dev token signing key is not loaded")
	case strings.TrimSpace(cfg.TokenVendor.AdminToken) == "":
		return nil, errors.New("dev token admin token is empty")
	case len(cfg.Audience) == 0:
		return nil, errors.New("dev token endpoint needs at least one audience")
	}

	return &devTokenVendor{
		issuer:   cfg.Issuer,
		kid:      cfg.KID,
		audience: cfg.Audience,
		cfg:      cfg.TokenVendor,
	}, nil
}

func (v *devTokenVendor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	token := strings.TrimSpace(r.Header.Get(headerAdminToken))
	if !adminTokenMatches(token, v.cfg.AdminToken) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}

	req, err := decodeVendRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	ttl, err := resolveTTL(v.cfg, req.ExpiresIn)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	issuedAt := time.Now()
	expiresAt := issuedAt.Add(ttl)
	signed, err := v.sign(req, issuedAt, expiresAt)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to sign token"})
		return
	}

	if wantsPlainText(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, signed)
		return
	}
	writeJSON(w, http.StatusOK, vendResponse{
		Token:            signed,
		TokenType:        "Bearer",
		ExpiresInSeconds: int64(ttl.Seconds()),
		ExpiresAt:        expiresAt.UTC().Format(time.RFC3339),
	})
}

func (v *devTokenVendor) sign(req vendRequest, issuedAt, expiresAt time.Time) (string, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = defaultSubject
	}

	claims := jwt.MapClaims{
		"iss": v.issuer,
		"sub": subject,
		"aud": v.audience,
		"iat": issuedAt.Unix(),
		"exp": expiresAt.Unix(),
		"nbf": issuedAt.Add(-time.Minute).Unix(),
	}
	if project := strings.TrimSpace(req.ProjectID); project != "" {
		claims["project_id"] = project
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = v.kid
	return token.SignedString(v.cfg.Key)
}

func decodeVendRequest(r *http.Request) (vendRequest, error) {
	if r.Body == nil {
		return vendRequest{}, nil
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	var req vendRequest
	switch err := dec.Decode(&req); {
	case errors.Is(err, io.EOF):
		// Empty body means all defaults.
		return vendRequest{}, nil
	case err != nil:
		return vendRequest{}, err
	case dec.More():
		return vendRequest{}, errors.New("request body must be a single JSON object")
	}
	return req, nil
}

func resolveTTL(cfg vendorConfig, requested string) (time.Duration, error) {
	trimmed := strings.TrimSpace(requested)
	if trimmed == "" {
		return cfg.DefaultTTL, nil
	}

	ttl, err := time.ParseDuration(trimmed)
	switch {
	case err != nil:
		return 0, errors.New("expires_in is not a valid duration")
	case ttl <= 0:
		return 0, errors.New("expires_in must be positive")
	case ttl > cfg.MaxTTL:
		return 0, fmt.Errorf("expires_in may not exceed %s", cfg.MaxTTL)
	}
	return ttl, nil
}

func wantsPlainText(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/plain")
}

// adminTokenMatches hashes both sides so the comparison is constant time
// even for different-length tokens.
func adminTokenMatches(provided, expected string) bool {
	got := sha256.Sum256([]byte(provided))
	want := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}
