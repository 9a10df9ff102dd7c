// Command jwks-server is a development OIDC stand-in: it serves a discovery
// document and JWKS for the local key pair, and can optionally vend signed
// dev tokens over an admin-authenticated endpoint.
package main

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"planql/internal/tlscert"
)

const (
	defaultTokenAudience  = "planql"
	defaultVendorMaxTTL = 7 * 24 * time.Hour
)

// jwksServerHosts are the names the self-signed serving certificate covers.
// "jwks" is the compose service name, so containers can pin the cert too.
var jwksServerHosts = []string{"localhost", "jwks", "127.0.0.1", "::1"}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type serverConfig struct {
	Issuer      string
	Audience    []string
	KID         string
	JWKSPem     []byte
	TokenVendor vendorConfig
}

func main() {
	addr := flag.String("addr", ":9000", "Address to listen on")
	issuer := flag.String("issuer", "https://localhost:9000", "Issuer URL advertised in the discovery document")
	audience := flag.String("audience", defaultTokenAudience, "Audience value(s) stamped into vended tokens, comma-separated")
	publicKeyPath := flag.String("public-key", ".auth/jwt_public.pem", "RSA public key to publish (PEM)")
	kid := flag.String("kid", "local-key", "Key ID advertised in the JWKS")
	enableTLS := flag.Bool("tls", true, "Serve HTTPS with a self-signed certificate")
	tlsCertPath := flag.String("tls-cert", ".auth/jwks_tls.crt", "TLS certificate path (PEM)")
	tlsKeyPath := flag.String("tls-key", ".auth/jwks_tls.key", "TLS private key path (PEM)")
	devTokenEnabled := flag.Bool("dev-token-enabled", false, "Serve the /dev/token vending endpoint")
	devTokenAdminToken := flag.String("dev-token-admin-token", "", "Shared admin token that /dev/token requires")
	devTokenPrivateKey := flag.String("dev-token-private-key", ".auth/jwt_private.pem", "RSA private key /dev/token signs with")
	devTokenDefaultTTL := flag.Duration("dev-token-default-ttl", 24*time.Hour, "Token lifetime when the request does not ask for one")
	devTokenMaxTTL := flag.Duration("dev-token-max-ttl", defaultVendorMaxTTL, "Upper bound on requested token lifetimes")
	flag.Parse()

	cfg, err := assembleConfig(*issuer, *audience, *kid, *publicKeyPath, vendorConfig{
		Enabled:    *devTokenEnabled,
		AdminToken: strings.TrimSpace(*devTokenAdminToken),
		KeyPath:    strings.TrimSpace(*devTokenPrivateKey),
		DefaultTTL: *devTokenDefaultTTL,
		MaxTTL:     *devTokenMaxTTL,
	})
	if err != nil {
		fail(err)
	}

	mux, err := buildServerMux(cfg)
	if err != nil {
		fail(err)
	}
	fail(serve(*addr, *enableTLS, *tlsCertPath, *tlsKeyPath, mux))
}

func fail(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}

func assembleConfig(issuer, audience, kid, publicKeyPath string, devCfg vendorConfig) (serverConfig, error) {
	audienceValues := splitList(audience)
	if len(audienceValues) == 0 {
		return serverConfig{}, errors.New("audience is required")
	}

	key, err := loadPublicKey(publicKeyPath)
	if err != nil {
		return serverConfig{}, err
	}
	jwksPayload, err := buildJWKS(key, kid)
	if err != nil {
		return serverConfig{}, err
	}
	if err := devCfg.loadAndValidate(); err != nil {
		return serverConfig{}, err
	}

	return serverConfig{
		Issuer:      issuer,
		Audience:    audienceValues,
		KID:         kid,
		JWKSPem:     jwksPayload,
		TokenVendor: devCfg,
	}, nil
}

func serve(addr string, useTLS bool, certPath, keyPath string, handler http.Handler) error {
	if !useTLS {
		fmt.Fprintln(os.Stderr, "warning: JWKS server running without TLS (dev only)")
		fmt.Printf("JWKS server listening on http://%s\n", addr)
		return http.ListenAndServe(addr, handler)
	}

	if err := ensureTLSFiles(certPath, keyPath); err != nil {
		return err
	}
	fmt.Printf("JWKS server listening on https://%s\n", addr)
	return http.ListenAndServeTLS(addr, certPath, keyPath, handler)
}

func buildServerMux(cfg serverConfig) (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", discoveryHandler(cfg.Issuer))
	mux.HandleFunc("/jwks", keySetHandler(cfg.JWKSPem))

	if cfg.TokenVendor.Enabled {
		vendor, err := newTokenVendor(cfg)
		if err != nil {
			return nil, err
		}
		mux.Handle("/dev/token", vendor)
	}
	return mux, nil
}

func discoveryHandler(issuer string) http.HandlerFunc {
	doc := map[string]string{
		"issuer":   issuer,
		"jwks_uri": issuer + "/jwks",
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, doc)
	}
}

func keySetHandler(payload []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

func buildJWKS(key *rsa.PublicKey, kid string) ([]byte, error) {
	entry := jwk{
		Kid: kid,
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
	return json.Marshal(jwks{Keys: []jwk{entry}})
}

// ensureTLSFiles generates a self-signed serving certificate when one is not
// already present.
func ensureTLSFiles(certPath, keyPath string) error {
	if fileExists(certPath) && fileExists(keyPath) {
		return nil
	}

	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create tls directory: %w", err)
		}
	}
	return tlscert.GenerateSelfSigned(certPath, keyPath, jwksServerHosts)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func splitList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool { return r == ',' })
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
