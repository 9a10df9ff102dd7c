// Command jwt-mint signs a development token accepted by a planql server
// pointed at the local jwks-server issuer.
package main

import (
	"crypto/rsa"
	"flag"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type mintOptions struct {
	issuer    string
	audience  []string
	subject   string
	projectID string
	kid       string
	lifetime  time.Duration
}

func main() {
	defaultSubject := "user-1"
	if current, err := user.Current(); err == nil {
		defaultSubject = current.Username
	}

	keyPath := flag.String("key", ".auth/jwt_private.pem", "path to the PEM-encoded RSA signing key")
	issuer := flag.String("issuer", "https://localhost:9000", "iss claim on the token")
	audience := flag.String("audience", "planql", "aud claim, comma separated")
	subject := flag.String("subject", defaultSubject, "sub claim")
	projectID := flag.String("project_id", "", "project_id claim naming the tenant the token is scoped to")
	kid := flag.String("kid", "local-key", "kid header on the signed token")
	expires := flag.Duration("expires", time.Hour, "token lifetime")
	flag.Parse()

	key, err := readSigningKey(*keyPath)
	if err != nil {
		fail(err)
	}

	opts := mintOptions{
		issuer:    *issuer,
		audience:  splitCSV(*audience),
		subject:   *subject,
		projectID: *projectID,
		kid:       *kid,
		lifetime:  *expires,
	}
	signed, err := mintToken(key, opts, time.Now())
	if err != nil {
		fail(err)
	}

	if opts.projectID == "" {
		fmt.Fprintln(os.Stderr, "note: token carries no project_id claim, so query endpoints will reject it")
	}
	fmt.Println(signed)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}

func mintToken(key *rsa.PrivateKey, opts mintOptions, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": opts.issuer,
		"aud": opts.audience,
		"sub": opts.subject,
		"iat": now.Unix(),
		"nbf": now.Add(-time.Minute).Unix(),
		"exp": now.Add(opts.lifetime).Unix(),
	}
	if opts.projectID != "" {
		claims["project_id"] = opts.projectID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = opts.kid
	return token.SignedString(key)
}

func readSigningKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return key, nil
}

func splitCSV(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool { return r == ',' })
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
