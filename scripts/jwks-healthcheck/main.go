// Command jwks-healthcheck probes a local OIDC discovery endpoint and exits
// non-zero when the document or its advertised key set is unusable. Compose
// uses it as the jwks-server healthcheck.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

type discoveryDocument struct {
	Issuer string `json:"issuer"`
	// JWKSURI points at the key set; the probe follows it.
	JWKSURI string `json:"jwks_uri"`
}

func main() {
	url := flag.String("url", "https://localhost:9000/.well-known/openid-configuration", "discovery endpoint to probe")
	timeout := flag.Duration("timeout", 3*time.Second, "per-request timeout")
	expectedIssuer := flag.String("expected-issuer", "", "require the advertised issuer to match this value")
	caFile := flag.String("ca-file", "", "CA bundle to trust; empty skips TLS verification for the local self-signed cert")
	flag.Parse()

	client, err := newHTTPClient(*timeout, *caFile)
	if err != nil {
		fail(err)
	}
	if err := probe(client, *url, *expectedIssuer); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}

// newHTTPClient trusts the given CA bundle when one is provided. Without one
// it skips TLS verification, which the local compose stack relies on for its
// self-signed certificate.
func newHTTPClient(timeout time.Duration, caFile string) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: true}
	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("failed to parse CA file %s", caFile)
		}
		tlsConfig = &tls.Config{RootCAs: pool}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

func probe(client *http.Client, url, expectedIssuer string) error {
	doc, err := fetchDiscovery(client, url)
	if err != nil {
		return err
	}

	if strings.TrimSpace(doc.Issuer) == "" {
		return fmt.Errorf("discovery document has no issuer")
	}
	if strings.TrimSpace(doc.JWKSURI) == "" {
		return fmt.Errorf("discovery document has no jwks_uri")
	}
	if expectedIssuer != "" && doc.Issuer != expectedIssuer {
		return fmt.Errorf("issuer mismatch: advertised %q, expected %q", doc.Issuer, expectedIssuer)
	}

	return checkJWKS(client, doc.JWKSURI)
}

func fetchDiscovery(client *http.Client, url string) (*discoveryDocument, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}
	return &doc, nil
}

// checkJWKS confirms the advertised key set actually serves keys, not just
// a reachable URL.
func checkJWKS(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("jwks request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var keySet struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		return fmt.Errorf("failed to decode jwks document: %w", err)
	}
	if len(keySet.Keys) == 0 {
		return fmt.Errorf("jwks document contains no keys")
	}
	return nil
}
