// Command jwt-generate-keys creates the RSA key pair used by the local OIDC
// dev stack: jwt-mint signs with the private key and jwks-server publishes
// the public key.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

func main() {
	dir := flag.String("dir", ".auth", "directory the key pair is written to")
	bits := flag.Int("bits", 2048, "RSA modulus size in bits")
	force := flag.Bool("force", false, "overwrite an existing key pair")
	flag.Parse()

	if err := run(*dir, *bits, *force); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(dir string, bits int, force bool) error {
	privatePath := filepath.Join(dir, "jwt_private.pem")
	publicPath := filepath.Join(dir, "jwt_public.pem")

	if !force {
		if err := ensureAbsent(privatePath, publicPath); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("failed to generate RSA key: %w", err)
	}

	if err := writePEM(privatePath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0o600); err != nil {
		return err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	if err := writePEM(publicPath, "PUBLIC KEY", pubDER, 0o644); err != nil {
		return err
	}

	fmt.Printf("key pair written: %s, %s\n", privatePath, publicPath)
	return nil
}

// ensureAbsent refuses to clobber a key pair that running dev processes may
// already be signing and verifying with.
func ensureAbsent(paths ...string) error {
	for _, path := range paths {
		_, err := os.Stat(path)
		if err == nil {
			return fmt.Errorf("%s already exists; pass -force to overwrite", path)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}
	return nil
}

func writePEM(path, pemType string, der []byte, perm os.FileMode) error {
	block := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der})
	if err := os.WriteFile(path, block, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
