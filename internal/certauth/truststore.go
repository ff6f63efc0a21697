package certauth

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"sync"
)

// TrustStore holds the CA certificates and revocation state used to validate
// inbound connection certificates.
type TrustStore struct {
	mu      sync.RWMutex
	roots   []*x509.Certificate
	revoked map[string]struct{} // uppercase hex serial numbers
}

// NewTrustStore creates an empty trust store
func NewTrustStore() *TrustStore {
	return &TrustStore{
		revoked: make(map[string]struct{}),
	}
}

// LoadCAFile adds every CA certificate found in a PEM file
func (t *TrustStore) LoadCAFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read CA file: %w", err)
	}

	count := 0
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("failed to parse CA certificate: %w", err)
		}
		t.AddCA(cert)
		count++
	}

	if count == 0 {
		return fmt.Errorf("no certificates found in %s", path)
	}
	return nil
}

// LoadRevocationFile adds revoked serial numbers, one hex serial per line.
// Blank lines and '#' comments are skipped.
func (t *TrustStore) LoadRevocationFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read revocation file: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t.revoked[strings.ToUpper(line)] = struct{}{}
	}
	return nil
}

// AddCA adds a trusted CA certificate
func (t *TrustStore) AddCA(cert *x509.Certificate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roots = append(t.roots, cert)
}

// Revoke marks a leaf serial number as revoked
func (t *TrustStore) Revoke(serial string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.revoked[strings.ToUpper(serial)] = struct{}{}
}

// IsRevoked reports whether the serial number appears in the revocation list
func (t *TrustStore) IsRevoked(serial string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.revoked[strings.ToUpper(serial)]
	return ok
}

// Pool returns a certificate pool of the current CA set
func (t *TrustStore) Pool() *x509.CertPool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pool := x509.NewCertPool()
	for _, cert := range t.roots {
		pool.AddCert(cert)
	}
	return pool
}

// Size returns the number of trusted CAs
func (t *TrustStore) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.roots)
}
