// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package identity owns the device's pairing state and certificate material.
//
// The secrets directory holds the P-256 private key, the client certificate,
// the issuing CA certificate and the assigned device id. Either all of them
// are present (paired) or none are (unpaired); anything in between is
// corruption and forces re-pairing. Files are written owner-only via a
// temp-then-rename discipline so a crash never leaves a partial secret.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomtom215/kioskd/internal/logging"
)

// File names inside the secrets directory.
const (
	keyFile      = "client.key"
	certFile     = "client.crt"
	caFile       = "ca.crt"
	deviceIDFile = "device-id"
)

var (
	// ErrNotPaired means no identity material exists yet.
	ErrNotPaired = errors.New("identity: device is not paired")

	// ErrCorrupt means identity material is partial or unparseable.
	// The caller must unpair and re-enrol.
	ErrCorrupt = errors.New("identity: identity material is corrupt")

	// ErrExpired means the client certificate validity window has passed.
	ErrExpired = errors.New("identity: client certificate expired")
)

// Identity is the loaded, verified device identity.
type Identity struct {
	DeviceID   string
	PrivateKey *ecdsa.PrivateKey
	Cert       *x509.Certificate
	CertPEM    []byte
	CAPEM      []byte
	EnrolledAt time.Time
}

// ExpiresAt returns the client certificate's NotAfter.
func (id *Identity) ExpiresAt() time.Time {
	return id.Cert.NotAfter
}

// NeedsRenewal reports whether less than lead remains of the certificate's
// validity window.
func (id *Identity) NeedsRenewal(lead time.Duration) bool {
	return time.Until(id.Cert.NotAfter) < lead
}

// TLSCertificate assembles the material for mutual TLS.
func (id *Identity) TLSCertificate() (tls.Certificate, error) {
	keyPEM, err := marshalKeyPEM(id.PrivateKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(id.CertPEM, keyPEM)
}

// CAPool returns a pool containing the issuing CA.
func (id *Identity) CAPool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(id.CAPEM) {
		return nil, fmt.Errorf("%w: CA certificate not parseable", ErrCorrupt)
	}
	return pool, nil
}

// Store manages identity material on disk. All mutations go through the
// store; nothing else touches the secrets directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating it owner-only if missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create secrets dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the secrets directory path.
func (s *Store) Dir() string { return s.dir }

// Load reads and verifies the identity. Returns ErrNotPaired when no
// material exists, ErrCorrupt when it is partial or inconsistent.
func (s *Store) Load() (*Identity, error) {
	keyPEM, keyErr := os.ReadFile(filepath.Join(s.dir, keyFile))
	certPEM, certErr := os.ReadFile(filepath.Join(s.dir, certFile))
	caPEM, caErr := os.ReadFile(filepath.Join(s.dir, caFile))
	idBytes, idErr := os.ReadFile(filepath.Join(s.dir, deviceIDFile))

	missing := 0
	for _, err := range []error{keyErr, certErr, caErr, idErr} {
		if os.IsNotExist(err) {
			missing++
		} else if err != nil {
			return nil, fmt.Errorf("identity: read secrets: %w", err)
		}
	}
	if missing == 4 {
		return nil, ErrNotPaired
	}
	if missing > 0 {
		return nil, fmt.Errorf("%w: %d of 4 files missing", ErrCorrupt, missing)
	}

	key, err := parseKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrCorrupt, err)
	}

	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: client certificate: %v", ErrCorrupt, err)
	}

	// The key must match the certificate, otherwise the pair cannot
	// authenticate as the recorded device id.
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, fmt.Errorf("%w: key does not match certificate", ErrCorrupt)
	}

	if _, err := parseCertPEM(caPEM); err != nil {
		return nil, fmt.Errorf("%w: CA certificate: %v", ErrCorrupt, err)
	}

	deviceID := strings.TrimSpace(string(idBytes))
	if deviceID == "" {
		return nil, fmt.Errorf("%w: empty device id", ErrCorrupt)
	}

	return &Identity{
		DeviceID:   deviceID,
		PrivateKey: key,
		Cert:       cert,
		CertPEM:    certPEM,
		CAPEM:      caPEM,
		EnrolledAt: cert.NotBefore,
	}, nil
}

// GenerateKey produces a fresh P-256 private key. The key stays in memory
// until Install persists it together with the issued certificates.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return key, nil
}

// CreateCSR produces a PEM-encoded PKCS#10 certificate signing request bound
// to key, with the device id as common name.
func CreateCSR(key *ecdsa.PrivateKey, deviceID string) ([]byte, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("identity: CSR requires a device id")
	}
	tmpl := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: deviceID},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("identity: create CSR: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// Install atomically persists the full identity. The write order is key,
// CA, cert, device id; each file lands via temp-then-rename with mode 0600.
func (s *Store) Install(key *ecdsa.PrivateKey, certPEM, caPEM []byte, deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("identity: install requires a device id")
	}

	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return fmt.Errorf("identity: issued certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return fmt.Errorf("identity: issued certificate does not match key")
	}
	if _, err := parseCertPEM(caPEM); err != nil {
		return fmt.Errorf("identity: issued CA certificate: %w", err)
	}

	keyPEM, err := marshalKeyPEM(key)
	if err != nil {
		return err
	}

	writes := []struct {
		name string
		data []byte
	}{
		{keyFile, keyPEM},
		{caFile, caPEM},
		{certFile, certPEM},
		{deviceIDFile, []byte(deviceID + "\n")},
	}
	for _, w := range writes {
		if err := writeFileAtomic(filepath.Join(s.dir, w.name), w.data, 0o600); err != nil {
			return fmt.Errorf("identity: write %s: %w", w.name, err)
		}
	}

	logging.Info().
		Str("device_id", deviceID).
		Time("expires", cert.NotAfter).
		Msg("identity installed")
	return nil
}

// Unpair removes all identity material, returning the device to the
// unpaired state. Missing files are not an error.
func (s *Store) Unpair() error {
	for _, name := range []string{certFile, caFile, deviceIDFile, keyFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("identity: remove %s: %w", name, err)
		}
	}
	logging.Warn().Msg("identity removed, device unpaired")
	return nil
}

// writeFileAtomic writes data to path via a temp file in the same directory
// followed by rename, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func marshalKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func parseKeyPEM(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("no EC PRIVATE KEY block")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func parseCertPEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE block")
	}
	return x509.ParseCertificate(block.Bytes)
}
