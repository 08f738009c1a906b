package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	caCertFile = "ca.pem"
	caKeyFile  = "ca.key"

	// SCEP encrypts the PKI envelope to the CA certificate, so the CA key
	// must be capable of decryption; that pins the key type to RSA.
	caKeyBits = 2048
)

// IdentityConfig describes the CA identity to load or create.
type IdentityConfig struct {
	// Dir is the CA root storage location. Created with 0700 if absent.
	Dir string

	// Subject is the CA certificate Subject Name.
	Subject pkix.Name

	// SANDNSName, when set, is added as a DNS SAN on the CA certificate.
	SANDNSName string

	// ValidityYears is the CA certificate lifetime at creation time.
	ValidityYears int
}

// Identity is the CA's key material and self-signed certificate. The private
// key never leaves this package; callers sign through Signer or Sign.
type Identity struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// LoadIdentity loads the CA key and certificate from cfg.Dir, generating and
// persisting them on first run. On load it validates that the persisted
// certificate's Subject Name still matches the configuration and fails with
// ErrConfigMismatch if not. Generation is the only mutation; all later calls
// are read-only.
func LoadIdentity(cfg IdentityConfig) (*Identity, error) {
	certPath := filepath.Join(cfg.Dir, caCertFile)
	keyPath := filepath.Join(cfg.Dir, caKeyFile)

	certData, certErr := os.ReadFile(certPath)
	keyData, keyErr := os.ReadFile(keyPath)

	switch {
	case certErr == nil && keyErr == nil:
		return loadIdentity(cfg, certData, keyData)
	case errors.Is(certErr, os.ErrNotExist) && errors.Is(keyErr, os.ErrNotExist):
		return createIdentity(cfg, certPath, keyPath)
	case certErr == nil:
		return nil, fmt.Errorf("CA certificate present but key missing: %w", keyErr)
	default:
		return nil, fmt.Errorf("CA key present but certificate missing: %w", certErr)
	}
}

func loadIdentity(cfg IdentityConfig, certData, keyData []byte) (*Identity, error) {
	block, _ := pem.Decode(certData)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("parsing CA certificate: no CERTIFICATE PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	key, err := parseKeyPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing CA private key: %w", err)
	}

	if !subjectMatches(cert.Subject, cfg.Subject) {
		return nil, fmt.Errorf("%w: persisted %q, configured %q",
			ErrConfigMismatch, dnString(cert.Subject), dnString(cfg.Subject))
	}

	return &Identity{cert: cert, key: key}, nil
}

func createIdentity(cfg IdentityConfig, certPath, keyPath string) (*Identity, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating CA root directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          new(big.Int).SetUint64(caCertificateSerial),
		Subject:               cfg.Subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(cfg.ValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	if cfg.SANDNSName != "" {
		template.DNSNames = []string{cfg.SANDNSName}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing generated CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	// Key first: a certificate without its key is useless, the reverse is
	// recoverable by deleting the orphan key.
	if err := writeFileAtomic(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("storing CA private key: %w", err)
	}
	if err := writeFileAtomic(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("storing CA certificate: %w", err)
	}

	return &Identity{cert: cert, key: key}, nil
}

func parseKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unexpected PEM type %q", block.Type)
	}
}

// subjectMatches compares the attributes the configuration controls: CN, O, C.
func subjectMatches(persisted, configured pkix.Name) bool {
	if persisted.CommonName != configured.CommonName {
		return false
	}
	if first(persisted.Organization) != first(configured.Organization) {
		return false
	}
	return first(persisted.Country) == first(configured.Country)
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Certificate returns the CA certificate.
func (id *Identity) Certificate() *x509.Certificate {
	return id.cert
}

// Signer returns a crypto.Signer backed by the CA key for use with
// x509.CreateCertificate and x509.CreateRevocationList.
func (id *Identity) Signer() crypto.Signer {
	return id.key
}

// Sign signs toBeSigned with the CA key using RSA PKCS#1 v1.5 over SHA-256.
func (id *Identity) Sign(toBeSigned []byte) ([]byte, error) {
	digest := sha256.Sum256(toBeSigned)
	return rsa.SignPKCS1v15(rand.Reader, id.key, crypto.SHA256, digest[:])
}

// SubjectString returns the CA subject as a readable DN string.
func (id *Identity) SubjectString() string {
	return dnString(id.cert.Subject)
}
