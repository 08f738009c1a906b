package ca

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmcleod/scepd/storage"
)

// IssuedCertificate is the ledger's durable record of one issued
// certificate. Immutable after creation; revocation is tracked separately in
// the Registry.
type IssuedCertificate struct {
	Serial            uint64    `json:"serial"`
	Subject           string    `json:"subject"`
	CommonName        string    `json:"common_name"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	CertificatePEM    string    `json:"certificate"`
}

// NewIssuedCertificate builds a ledger record from a parsed certificate.
func NewIssuedCertificate(cert *x509.Certificate) *IssuedCertificate {
	fingerprint := sha256.Sum256(cert.Raw)
	return &IssuedCertificate{
		Serial:            cert.SerialNumber.Uint64(),
		Subject:           dnString(cert.Subject),
		CommonName:        cert.Subject.CommonName,
		FingerprintSHA256: hex.EncodeToString(fingerprint[:]),
		NotBefore:         cert.NotBefore.UTC(),
		NotAfter:          cert.NotAfter.UTC(),
		CertificatePEM:    string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})),
	}
}

// Certificate parses the record's PEM back into an x509.Certificate.
func (ic *IssuedCertificate) Certificate() (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(ic.CertificatePEM))
	if block == nil {
		return nil, fmt.Errorf("serial %d: no CERTIFICATE PEM block in ledger record", ic.Serial)
	}
	return x509.ParseCertificate(block.Bytes)
}

// Ledger is the append-only record of all certificates this CA has issued,
// keyed by serial. Records are never deleted.
type Ledger struct {
	repo storage.Repository
}

// NewLedger returns a Ledger over the given repository.
func NewLedger(repo storage.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// Record appends an issued certificate. Fails with ErrDuplicateSerial if the
// serial is already present.
func (l *Ledger) Record(ic *IssuedCertificate) error {
	data, err := json.Marshal(ic)
	if err != nil {
		return fmt.Errorf("encoding certificate record: %w", err)
	}
	if err := l.repo.PutIfAbsent(recordTypeCert, serialKey(ic.Serial), data); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return fmt.Errorf("serial %d: %w", ic.Serial, ErrDuplicateSerial)
		}
		return fmt.Errorf("recording certificate: %w", err)
	}
	return nil
}

// BySerial returns the certificate record for the given serial, or
// ErrCertNotFound.
func (l *Ledger) BySerial(serial uint64) (*IssuedCertificate, error) {
	data, err := l.repo.Get(recordTypeCert, serialKey(serial))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("serial %d: %w", serial, ErrCertNotFound)
		}
		return nil, fmt.Errorf("loading certificate record: %w", err)
	}
	var ic IssuedCertificate
	if err := json.Unmarshal(data, &ic); err != nil {
		return nil, fmt.Errorf("decoding certificate record: %w", err)
	}
	return &ic, nil
}

// BySubject returns all certificates issued for the given common name, most
// recently issued first. Renewal uses this to locate the certificate a
// request claims to extend.
func (l *Ledger) BySubject(commonName string) ([]*IssuedCertificate, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	var matches []*IssuedCertificate
	for _, ic := range all {
		if ic.CommonName == commonName {
			matches = append(matches, ic)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].NotBefore.Equal(matches[j].NotBefore) {
			return matches[i].NotBefore.After(matches[j].NotBefore)
		}
		return matches[i].Serial > matches[j].Serial
	})
	return matches, nil
}

// All returns every issued certificate record, ordered by serial.
func (l *Ledger) All() ([]*IssuedCertificate, error) {
	ids, err := l.repo.List(recordTypeCert)
	if err != nil {
		return nil, fmt.Errorf("listing certificate records: %w", err)
	}
	out := make([]*IssuedCertificate, 0, len(ids))
	for _, id := range ids {
		data, err := l.repo.Get(recordTypeCert, id)
		if err != nil {
			return nil, fmt.Errorf("loading certificate record %s: %w", id, err)
		}
		var ic IssuedCertificate
		if err := json.Unmarshal(data, &ic); err != nil {
			return nil, fmt.Errorf("decoding certificate record %s: %w", id, err)
		}
		out = append(out, &ic)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

// Count returns the number of issued certificates.
func (l *Ledger) Count() (int, error) {
	ids, err := l.repo.List(recordTypeCert)
	if err != nil {
		return 0, fmt.Errorf("listing certificate records: %w", err)
	}
	return len(ids), nil
}
