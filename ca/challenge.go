package ca

import (
	"bytes"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
)

// EnrollmentRequest is the transient, decoded form of one SCEP enrollment
// transaction. It lives for the duration of the transaction and is never
// persisted.
type EnrollmentRequest struct {
	// CSR is the decrypted inner PKCS#10 request.
	CSR *x509.CertificateRequest

	// ChallengePassword is the challengePassword attribute carried in the
	// CSR, empty if none was presented.
	ChallengePassword string

	// SignerCertificate is the certificate that signed the outer PKCS#7
	// envelope: self-signed for initial enrollment, a previously issued
	// certificate for renewal. The envelope signature has already been
	// verified against it by the decode step.
	SignerCertificate *x509.Certificate
}

// Authenticator decides whether an enrollment request may be honored.
// Implementations return nil to authenticate or one of the protocol
// rejection sentinels.
type Authenticator interface {
	Authenticate(req *EnrollmentRequest) error
}

// ---------------------------------------------------------------------------
// Static shared secret
// ---------------------------------------------------------------------------

// StaticChallenge authenticates requests against a single configured shared
// secret. The secret lives in a memguard enclave and is only held in plain
// memory for the duration of one comparison. With no secret configured it
// rejects every request.
type StaticChallenge struct {
	secret *memguard.Enclave
}

var _ Authenticator = (*StaticChallenge)(nil)

// NewStaticChallenge seals the shared secret. An empty secret yields a
// policy that always rejects.
func NewStaticChallenge(secret string) *StaticChallenge {
	c := &StaticChallenge{}
	if secret != "" {
		c.secret = memguard.NewEnclave([]byte(secret))
	}
	return c
}

// Authenticate compares the presented challenge password against the sealed
// secret in constant time.
func (c *StaticChallenge) Authenticate(req *EnrollmentRequest) error {
	if req.ChallengePassword == "" {
		return ErrMissingChallenge
	}
	if c.secret == nil {
		return ErrBadChallenge
	}

	buf, err := c.secret.Open()
	if err != nil {
		return fmt.Errorf("opening challenge secret: %w", err)
	}
	defer buf.Destroy()

	if subtle.ConstantTimeCompare(buf.Bytes(), []byte(req.ChallengePassword)) != 1 {
		return ErrBadChallenge
	}
	return nil
}

// ---------------------------------------------------------------------------
// Renewal by signature
// ---------------------------------------------------------------------------

// RenewalChallenge authenticates a request by proof of possession of a
// previously issued, still-valid certificate's key: the PKCS#7 envelope must
// be signed with a certificate this CA issued, recorded in the ledger,
// neither revoked nor expired, for the same subject the CSR requests.
type RenewalChallenge struct {
	caCert   *x509.Certificate
	ledger   *Ledger
	registry *Registry
}

var _ Authenticator = (*RenewalChallenge)(nil)

// NewRenewalChallenge returns a renewal policy over the given ledger and
// revocation registry.
func NewRenewalChallenge(caCert *x509.Certificate, ledger *Ledger, registry *Registry) *RenewalChallenge {
	return &RenewalChallenge{caCert: caCert, ledger: ledger, registry: registry}
}

// Authenticate verifies the prior certificate's provenance and standing.
// Possession of its key is already proven: the CMS layer verified the outer
// signature against SignerCertificate during decode.
func (c *RenewalChallenge) Authenticate(req *EnrollmentRequest) error {
	prior := req.SignerCertificate
	if prior == nil {
		return fmt.Errorf("%w: no signer certificate in request", ErrRenewalNotEligible)
	}
	if err := prior.CheckSignatureFrom(c.caCert); err != nil {
		return fmt.Errorf("%w: signer certificate was not issued by this CA", ErrRenewalNotEligible)
	}

	serial := prior.SerialNumber.Uint64()
	record, err := c.ledger.BySerial(serial)
	if err != nil {
		if errors.Is(err, ErrCertNotFound) {
			return fmt.Errorf("%w: serial %d not in ledger", ErrRenewalNotEligible, serial)
		}
		return err
	}
	recorded, err := record.Certificate()
	if err != nil {
		return err
	}
	if !bytes.Equal(recorded.Raw, prior.Raw) {
		return fmt.Errorf("%w: signer certificate does not match ledger record for serial %d", ErrRenewalNotEligible, serial)
	}

	now := time.Now()
	if now.Before(prior.NotBefore) || now.After(prior.NotAfter) {
		return fmt.Errorf("%w: prior certificate expired %s", ErrRenewalNotEligible, prior.NotAfter.UTC().Format(time.RFC3339))
	}
	if c.registry.IsRevoked(serial) {
		return fmt.Errorf("%w: prior certificate serial %d is revoked", ErrRenewalNotEligible, serial)
	}
	if req.CSR.Subject.CommonName != prior.Subject.CommonName {
		return fmt.Errorf("%w: CSR subject %q does not match prior certificate %q",
			ErrRenewalNotEligible, req.CSR.Subject.CommonName, prior.Subject.CommonName)
	}
	return nil
}
