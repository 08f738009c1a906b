package ca

import (
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/micromdm/scep/v2/scep"
	"go.mozilla.org/pkcs7"
)

// SCEP operations exposed to the transport adapter.
const (
	OpGetCACert    = "GetCACert"
	OpGetCACaps    = "GetCACaps"
	OpGetCRL       = "GetCRL"
	OpPKIOperation = "PKIOperation"
)

// Outcome classifies an engine response for the transport adapter.
type Outcome int

const (
	// OutcomeSuccess carries a well-formed protocol response, including
	// SCEP-level failure CertReps: a rejected enrollment is still a
	// successful protocol exchange.
	OutcomeSuccess Outcome = iota

	// OutcomeBadRequest means the message was malformed. SCEP clients key
	// retry behavior off this: do not retry with the same input.
	OutcomeBadRequest

	// OutcomeServerError means the CA could not complete the operation;
	// the client may retry.
	OutcomeServerError
)

// Content types for SCEP responses.
const (
	ContentTypeCACert     = "application/x-x509-ca-cert"
	ContentTypePKIMessage = "application/x-pki-message"
	ContentTypeCRL        = "application/x-pkcs7-crl"
	ContentTypeText       = "text/plain"
)

// capabilities is the static GetCACaps list.
var capabilities = []string{
	"Renewal",
	"SHA-256",
	"AES",
	"DES3",
	"POSTPKIOperation",
	"SCEPStandard",
}

// Response is an engine reply handed back to the transport adapter as an
// opaque payload plus a status classification.
type Response struct {
	Data        []byte
	ContentType string
	Outcome     Outcome
}

// Engine is the SCEP enrollment state machine. One enrollment transaction
// runs to completion or failure within a single PKIOperation call; requests
// only contend on the serial allocator and the revocation registry.
type Engine struct {
	ident        *Identity
	serials      *SerialAllocator
	ledger       *Ledger
	registry     *Registry
	static       *StaticChallenge
	renewal      *RenewalChallenge
	validityDays int
	log          *slog.Logger
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger. Defaults to a JSON logger on stderr.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = logger }
}

// NewEngine wires the CA resources into an enrollment engine.
// certValidityDays is the CA's validity policy for issued certificates; the
// engine never honors client-requested validity.
func NewEngine(ident *Identity, serials *SerialAllocator, ledger *Ledger, registry *Registry, static *StaticChallenge, certValidityDays int, opts ...EngineOption) *Engine {
	e := &Engine{
		ident:        ident,
		serials:      serials,
		ledger:       ledger,
		registry:     registry,
		static:       static,
		renewal:      NewRenewalChallenge(ident.Certificate(), ledger, registry),
		validityDays: certValidityDays,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return e
}

// CACert returns the CA certificate as raw DER.
func (e *Engine) CACert() *Response {
	return &Response{
		Data:        e.ident.Certificate().Raw,
		ContentType: ContentTypeCACert,
		Outcome:     OutcomeSuccess,
	}
}

// Caps returns the capability list for GetCACaps.
func (e *Engine) Caps() *Response {
	return &Response{
		Data:        []byte(strings.Join(capabilities, "\n")),
		ContentType: ContentTypeText,
		Outcome:     OutcomeSuccess,
	}
}

// CRL returns the current signed CRL.
func (e *Engine) CRL() *Response {
	der, err := e.registry.CurrentCRL()
	if err != nil {
		e.log.Error("CRL generation failed", "error", err)
		return &Response{Outcome: OutcomeServerError}
	}
	return &Response{
		Data:        der,
		ContentType: ContentTypeCRL,
		Outcome:     OutcomeSuccess,
	}
}

// PKIOperation runs one enrollment transaction:
// decode, authenticate, issue, encode. Decode failures are reported as
// bad-request; authentication failures become SCEP failure CertReps; storage
// and signing failures abort with server-error and no certificate is
// returned or recorded.
func (e *Engine) PKIOperation(raw []byte) *Response {
	req, msg, err := e.decode(raw)
	if err != nil {
		e.log.Warn("rejected malformed SCEP request", "error", err)
		return &Response{Outcome: OutcomeBadRequest}
	}

	if err := e.authenticate(req); err != nil {
		e.log.Warn("rejected enrollment",
			"subject", req.CSR.Subject.CommonName,
			"transaction_id", string(msg.TransactionID),
			"reason", err)
		return e.fail(msg)
	}

	issued, err := e.issue(req)
	if err != nil {
		e.log.Error("issuance failed",
			"subject", req.CSR.Subject.CommonName,
			"transaction_id", string(msg.TransactionID),
			"error", err)
		return &Response{Outcome: OutcomeServerError}
	}

	certRep, err := msg.Success(e.ident.cert, e.ident.key, issued)
	if err != nil {
		e.log.Error("encoding CertRep failed", "error", err)
		return &Response{Outcome: OutcomeServerError}
	}

	e.log.Info("issued certificate",
		"serial", issued.SerialNumber.Uint64(),
		"subject", issued.Subject.CommonName,
		"transaction_id", string(msg.TransactionID),
		"not_after", issued.NotAfter.UTC().Format(time.RFC3339))

	return &Response{
		Data:        certRep.Raw,
		ContentType: ContentTypePKIMessage,
		Outcome:     OutcomeSuccess,
	}
}

// decode parses and verifies the signed-and-enveloped request and extracts
// the transient EnrollmentRequest. All failures map to ErrMalformedRequest.
func (e *Engine) decode(raw []byte) (*EnrollmentRequest, *scep.PKIMessage, error) {
	// Inbound requests are signed with the client's own certificate, which
	// travels inside the SignedData; verification must use it, not ours.
	msg, err := scep.ParsePKIMessage(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if msg.MessageType != scep.PKCSReq && msg.MessageType != scep.RenewalReq {
		return nil, nil, fmt.Errorf("%w: unexpected message type %s", ErrMalformedRequest, msg.MessageType)
	}

	if err := msg.DecryptPKIEnvelope(e.ident.cert, e.ident.key); err != nil {
		return nil, nil, fmt.Errorf("%w: decrypting envelope: %v", ErrMalformedRequest, err)
	}
	csr := msg.CSRReqMessage.CSR
	if err := csr.CheckSignature(); err != nil {
		return nil, nil, fmt.Errorf("%w: CSR signature invalid: %v", ErrMalformedRequest, err)
	}

	// ParsePKIMessage verified the outer SignedData; re-open it to get the
	// signer certificate for the renewal path.
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	return &EnrollmentRequest{
		CSR:               csr,
		ChallengePassword: msg.CSRReqMessage.ChallengePassword,
		SignerCertificate: p7.GetOnlySigner(),
	}, msg, nil
}

// authenticate selects the policy by request shape: renewal-by-signature
// when the envelope is signed with a certificate this CA issued, otherwise
// the static challenge.
func (e *Engine) authenticate(req *EnrollmentRequest) error {
	if req.SignerCertificate != nil && req.SignerCertificate.CheckSignatureFrom(e.ident.cert) == nil {
		return e.renewal.Authenticate(req)
	}
	return e.static.Authenticate(req)
}

// issue allocates a serial, signs a certificate binding the CSR's public key
// to its subject, and records it in the ledger. The certificate template is
// a strict allow-list: only subject and public key come from the request;
// key usages, extensions and validity are CA policy. No certificate is
// returned unless both signing and the ledger write succeed.
func (e *Engine) issue(req *EnrollmentRequest) (*x509.Certificate, error) {
	serial, err := e.serials.Next()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          new(big.Int).SetUint64(serial),
		Subject:               req.CSR.Subject,
		NotBefore:             now.Add(-10 * time.Minute), // clock skew allowance
		NotAfter:              now.AddDate(0, 0, e.validityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, e.ident.cert, req.CSR.PublicKey, e.ident.Signer())
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	issued, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate: %w", err)
	}

	if err := e.ledger.Record(NewIssuedCertificate(issued)); err != nil {
		return nil, err
	}
	return issued, nil
}

// fail encodes a SCEP failure CertRep. A protocol-level rejection is a
// successful exchange from the transport's point of view.
func (e *Engine) fail(msg *scep.PKIMessage) *Response {
	certRep, err := msg.Fail(e.ident.cert, e.ident.key, scep.BadRequest)
	if err != nil {
		e.log.Error("encoding failure CertRep failed", "error", err)
		return &Response{Outcome: OutcomeServerError}
	}
	return &Response{
		Data:        certRep.Raw,
		ContentType: ContentTypePKIMessage,
		Outcome:     OutcomeSuccess,
	}
}
