package ca_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/micromdm/scep/v2/cryptoutil/x509util"
	"github.com/micromdm/scep/v2/scep"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/scepd/ca"
	"github.com/jmcleod/scepd/storage"
	"github.com/jmcleod/scepd/storage/memory"
)

const testChallenge = "shared-secret"

// testCA bundles a fully wired CA over an in-memory repository and a
// temp-dir identity.
type testCA struct {
	repo     storage.Repository
	ident    *ca.Identity
	serials  *ca.SerialAllocator
	ledger   *ca.Ledger
	registry *ca.Registry
	engine   *ca.Engine
}

func testSubject() pkix.Name {
	return pkix.Name{
		CommonName:   "Test SCEP CA",
		Organization: []string{"TestOrg"},
		Country:      []string{"US"},
	}
}

func newTestIdentity(t *testing.T) *ca.Identity {
	t.Helper()
	ident, err := ca.LoadIdentity(ca.IdentityConfig{
		Dir:           t.TempDir(),
		Subject:       testSubject(),
		SANDNSName:    "ca.example.com",
		ValidityYears: 10,
	})
	require.NoError(t, err)
	return ident
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	repo := memory.NewRepository()
	ident := newTestIdentity(t)

	serials, err := ca.NewSerialAllocator(repo)
	require.NoError(t, err)
	ledger := ca.NewLedger(repo)
	registry, err := ca.NewRegistry(repo, ident, ledger)
	require.NoError(t, err)

	engine := ca.NewEngine(ident, serials, ledger, registry,
		ca.NewStaticChallenge(testChallenge), 365)

	return &testCA{
		repo:     repo,
		ident:    ident,
		serials:  serials,
		ledger:   ledger,
		registry: registry,
		engine:   engine,
	}
}

// newEnrollmentKey generates the client keypair used for CSRs and for
// signing the SCEP envelope.
func newEnrollmentKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

// newCSR builds a PKCS#10 request with an optional challengePassword.
func newCSR(t *testing.T, key *rsa.PrivateKey, commonName, challenge string) *x509.CertificateRequest {
	t.Helper()
	der, err := x509util.CreateCertificateRequest(rand.Reader, &x509util.CertificateRequest{
		CertificateRequest: x509.CertificateRequest{
			Subject:            pkix.Name{CommonName: commonName, Organization: []string{"TestOrg"}},
			SignatureAlgorithm: x509.SHA256WithRSA,
		},
		ChallengePassword: challenge,
	}, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	return csr
}

// newSelfSignedSigner creates the throwaway self-signed certificate an
// initial enrollment uses to sign its envelope.
func newSelfSignedSigner(t *testing.T, key *rsa.PrivateKey, commonName string) *x509.Certificate {
	t.Helper()
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// newPKCSReq builds a complete signed-and-enveloped SCEP enrollment message.
func newPKCSReq(t *testing.T, tc *testCA, key *rsa.PrivateKey, signerCert *x509.Certificate, csr *x509.CertificateRequest, messageType scep.MessageType) []byte {
	t.Helper()
	tmpl := &scep.PKIMessage{
		MessageType: messageType,
		Recipients:  []*x509.Certificate{tc.ident.Certificate()},
		SignerCert:  signerCert,
		SignerKey:   key,
	}
	msg, err := scep.NewCSRRequest(csr, tmpl)
	require.NoError(t, err)
	return msg.Raw
}

// decodeCertRep parses a CertRep response and, on success status, decrypts
// the degenerate envelope to recover the issued certificate.
func decodeCertRep(t *testing.T, tc *testCA, data []byte, signerCert *x509.Certificate, key *rsa.PrivateKey) *scep.PKIMessage {
	t.Helper()
	msg, err := scep.ParsePKIMessage(data)
	require.NoError(t, err)
	require.NotNil(t, msg.CertRepMessage)
	if msg.CertRepMessage.PKIStatus == scep.SUCCESS {
		require.NoError(t, msg.DecryptPKIEnvelope(signerCert, key))
	}
	return msg
}

// enroll runs one complete static-challenge enrollment and returns the
// issued certificate with its private key.
func enroll(t *testing.T, tc *testCA, commonName string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key := newEnrollmentKey(t)
	csr := newCSR(t, key, commonName, testChallenge)
	signer := newSelfSignedSigner(t, key, commonName)

	resp := tc.engine.PKIOperation(newPKCSReq(t, tc, key, signer, csr, scep.PKCSReq))
	require.Equal(t, ca.OutcomeSuccess, resp.Outcome)

	msg := decodeCertRep(t, tc, resp.Data, signer, key)
	require.Equal(t, scep.SUCCESS, msg.CertRepMessage.PKIStatus)
	require.NotNil(t, msg.CertRepMessage.Certificate)
	return msg.CertRepMessage.Certificate, key
}
