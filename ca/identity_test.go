package ca_test

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/scepd/ca"
)

func TestLoadIdentity_CreatesOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	cfg := ca.IdentityConfig{
		Dir:           dir,
		Subject:       testSubject(),
		SANDNSName:    "ca.example.com",
		ValidityYears: 10,
	}

	ident, err := ca.LoadIdentity(cfg)
	require.NoError(t, err)

	cert := ident.Certificate()
	assert.True(t, cert.IsCA)
	assert.Equal(t, "Test SCEP CA", cert.Subject.CommonName)
	assert.Equal(t, []string{"TestOrg"}, cert.Subject.Organization)
	assert.Contains(t, cert.DNSNames, "ca.example.com")
	assert.EqualValues(t, 1, cert.SerialNumber.Uint64())
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCertSign)
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCRLSign)

	// Self-signed and self-consistent.
	require.NoError(t, cert.CheckSignatureFrom(cert))

	// Both resources persisted, key with restrictive permissions.
	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, "ca.key"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
	_, err = os.Stat(filepath.Join(dir, "ca.pem"))
	require.NoError(t, err)
}

func TestLoadIdentity_LoadsPersistedIdentity(t *testing.T) {
	dir := t.TempDir()
	cfg := ca.IdentityConfig{Dir: dir, Subject: testSubject(), ValidityYears: 10}

	first, err := ca.LoadIdentity(cfg)
	require.NoError(t, err)

	second, err := ca.LoadIdentity(cfg)
	require.NoError(t, err)

	// Identical certificate, not a regeneration.
	assert.Equal(t, first.Certificate().Raw, second.Certificate().Raw)
}

func TestLoadIdentity_ConfigMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	_, err := ca.LoadIdentity(ca.IdentityConfig{Dir: dir, Subject: testSubject(), ValidityYears: 10})
	require.NoError(t, err)

	changed := testSubject()
	changed.CommonName = "Some Other CA"
	_, err = ca.LoadIdentity(ca.IdentityConfig{Dir: dir, Subject: changed, ValidityYears: 10})
	assert.ErrorIs(t, err, ca.ErrConfigMismatch)

	changed = testSubject()
	changed.Organization = []string{"OtherOrg"}
	_, err = ca.LoadIdentity(ca.IdentityConfig{Dir: dir, Subject: changed, ValidityYears: 10})
	assert.ErrorIs(t, err, ca.ErrConfigMismatch)
}

func TestLoadIdentity_MissingKeyIsAnError(t *testing.T) {
	dir := t.TempDir()
	_, err := ca.LoadIdentity(ca.IdentityConfig{Dir: dir, Subject: testSubject(), ValidityYears: 10})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "ca.key")))
	_, err = ca.LoadIdentity(ca.IdentityConfig{Dir: dir, Subject: testSubject(), ValidityYears: 10})
	assert.Error(t, err)
}

func TestIdentity_Sign(t *testing.T) {
	ident := newTestIdentity(t)

	payload := []byte("to be signed")
	sig, err := ident.Sign(payload)
	require.NoError(t, err)

	pub, ok := ident.Certificate().PublicKey.(*rsa.PublicKey)
	require.True(t, ok, "CA key must be RSA for SCEP envelope decryption")

	digest := sha256.Sum256(payload)
	assert.NoError(t, rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig))
}

func TestIdentity_SubjectString(t *testing.T) {
	ident := newTestIdentity(t)
	assert.Equal(t, "CN=Test SCEP CA, O=TestOrg, C=US", ident.SubjectString())
}

func TestLoadIdentity_DefaultSubjectOmitsEmptyAttributes(t *testing.T) {
	ident, err := ca.LoadIdentity(ca.IdentityConfig{
		Dir:           t.TempDir(),
		Subject:       pkix.Name{CommonName: "Bare CA"},
		ValidityYears: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, ident.Certificate().Subject.Organization)
	assert.Empty(t, ident.Certificate().Subject.Country)
}
