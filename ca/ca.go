// Package ca implements the certificate-authority engine behind the SCEP
// service: CA identity bootstrap and loading, serial allocation, the issued
// certificate ledger, the revocation registry with signed CRLs, enrollment
// challenge policies, and the SCEP enrollment state machine itself.
//
// Every mutable CA resource is an explicit value injected into the Engine at
// construction and guards its own critical sections; there is no package
// level state.
package ca

import (
	"crypto/x509/pkix"
	"errors"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrConfigMismatch is returned at startup when the persisted CA
	// certificate's Subject Name does not match the configuration. Treated
	// as fatal: the CA identity is immutable, not silently overridden.
	ErrConfigMismatch = errors.New("persisted CA subject does not match configuration")

	// ErrMalformedRequest is returned when an inbound SCEP message cannot be
	// parsed, its signature envelope does not verify, or the inner CSR is
	// unusable.
	ErrMalformedRequest = errors.New("malformed SCEP request")

	// ErrMissingChallenge is returned when a challenge password is required
	// but the request did not present one.
	ErrMissingChallenge = errors.New("no challenge password presented")

	// ErrBadChallenge is returned when the presented challenge password does
	// not match the configured secret.
	ErrBadChallenge = errors.New("challenge password mismatch")

	// ErrRenewalNotEligible is returned when a renewal request's prior
	// certificate is unknown, revoked, expired, or does not match the CSR.
	ErrRenewalNotEligible = errors.New("prior certificate not eligible for renewal")

	// ErrDuplicateSerial is returned when recording a certificate whose
	// serial already exists in the ledger.
	ErrDuplicateSerial = errors.New("serial number already recorded")

	// ErrCertNotFound is returned when no issued certificate matches the
	// lookup.
	ErrCertNotFound = errors.New("certificate not found")

	// ErrUnknownSerial is returned when revoking a serial that was never
	// issued.
	ErrUnknownSerial = errors.New("no issued certificate with that serial")

	// ErrAlreadyRevoked is returned when revoking a serial that already has
	// a revocation entry. Callers should treat it as a non-fatal
	// confirmation: the serial is revoked either way.
	ErrAlreadyRevoked = errors.New("certificate is already revoked")
)

// ---------------------------------------------------------------------------
// Record types and reserved record IDs
// ---------------------------------------------------------------------------

const (
	recordTypeMeta       = "meta"
	recordTypeCert       = "certificate"
	recordTypeRevocation = "revocation"

	recordIDSerialHighWater = "serial_high_water"
	recordIDCRLState        = "crl_state"
)

// caCertificateSerial is reserved for the self-signed CA certificate; leaf
// issuance starts above it.
const caCertificateSerial uint64 = 1

func serialKey(serial uint64) string {
	return strconv.FormatUint(serial, 10)
}

// dnString formats a pkix.Name as a readable DN string.
func dnString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}
