package ca

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/scepd/storage"
)

// x509 CRL reason codes (RFC 5280 section 5.3.1).
const (
	ReasonUnspecified          = 0
	ReasonKeyCompromise        = 1
	ReasonCACompromise         = 2
	ReasonAffiliationChanged   = 3
	ReasonSuperseded           = 4
	ReasonCessationOfOperation = 5
)

var reasonNames = map[string]int{
	"unspecified":          ReasonUnspecified,
	"keyCompromise":        ReasonKeyCompromise,
	"caCompromise":         ReasonCACompromise,
	"affiliationChanged":   ReasonAffiliationChanged,
	"superseded":           ReasonSuperseded,
	"cessationOfOperation": ReasonCessationOfOperation,
}

// ParseReason maps a reason name (or numeric string) to its CRL reason code.
func ParseReason(s string) (int, error) {
	if code, ok := reasonNames[s]; ok {
		return code, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil || code < 0 {
		return 0, fmt.Errorf("unknown revocation reason %q", s)
	}
	return code, nil
}

// RevocationEntry records a single revoked certificate. Once present it is
// permanent; there is no un-revoke.
type RevocationEntry struct {
	Serial    uint64    `json:"serial"`
	RevokedAt time.Time `json:"revoked_at"`
	Reason    int       `json:"reason"`
}

// crlNextUpdateWindow is how far ahead NextUpdate is set on generated CRLs.
const crlNextUpdateWindow = 7 * 24 * time.Hour

// crlState is the persisted CRL metadata: the number of the last generated
// CRL and, while no revocation has invalidated it, its exact DER bytes.
type crlState struct {
	Number int64  `json:"number"`
	DER    []byte `json:"der,omitempty"`
}

// Registry is the durable set of revoked serials. It signs CRLs on demand
// and caches the result until the next revocation invalidates it; the cached
// bytes are persisted with the CRL number, so a restart replays the same CRL
// until the next revocation. One mutex serializes Revoke against CRL
// generation so a CRL read never observes a partially applied revocation.
type Registry struct {
	mu        sync.Mutex
	repo      storage.Repository
	ident     *Identity
	ledger    *Ledger
	entries   map[uint64]RevocationEntry
	crlNumber int64
	cachedCRL []byte
}

// NewRegistry loads the full revocation history before serving; a registry
// that cannot reload its entries refuses to start.
func NewRegistry(repo storage.Repository, ident *Identity, ledger *Ledger) (*Registry, error) {
	r := &Registry{
		repo:    repo,
		ident:   ident,
		ledger:  ledger,
		entries: make(map[uint64]RevocationEntry),
	}

	ids, err := repo.List(recordTypeRevocation)
	if err != nil {
		return nil, fmt.Errorf("listing revocation entries: %w", err)
	}
	for _, id := range ids {
		data, err := repo.Get(recordTypeRevocation, id)
		if err != nil {
			return nil, fmt.Errorf("loading revocation entry %s: %w", id, err)
		}
		var entry RevocationEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("decoding revocation entry %s: %w", id, err)
		}
		r.entries[entry.Serial] = entry
	}

	data, err := repo.Get(recordTypeMeta, recordIDCRLState)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// first run, CRL number starts at zero
	case err != nil:
		return nil, fmt.Errorf("loading CRL state: %w", err)
	default:
		var state crlState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("decoding CRL state: %w", err)
		}
		r.crlNumber = state.Number
		if len(state.DER) > 0 {
			r.cachedCRL = state.DER
		}
	}

	return r, nil
}

// Revoke adds a revocation entry for serial. Fails with ErrUnknownSerial if
// the serial was never issued and ErrAlreadyRevoked if an entry exists.
// AlreadyRevoked is a confirmation, not a state change that was refused.
func (r *Registry) Revoke(serial uint64, reason int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.ledger.BySerial(serial); err != nil {
		if errors.Is(err, ErrCertNotFound) {
			return fmt.Errorf("serial %d: %w", serial, ErrUnknownSerial)
		}
		return err
	}
	if _, ok := r.entries[serial]; ok {
		return fmt.Errorf("serial %d: %w", serial, ErrAlreadyRevoked)
	}

	entry := RevocationEntry{
		Serial:    serial,
		RevokedAt: time.Now().UTC(),
		Reason:    reason,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding revocation entry: %w", err)
	}
	stale, err := json.Marshal(crlState{Number: r.crlNumber})
	if err != nil {
		return fmt.Errorf("encoding CRL state: %w", err)
	}

	// One transaction: the revocation entry and the invalidation of the
	// persisted CRL are durable together.
	err = r.repo.Batch(func(tx storage.BatchTx) error {
		if err := tx.PutIfAbsent(recordTypeRevocation, serialKey(serial), data); err != nil {
			return fmt.Errorf("persisting revocation entry: %w", err)
		}
		return tx.Put(recordTypeMeta, recordIDCRLState, stale)
	})
	if err != nil {
		return err
	}

	r.entries[serial] = entry
	r.cachedCRL = nil
	return nil
}

// IsRevoked reports whether serial has a revocation entry.
func (r *Registry) IsRevoked(serial uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[serial]
	return ok
}

// Entries returns a copy of all revocation entries, ordered by serial.
func (r *Registry) Entries() []RevocationEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RevocationEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// CurrentCRL returns the DER-encoded CRL signed with the CA key. The result
// is cached until the next Revoke; re-requesting without an intervening
// revocation returns byte-identical output.
func (r *Registry) CurrentCRL() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cachedCRL != nil {
		return append([]byte(nil), r.cachedCRL...), nil
	}

	revoked := make([]x509.RevocationListEntry, 0, len(r.entries))
	for _, e := range r.entries {
		revoked = append(revoked, x509.RevocationListEntry{
			SerialNumber:   new(big.Int).SetUint64(e.Serial),
			RevocationTime: e.RevokedAt,
			ReasonCode:     e.Reason,
		})
	}
	sort.Slice(revoked, func(i, j int) bool {
		return revoked[i].SerialNumber.Cmp(revoked[j].SerialNumber) < 0
	})

	nextNumber := r.crlNumber + 1
	now := time.Now().UTC()
	template := &x509.RevocationList{
		Number:                    big.NewInt(nextNumber),
		ThisUpdate:                now,
		NextUpdate:                now.Add(crlNextUpdateWindow),
		RevokedCertificateEntries: revoked,
	}

	der, err := x509.CreateRevocationList(rand.Reader, template, r.ident.Certificate(), r.ident.Signer())
	if err != nil {
		return nil, fmt.Errorf("creating CRL: %w", err)
	}

	state, err := json.Marshal(crlState{Number: nextNumber, DER: der})
	if err != nil {
		return nil, fmt.Errorf("encoding CRL state: %w", err)
	}
	if err := r.repo.Put(recordTypeMeta, recordIDCRLState, state); err != nil {
		return nil, fmt.Errorf("persisting CRL state: %w", err)
	}
	r.crlNumber = nextNumber
	r.cachedCRL = der

	return append([]byte(nil), der...), nil
}

// CRLNumber returns the number of the most recently generated CRL.
func (r *Registry) CRLNumber() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.crlNumber
}
