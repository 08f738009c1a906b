package ca

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/jmcleod/scepd/storage"
)

// SerialAllocator hands out strictly increasing, unique serial numbers. The
// high-water mark is persisted before a serial is returned to the caller, so
// a crash can waste a serial but never reuse one. Next is linearizable: the
// read-increment-persist sequence runs under one mutex.
type SerialAllocator struct {
	mu      sync.Mutex
	repo    storage.Repository
	current uint64
}

// NewSerialAllocator loads the persisted high-water mark. A fresh store
// starts at the CA certificate's own serial, so the first allocation is 2.
func NewSerialAllocator(repo storage.Repository) (*SerialAllocator, error) {
	a := &SerialAllocator{repo: repo, current: caCertificateSerial}

	data, err := repo.Get(recordTypeMeta, recordIDSerialHighWater)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return a, nil
	case err != nil:
		return nil, fmt.Errorf("loading serial high-water mark: %w", err)
	}

	hwm, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decoding serial high-water mark %q: %w", data, err)
	}
	if hwm < caCertificateSerial {
		return nil, fmt.Errorf("serial high-water mark %d below reserved CA serial", hwm)
	}
	a.current = hwm
	return a, nil
}

// Next allocates the next serial number. The new high-water mark is durable
// before Next returns; on persistence failure no serial is handed out.
func (a *SerialAllocator) Next() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.current + 1
	if err := a.repo.Put(recordTypeMeta, recordIDSerialHighWater, []byte(serialKey(next))); err != nil {
		return 0, fmt.Errorf("persisting serial high-water mark: %w", err)
	}
	a.current = next
	return next, nil
}

// Current returns the highest serial handed out so far.
func (a *SerialAllocator) Current() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
