// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"fmt"
	"sync"

	"github.com/jmcleod/scepd/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing and single-process experiments.
type Repository struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string][]byte)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(recordType, recordID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(recordType, recordID, data)
}

func (r *Repository) putLocked(recordType, recordID string, data []byte) error {
	r.data[makeKey(recordType, recordID)] = append([]byte(nil), data...)
	return nil
}

func (r *Repository) PutIfAbsent(recordType, recordID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putIfAbsentLocked(recordType, recordID, data)
}

func (r *Repository) putIfAbsentLocked(recordType, recordID string, data []byte) error {
	k := makeKey(recordType, recordID)
	if _, ok := r.data[k]; ok {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrExists)
	}
	r.data[k] = append([]byte(nil), data...)
	return nil
}

func (r *Repository) Get(recordType, recordID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.data[makeKey(recordType, recordID)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (r *Repository) List(recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			ids = append(ids, k[len(prefix):])
		}
	}
	return ids, nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[string][]byte, len(r.data))
	for k, v := range r.data {
		snapshot[k] = v
	}

	if err := fn(&memoryBatchTx{repo: r}); err != nil {
		r.data = snapshot
		return err
	}
	return nil
}

type memoryBatchTx struct {
	repo *Repository
}

func (tx *memoryBatchTx) Put(recordType, recordID string, data []byte) error {
	return tx.repo.putLocked(recordType, recordID, data)
}

func (tx *memoryBatchTx) PutIfAbsent(recordType, recordID string, data []byte) error {
	return tx.repo.putIfAbsentLocked(recordType, recordID, data)
}
