// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/scepd/storage"
)

// Store implements storage.Repository backed by a BBolt database. Each
// record type maps to its own bucket.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func putInBucket(tx *bbolt.Tx, recordType, recordID string, data []byte) error {
	b, err := tx.CreateBucketIfNotExists([]byte(recordType))
	if err != nil {
		return err
	}
	return b.Put([]byte(recordID), data)
}

func putIfAbsentInBucket(tx *bbolt.Tx, recordType, recordID string, data []byte) error {
	b, err := tx.CreateBucketIfNotExists([]byte(recordType))
	if err != nil {
		return err
	}
	if b.Get([]byte(recordID)) != nil {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrExists)
	}
	return b.Put([]byte(recordID), data)
}

func (s *Store) Put(recordType, recordID string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putInBucket(tx, recordType, recordID, data)
	})
}

func (s *Store) PutIfAbsent(recordType, recordID string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putIfAbsentInBucket(tx, recordType, recordID, data)
	})
}

func (s *Store) Get(recordType, recordID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordType))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
		}
		data := b.Get([]byte(recordID))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
		}
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) List(recordType string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordType))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

type boltBatchTx struct {
	tx *bbolt.Tx
}

func (t *boltBatchTx) Put(recordType, recordID string, data []byte) error {
	return putInBucket(t.tx, recordType, recordID, data)
}

func (t *boltBatchTx) PutIfAbsent(recordType, recordID string, data []byte) error {
	return putIfAbsentInBucket(t.tx, recordType, recordID, data)
}

// Batch executes fn within a single BBolt write transaction. Any error rolls
// back every write made through the transaction.
func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltBatchTx{tx: tx})
	})
}
