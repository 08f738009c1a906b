// Package storage provides the record store abstraction for durable CA state.
package storage

import "errors"

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrExists is returned by PutIfAbsent when a record with the same type and
// ID is already present.
var ErrExists = errors.New("record already exists")

// BatchTx provides writes within an atomic transaction.
type BatchTx interface {
	Put(recordType string, recordID string, data []byte) error
	PutIfAbsent(recordType string, recordID string, data []byte) error
}

// Repository defines the interface for CA record storage. Records are keyed
// by a type (certificate, revocation, meta) and an ID within that type.
// CA state is append-heavy: there is deliberately no Delete.
type Repository interface {
	Put(recordType string, recordID string, data []byte) error
	PutIfAbsent(recordType string, recordID string, data []byte) error
	Get(recordType string, recordID string) ([]byte, error)
	List(recordType string) ([]string, error)
	Batch(fn func(tx BatchTx) error) error
}
