// Package storage provides the storage abstraction for sealed session records.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when a namespace has never been written.
	ErrNamespaceNotFound = errors.New("namespace not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Repository defines the interface for sealed record storage.
//
// Records are addressed by namespace, record type and record id. PutCAS
// writes only when the stored envelope's Version equals expectedVersion; an
// expectedVersion of zero means the record must not exist yet.
type Repository interface {
	Put(ctx context.Context, namespace, recordType, recordID string, envelope *Envelope) error
	Get(ctx context.Context, namespace, recordType, recordID string) (*Envelope, error)
	Delete(ctx context.Context, namespace, recordType, recordID string) error
	List(ctx context.Context, namespace, recordType string) ([]string, error)
	PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
}

// IsNotFound reports whether err means the record or its namespace is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNamespaceNotFound)
}
