package kvstore

import (
	"context"
	"time"
)

//go:generate moq -out store_mock.go . Store

// Store defines the durable local key-value store shared by the mutation
// queue and the entity offline services. Backends must make each Put
// atomic with respect to its key: a reader never observes a partial
// record. Failures are loud; a caller that cannot persist a mutation must
// find out immediately.
type Store interface {
	// Put persists value (JSON bytes) under key. A non-zero ttl makes
	// the record expire; Get treats expired records as absent.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key.
	// Returns ErrKeyNotFound if the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all live (non-expired) records whose key starts with
	// prefix, keyed by their full key.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Delete removes the record under key. Deleting an absent key is
	// not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the underlying database.
	Close() error
}
