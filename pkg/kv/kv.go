package kv

import (
	"context"
	"errors"
)

// Store defines the interface for key-value persistence backends.
// Implementations: memory (testing), badgerstore (production)
//
// All digest state (batch bodies, batch indexes, watermarks) is
// expressed as keys under per-subject prefixes, so backends never need
// cross-key transactions: per-key atomicity is enough.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ListKeys returns all keys beginning with prefix, in lexical order.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Close cleanly shuts down the backend.
	Close() error
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// ErrStorage wraps backend failures so callers can classify persistence
// errors without depending on a concrete backend.
var ErrStorage = errors.New("kv: storage failure")
