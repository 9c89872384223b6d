// Package blob defines a small keyed byte store used to persist log
// snapshots between process runs.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound indicates the key has no value.
var ErrNotFound = errors.New("blob: not found")

// Store is a keyed byte store.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}
