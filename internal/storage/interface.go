// Package storage persists versioned snapshots of the live position set.
package storage

import "context"

// BlobStore is a flat key/blob store used for snapshots.
//
// Implementations must be safe for concurrent use. Keys use '/' as a
// separator; List returns keys with the given prefix in no particular order.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Ensure the in-package stores implement BlobStore
var (
	_ BlobStore = (*FileStore)(nil)
	_ BlobStore = (*MemoryStore)(nil)
)
