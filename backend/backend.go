// Package backend provides storage backend abstractions for the image cache.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it is replaced atomically.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// FramedBackend stores blobs prefixed with a BlobHeader.
type FramedBackend interface {
	Backend

	// WriteFramed atomically writes header and body to the given key.
	WriteFramed(ctx context.Context, key string, header *BlobHeader, body io.Reader) error

	// ReadFramed returns the header and a reader positioned at the body.
	// Returns ErrNotFound if the key does not exist.
	ReadFramed(ctx context.Context, key string) (*BlobHeader, io.ReadCloser, error)
}
