package metadb

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// Index provides artifact bookkeeping for the image cache.
type Index interface {
	// Lifecycle
	Open(path string) error
	Close() error

	PutArtifact(ctx context.Context, entry *ArtifactEntry) error
	GetArtifact(ctx context.Context, key string) (*ArtifactEntry, error)
	DeleteArtifact(ctx context.Context, key string) error
	// TouchArtifact updates the last access time and increments the access
	// counter, returning the new count.
	TouchArtifact(ctx context.Context, key string) (int64, error)

	Stats(ctx context.Context) (*Stats, error)
}

// New creates a new Index backed by bbolt.
func New() Index {
	return NewBoltDB()
}
