// Package store provides write-once artifact storage for source images and
// their derived variants.
package store

import (
	"context"
	"fmt"
	"io"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/store/metadb"
)

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = backend.ErrNotFound

// ArtifactTracker records artifact lifecycle events in an index.
type ArtifactTracker interface {
	PutArtifact(ctx context.Context, entry *metadb.ArtifactEntry) error
	TouchArtifact(ctx context.Context, key string) (int64, error)
	DeleteArtifact(ctx context.Context, key string) error
}

// ArtifactInfo describes an artifact being written.
type ArtifactInfo struct {
	Kind      metadb.ArtifactKind
	SourceKey imagecache.Key // zero for sources
	MediaType string
	Width     int
	Height    int
	SourceURL string
}

// WriteResult contains information about a Write operation.
type WriteResult struct {
	Key    imagecache.Key
	Digest imagecache.Key
	Size   int64
	Exists bool // true if the artifact already existed and was left untouched
}

// Artifact is an open stored artifact. The caller must Close it.
type Artifact struct {
	Key    imagecache.Key
	Header *backend.BlobHeader
	Body   io.ReadCloser
}

// Close releases the underlying reader.
func (a *Artifact) Close() error {
	return a.Body.Close()
}

// MediaType returns the stored media type.
func (a *Artifact) MediaType() string {
	return a.Header.ContentType
}

// Digest returns the content digest recorded at write time.
func (a *Artifact) Digest() string {
	return a.Header.ContentHash
}

// ReadAll reads the full body and closes the artifact.
func (a *Artifact) ReadAll() ([]byte, error) {
	defer func() { _ = a.Body.Close() }()
	data, err := io.ReadAll(a.Body)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", a.Key.ShortString(), err)
	}
	return data, nil
}
