package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/store/metadb"
	"github.com/wolfeidau/image-cache/telemetry"
)

// Artifacts stores framed image artifacts keyed by content key.
// Content is stored in a sharded directory structure based on the key.
type Artifacts struct {
	backend backend.FramedBackend
	tracker ArtifactTracker
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Artifacts instance.
type Option func(*Artifacts)

// WithTracker sets an index tracker for artifact statistics.
func WithTracker(tracker ArtifactTracker) Option {
	return func(a *Artifacts) {
		a.tracker = tracker
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Artifacts) {
		a.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(a *Artifacts) {
		a.now = now
	}
}

// NewArtifacts creates a new artifact store.
func NewArtifacts(b backend.FramedBackend, opts ...Option) *Artifacts {
	a := &Artifacts{
		backend: b,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "artifacts")
	return a
}

// Exists checks if an artifact with the given key exists.
func (a *Artifacts) Exists(ctx context.Context, key imagecache.Key) (bool, error) {
	exists, err := a.backend.Exists(ctx, imagecache.ArtifactStorageKey(key))
	if err != nil {
		return false, fmt.Errorf("checking artifact %s: %w", key.ShortString(), err)
	}
	return exists, nil
}

// Write stores data under key, replacing any existing artifact atomically.
func (a *Artifacts) Write(ctx context.Context, key imagecache.Key, data []byte, info ArtifactInfo) (*WriteResult, error) {
	digest := imagecache.KeyForBytes(data)
	header := &backend.BlobHeader{
		ContentType:   info.MediaType,
		ContentLength: int64(len(data)),
		CachedAt:      a.now().UTC().Format(time.RFC3339),
		ContentHash:   digest.String(),
		Width:         info.Width,
		Height:        info.Height,
		SourceURL:     info.SourceURL,
		Kind:          string(info.Kind),
	}
	if !info.SourceKey.IsZero() {
		header.SourceKey = info.SourceKey.String()
	}

	if err := a.backend.WriteFramed(ctx, imagecache.ArtifactStorageKey(key), header, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("writing artifact %s: %w", key.ShortString(), err)
	}

	telemetry.RecordArtifactWrite(ctx, string(info.Kind), int64(len(data)), true)

	// Track in the index (best effort, don't fail the operation)
	if a.tracker != nil {
		entry := &metadb.ArtifactEntry{
			Key:       key.String(),
			Kind:      info.Kind,
			MediaType: info.MediaType,
			Size:      int64(len(data)),
			Width:     info.Width,
			Height:    info.Height,
			CachedAt:  a.now(),
		}
		entry.SourceKey = header.SourceKey
		if err := a.tracker.PutArtifact(ctx, entry); err != nil {
			a.logger.Warn("failed to index artifact", "key", key.ShortString(), "error", err)
		}
	}

	return &WriteResult{Key: key, Digest: digest, Size: int64(len(data))}, nil
}

// WriteIfAbsent stores data under key unless an artifact already exists there.
// Existing artifacts are never rewritten.
func (a *Artifacts) WriteIfAbsent(ctx context.Context, key imagecache.Key, data []byte, info ArtifactInfo) (*WriteResult, error) {
	exists, err := a.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		telemetry.RecordArtifactWrite(ctx, string(info.Kind), int64(len(data)), false)
		return &WriteResult{
			Key:    key,
			Digest: imagecache.KeyForBytes(data),
			Size:   int64(len(data)),
			Exists: true,
		}, nil
	}
	return a.Write(ctx, key, data, info)
}

// Read opens an artifact. Returns ErrNotFound if it does not exist.
func (a *Artifacts) Read(ctx context.Context, key imagecache.Key) (*Artifact, error) {
	header, body, err := a.backend.ReadFramed(ctx, imagecache.ArtifactStorageKey(key))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading artifact %s: %w", key.ShortString(), err)
	}

	if a.tracker != nil {
		if _, err := a.tracker.TouchArtifact(ctx, key.String()); err == nil {
			telemetry.RecordArtifactTouch(ctx, header.Kind)
		} else if !errors.Is(err, metadb.ErrNotFound) {
			a.logger.Debug("failed to touch artifact", "key", key.ShortString(), "error", err)
		}
	}

	return &Artifact{Key: key, Header: header, Body: body}, nil
}

// Bytes reads a whole artifact body into memory.
func (a *Artifacts) Bytes(ctx context.Context, key imagecache.Key) ([]byte, error) {
	art, err := a.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	return art.ReadAll()
}

// Delete removes an artifact. Deleting a missing artifact is not an error.
func (a *Artifacts) Delete(ctx context.Context, key imagecache.Key) error {
	if err := a.backend.Delete(ctx, imagecache.ArtifactStorageKey(key)); err != nil {
		return fmt.Errorf("deleting artifact %s: %w", key.ShortString(), err)
	}

	// Clean up the index (best effort)
	if a.tracker != nil {
		_ = a.tracker.DeleteArtifact(ctx, key.String())
	}
	return nil
}

// List returns all artifact keys in the store.
// This may be expensive for large stores.
func (a *Artifacts) List(ctx context.Context) ([]imagecache.Key, error) {
	keys, err := a.backend.List(ctx, imagecache.ArtifactPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}

	out := make([]imagecache.Key, 0, len(keys))
	for _, key := range keys {
		k, err := imagecache.ParseArtifactStorageKey(key)
		if err != nil {
			// Skip foreign files under the prefix
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// Reindex walks every stored artifact and records it with the tracker.
// It returns the number of artifacts indexed.
func (a *Artifacts) Reindex(ctx context.Context) (int, error) {
	if a.tracker == nil {
		return 0, nil
	}

	keys, err := a.List(ctx)
	if err != nil {
		return 0, err
	}

	indexed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		header, body, err := a.backend.ReadFramed(ctx, imagecache.ArtifactStorageKey(key))
		if err != nil {
			a.logger.Warn("skipping unreadable artifact", "key", key.ShortString(), "error", err)
			continue
		}
		_ = body.Close()

		entry := &metadb.ArtifactEntry{
			Key:       key.String(),
			Kind:      metadb.ArtifactKind(header.Kind),
			MediaType: header.ContentType,
			Size:      header.ContentLength,
			Width:     header.Width,
			Height:    header.Height,
			SourceKey: header.SourceKey,
			CachedAt:  header.CachedTime(),
		}
		if entry.Kind == "" {
			entry.Kind = metadb.KindVariant
		}
		if err := a.tracker.PutArtifact(ctx, entry); err != nil {
			return indexed, fmt.Errorf("indexing artifact %s: %w", key.ShortString(), err)
		}
		indexed++
	}

	a.logger.Info("reindexed artifacts", "count", indexed)
	return indexed, nil
}
