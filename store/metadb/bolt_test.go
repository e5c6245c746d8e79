package metadb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	db := NewBoltDB(opts...)
	dbPath := filepath.Join(t.TempDir(), "index.db")
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBoltDB_ArtifactOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("PutArtifact and GetArtifact round-trip", func(t *testing.T) {
		db := newTestBoltDB(t)

		now := time.Now().Truncate(time.Second)
		entry := &ArtifactEntry{
			Key:       "abc123",
			Kind:      KindSource,
			MediaType: "image/png",
			Size:      1024,
			Width:     640,
			Height:    480,
			CachedAt:  now,
		}
		require.NoError(t, db.PutArtifact(ctx, entry))

		got, err := db.GetArtifact(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, KindSource, got.Kind)
		assert.Equal(t, int64(1024), got.Size)
		assert.Equal(t, 640, got.Width)
		assert.True(t, now.Equal(got.LastAccess))
	})

	t.Run("GetArtifact returns ErrNotFound for missing key", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.GetArtifact(ctx, "nonexistent")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("TouchArtifact updates LastAccess and count", func(t *testing.T) {
		initialTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		updatedTime := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

		currentTime := initialTime
		db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))

		require.NoError(t, db.PutArtifact(ctx, &ArtifactEntry{Key: "k", Kind: KindVariant, Size: 10}))

		currentTime = updatedTime
		count, err := db.TouchArtifact(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		count, err = db.TouchArtifact(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		got, err := db.GetArtifact(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, updatedTime, got.LastAccess.UTC())
		assert.Equal(t, initialTime, got.CachedAt.UTC())
	})

	t.Run("TouchArtifact on missing key", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.TouchArtifact(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PutArtifact preserves access statistics", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.PutArtifact(ctx, &ArtifactEntry{Key: "k", Kind: KindSource, Size: 10}))
		_, err := db.TouchArtifact(ctx, "k")
		require.NoError(t, err)

		require.NoError(t, db.PutArtifact(ctx, &ArtifactEntry{Key: "k", Kind: KindSource, Size: 20}))

		got, err := db.GetArtifact(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.AccessCount)
		assert.Equal(t, int64(20), got.Size)
	})

	t.Run("DeleteArtifact removes entry", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.PutArtifact(ctx, &ArtifactEntry{Key: "v1", Kind: KindVariant, SourceKey: "s"}))
		require.NoError(t, db.DeleteArtifact(ctx, "v1"))

		_, err := db.GetArtifact(ctx, "v1")
		require.ErrorIs(t, err, ErrNotFound)

		// Idempotent
		require.NoError(t, db.DeleteArtifact(ctx, "v1"))
	})
}

func TestBoltDB_Stats(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	require.NoError(t, db.PutArtifact(ctx, &ArtifactEntry{Key: "a", Kind: KindSource, Size: 100}))
	require.NoError(t, db.PutArtifact(ctx, &ArtifactEntry{Key: "b", Kind: KindVariant, SourceKey: "a", Size: 20}))
	require.NoError(t, db.PutArtifact(ctx, &ArtifactEntry{Key: "c", Kind: KindVariant, SourceKey: "a", Size: 30}))
	_, err := db.TouchArtifact(ctx, "b")
	require.NoError(t, err)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Sources)
	assert.Equal(t, int64(2), stats.Variants)
	assert.Equal(t, int64(100), stats.SourceBytes)
	assert.Equal(t, int64(50), stats.VariantBytes)
	assert.Equal(t, int64(150), stats.TotalBytes())
	assert.Equal(t, int64(1), stats.Accesses)
}

func TestBoltDB_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t, WithNoSync(true))

	const numGoroutines = 10
	const numOps = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				key := fmt.Sprintf("k-%d-%d", id, j%10)
				_ = db.PutArtifact(ctx, &ArtifactEntry{Key: key, Kind: KindSource, Size: 100})
				_, _ = db.GetArtifact(ctx, key)
				_, _ = db.TouchArtifact(ctx, key)
			}
		}(i)
	}

	wg.Wait()

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(numGoroutines*10), stats.Sources)
	assert.Equal(t, int64(numGoroutines*numOps), stats.Accesses)
}
