package metadb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements Index using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction. Commits that had not reached
// disk are lost on a crash; the index can be rebuilt from storage.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened artifact index", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketArtifacts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing artifact index")
	return b.db.Close()
}

// PutArtifact stores artifact metadata. Access statistics of an existing
// entry with the same key are preserved.
func (b *BoltDB) PutArtifact(_ context.Context, entry *ArtifactEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketArtifacts)

		stored := *entry
		if stored.CachedAt.IsZero() {
			stored.CachedAt = b.now()
		}
		if existing := bucket.Get([]byte(entry.Key)); existing != nil {
			var prev ArtifactEntry
			if err := json.Unmarshal(existing, &prev); err == nil {
				stored.AccessCount = prev.AccessCount
				stored.LastAccess = prev.LastAccess
				stored.CachedAt = prev.CachedAt
			}
		}
		if stored.LastAccess.IsZero() {
			stored.LastAccess = stored.CachedAt
		}

		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshaling artifact entry: %w", err)
		}
		if err := bucket.Put([]byte(stored.Key), data); err != nil {
			return fmt.Errorf("putting artifact: %w", err)
		}
		return nil
	})
}

// GetArtifact retrieves artifact metadata by key.
func (b *BoltDB) GetArtifact(_ context.Context, key string) (*ArtifactEntry, error) {
	var entry ArtifactEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketArtifacts).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeleteArtifact removes artifact metadata. Missing keys are ignored.
func (b *BoltDB) DeleteArtifact(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Delete([]byte(key))
	})
}

// TouchArtifact updates the last access time for an artifact and increments
// its access counter.
func (b *BoltDB) TouchArtifact(_ context.Context, key string) (int64, error) {
	var count int64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketArtifacts)
		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}

		var entry ArtifactEntry
		if err := json.Unmarshal(val, &entry); err != nil {
			return fmt.Errorf("unmarshaling artifact entry: %w", err)
		}

		entry.LastAccess = b.now()
		entry.AccessCount++
		count = entry.AccessCount

		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshaling artifact entry: %w", err)
		}
		return bucket.Put([]byte(key), data)
	})
	return count, err
}

// Stats returns totals per artifact kind.
func (b *BoltDB) Stats(_ context.Context) (*Stats, error) {
	stats := &Stats{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(_, v []byte) error {
			var entry ArtifactEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // Skip invalid entries
			}
			switch entry.Kind {
			case KindSource:
				stats.Sources++
				stats.SourceBytes += entry.Size
			case KindVariant:
				stats.Variants++
				stats.VariantBytes += entry.Size
			}
			stats.Accesses += entry.AccessCount
			if entry.LastAccess.After(stats.LastAccess) {
				stats.LastAccess = entry.LastAccess
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Compile-time interface check
var _ Index = (*BoltDB)(nil)
