package record

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/backend"
)

// ErrNoSource is returned when appending a variant to a record that was
// never initialised with a source.
var ErrNoSource = errors.New("record has no source")

// DefaultCacheTTL is how long decoded records stay in the read cache.
const DefaultCacheTTL = 5 * time.Minute

// Store is the sole writer of metadata records. Writes for the same source
// key are serialised and each write replaces the document atomically.
type Store struct {
	backend  backend.Backend
	locks    sync.Map // map[imagecache.Key]*sync.Mutex
	cache    *gocache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithCacheTTL sets the read cache TTL. Zero disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.cacheTTL = ttl
	}
}

// NewStore creates a record store over b.
func NewStore(b backend.Backend, opts ...Option) *Store {
	s := &Store{
		backend:  b,
		cacheTTL: DefaultCacheTTL,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cacheTTL > 0 {
		s.cache = gocache.New(s.cacheTTL, 2*s.cacheTTL)
	}
	s.logger = s.logger.With("component", "records")
	return s
}

// Load returns the record for sourceKey. A missing document yields an empty
// record with a nil error; an unreadable or malformed one is an error.
func (s *Store) Load(ctx context.Context, sourceKey imagecache.Key) (*Record, error) {
	mu := s.lockFor(sourceKey)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.loadLocked(ctx, sourceKey)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Init creates the record for src.Key with an empty variant list. If the
// record already has a source it is returned unchanged.
func (s *Store) Init(ctx context.Context, src Source) (*Record, error) {
	mu := s.lockFor(src.Key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.loadLocked(ctx, src.Key)
	if err != nil {
		return nil, err
	}
	if rec.Exists() {
		return rec.Clone(), nil
	}

	next := rec.Clone()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = s.now().UTC()
	}
	next.Source = &src

	if err := s.writeLocked(ctx, src.Key, next); err != nil {
		return nil, err
	}
	s.logger.Debug("initialised record", "source", src.Key.ShortString(), "url", src.URL)
	return next.Clone(), nil
}

// AppendVariant adds v to the record of sourceKey unless a variant with the
// same key is already present. The returned bool reports whether the record
// changed.
func (s *Store) AppendVariant(ctx context.Context, sourceKey imagecache.Key, v Variant) (*Record, bool, error) {
	mu := s.lockFor(sourceKey)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.loadLocked(ctx, sourceKey)
	if err != nil {
		return nil, false, err
	}
	if !rec.Exists() {
		return nil, false, fmt.Errorf("appending variant %s: %w", v.Key.ShortString(), ErrNoSource)
	}
	if rec.HasVariant(v.Key) {
		return rec.Clone(), false, nil
	}

	next := rec.Clone()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now().UTC()
	}
	if v.Filename == "" {
		v.Filename = imagecache.Filename{Key: v.Key, Extension: string(v.Extension)}.String()
	}
	next.Variants = append(next.Variants, v)

	if err := s.writeLocked(ctx, sourceKey, next); err != nil {
		return nil, false, err
	}
	s.logger.Debug("appended variant",
		"source", sourceKey.ShortString(),
		"variant", v.Key.ShortString(),
		"spec", v.Spec.String(),
		"variants", len(next.Variants),
	)
	return next.Clone(), true, nil
}

func (s *Store) lockFor(key imagecache.Key) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// loadLocked must be called with the key lock held. The returned record may
// be shared with the cache and must not be mutated.
func (s *Store) loadLocked(ctx context.Context, key imagecache.Key) (*Record, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(key.String()); ok {
			return v.(*Record), nil
		}
	}

	rc, err := s.backend.Read(ctx, imagecache.RecordStorageKey(key))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return &Record{Variants: []Variant{}}, nil
		}
		return nil, fmt.Errorf("reading record %s: %w", key.ShortString(), err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", key.ShortString(), err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", key.ShortString(), err)
	}
	if rec.Variants == nil {
		rec.Variants = []Variant{}
	}

	if s.cache != nil {
		s.cache.SetDefault(key.String(), &rec)
	}
	return &rec, nil
}

func (s *Store) writeLocked(ctx context.Context, key imagecache.Key, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	if err := s.backend.Write(ctx, imagecache.RecordStorageKey(key), bytes.NewReader(data)); err != nil {
		// The on-disk state is unknown; force the next load to read it.
		if s.cache != nil {
			s.cache.Delete(key.String())
		}
		return fmt.Errorf("writing record %s: %w", key.ShortString(), err)
	}

	if s.cache != nil {
		s.cache.SetDefault(key.String(), rec)
	}
	return nil
}
