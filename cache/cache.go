// Package cache resolves a source URL and transform options to a stored
// artifact, fetching the source and deriving variants at most once.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/download"
	"github.com/wolfeidau/image-cache/imaging"
	"github.com/wolfeidau/image-cache/record"
	"github.com/wolfeidau/image-cache/store"
	"github.com/wolfeidau/image-cache/store/metadb"
	"github.com/wolfeidau/image-cache/telemetry"
	"github.com/wolfeidau/image-cache/upstream"
)

// Resolution states, logged at debug level as a request progresses.
const (
	stateResolvingSource  = "resolving_source"
	stateResolved         = "resolved"
	stateFetching         = "fetching"
	stateSourceReady      = "source_ready"
	stateResolvingVariant = "resolving_variant"
	stateHitExisting      = "hit_existing"
	stateDeriving         = "deriving"
	stateDone             = "done"
	stateFailed           = "failed"
)

// Result describes the artifact satisfying a request.
type Result struct {
	Key       imagecache.Key
	Extension string
	Width     int
	Height    int
	Digest    imagecache.Key
	MediaType string
	Size      int64
	Hit       bool // true if no derivation ran for this request
	Source    bool // true if the artifact is the source itself
}

// Filename returns "{key}.{extension}".
func (r *Result) Filename() string {
	return imagecache.Filename{Key: r.Key, Extension: r.Extension}.String()
}

func resultFromDescriptor(d record.Descriptor, hit bool) *Result {
	return &Result{
		Key:       d.Key,
		Extension: d.Extension,
		Width:     d.Width,
		Height:    d.Height,
		Digest:    d.Digest,
		MediaType: d.MediaType,
		Size:      d.Size,
		Hit:       hit,
		Source:    d.Source,
	}
}

// Cache orchestrates source fetches and variant derivation.
type Cache struct {
	artifacts *store.Artifacts
	records   *record.Store
	engine    imaging.Engine
	fetcher   upstream.Fetcher
	guard     *download.Guard
	derives   *download.Downloader
	logger    *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a Cache over the given stores and collaborators.
func New(artifacts *store.Artifacts, records *record.Store, engine imaging.Engine, fetcher upstream.Fetcher, opts ...Option) *Cache {
	c := &Cache{
		artifacts: artifacts,
		records:   records,
		engine:    engine,
		fetcher:   fetcher,
		guard:     download.NewGuard(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache")
	c.derives = download.New(download.WithLogger(c.logger))
	return c
}

// Resolve returns the artifact for sourceURL transformed by opts. The source
// is fetched on first use; a matching variant is derived if none exists.
// sourceURL is normalized first, so every spelling of a URL shares one key.
func (c *Cache) Resolve(ctx context.Context, sourceURL string, opts imagecache.Options) (*Result, error) {
	start := time.Now()

	spec, err := imagecache.Canonicalize(opts)
	if err != nil {
		return nil, invalidOptionsError(err)
	}
	sourceURL, err = imagecache.NormalizeSourceURL(sourceURL)
	if err != nil {
		return nil, invalidOptionsError(err)
	}
	urlKey := imagecache.KeyForURL(sourceURL)
	log := c.logger.With("source", urlKey.ShortString(), "spec", spec.String())

	res, err := c.resolve(ctx, log, sourceURL, urlKey, spec)
	switch {
	case errors.Is(err, ErrBusy):
		telemetry.RecordResolution(ctx, telemetry.CacheBusy, time.Since(start))
	case err != nil:
		telemetry.RecordResolution(ctx, telemetry.CacheError, time.Since(start))
	case res.Hit:
		telemetry.RecordResolution(ctx, telemetry.CacheHit, time.Since(start))
	default:
		telemetry.RecordResolution(ctx, telemetry.CacheMiss, time.Since(start))
	}
	if err != nil {
		log.Debug("state", "state", stateFailed, "error", err)
		return nil, err
	}
	log.Debug("state", "state", stateDone, "key", res.Key.ShortString(), "hit", res.Hit)
	return res, nil
}

func (c *Cache) resolve(ctx context.Context, log *slog.Logger, sourceURL string, urlKey imagecache.Key, spec imagecache.TransformSpec) (*Result, error) {
	if !spec.IsSource() && !c.engine.Supports(spec.Extension) {
		log.Warn("output extension not supported by engine", "extension", spec.Extension)
		return nil, unsupportedExtensionError(spec.Extension, sourceURL, urlKey)
	}

	log.Debug("state", "state", stateResolvingSource)
	rec, fetched, err := c.ensureSource(ctx, log, sourceURL, urlKey)
	if err != nil {
		return nil, err
	}

	log.Debug("state", "state", stateResolvingVariant)
	if desc, ok := record.Resolve(rec, spec); ok {
		log.Debug("state", "state", stateHitExisting, "key", desc.Key.ShortString())
		return resultFromDescriptor(desc, !fetched), nil
	}

	log.Debug("state", "state", stateDeriving)
	return c.derive(ctx, log, rec.Source, spec)
}

// Open returns a stored artifact by key.
func (c *Cache) Open(ctx context.Context, key imagecache.Key) (*store.Artifact, error) {
	return c.artifacts.Read(ctx, key)
}

// Record returns the metadata record of a source URL.
func (c *Cache) Record(ctx context.Context, sourceURL string) (*record.Record, error) {
	normalized, err := imagecache.NormalizeSourceURL(sourceURL)
	if err != nil {
		return nil, invalidOptionsError(err)
	}
	return c.records.Load(ctx, imagecache.KeyForURL(normalized))
}

// sourceReady loads the record and reports whether both the record source
// and the source artifact are present.
func (c *Cache) sourceReady(ctx context.Context, key imagecache.Key) (*record.Record, bool, error) {
	rec, err := c.records.Load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !rec.Exists() {
		return rec, false, nil
	}
	exists, err := c.artifacts.Exists(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return rec, exists, nil
}

// ensureSource returns a record with a source, fetching it if necessary.
// The bool result is true if this call fetched or rebuilt the source.
func (c *Cache) ensureSource(ctx context.Context, log *slog.Logger, sourceURL string, key imagecache.Key) (*record.Record, bool, error) {
	rec, ready, err := c.sourceReady(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if ready {
		log.Debug("state", "state", stateResolved)
		return rec, false, nil
	}

	if !c.guard.TryBegin(key) {
		log.Debug("source fetch already in flight")
		return nil, false, busyError(sourceURL, key)
	}
	defer c.guard.End(key)

	// Another request may have completed between the check and TryBegin.
	rec, ready, err = c.sourceReady(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if ready {
		log.Debug("state", "state", stateResolved)
		return rec, false, nil
	}

	src, err := c.storedSource(ctx, log, key)
	if err != nil {
		return nil, false, err
	}
	if src == nil {
		log.Debug("state", "state", stateFetching)
		data, err := c.fetch(ctx, sourceURL, key)
		if err != nil {
			return nil, false, err
		}
		src = &sourceData{data: data}
	}

	info, err := c.engine.Decode(ctx, src.data)
	if err != nil {
		// Nothing has been written for a fresh fetch; a stored artifact that
		// no longer decodes is removed so the next request refetches it.
		if src.stored {
			if delErr := c.artifacts.Delete(ctx, key); delErr != nil {
				log.Warn("failed to remove undecodable source", "error", delErr)
			}
		}
		return nil, false, notAnImageError(err, sourceURL, key)
	}

	mediaType := imagecache.MediaTypeFor(info.Format)
	if !src.stored {
		wr, err := c.artifacts.Write(ctx, key, src.data, store.ArtifactInfo{
			Kind:      metadb.KindSource,
			MediaType: mediaType,
			Width:     info.Width,
			Height:    info.Height,
			SourceURL: sourceURL,
		})
		if err != nil {
			return nil, false, err
		}
		src.digest, src.size = wr.Digest, wr.Size
	}

	rec, err = c.records.Init(ctx, record.Source{
		Key:       key,
		Digest:    src.digest,
		URL:       sourceURL,
		Format:    info.Format,
		MediaType: mediaType,
		Width:     info.Width,
		Height:    info.Height,
		Size:      src.size,
	})
	if err != nil {
		if !src.stored {
			if delErr := c.artifacts.Delete(ctx, key); delErr != nil {
				log.Warn("failed to remove source after record init failure", "error", delErr)
			}
		}
		return nil, false, err
	}

	log.Debug("state", "state", stateSourceReady,
		"format", info.Format, "width", info.Width, "height", info.Height, "bytes", src.size)
	return rec, true, nil
}

// sourceData is a source image about to be recorded. stored is true when
// the bytes came from an existing artifact, which is never rewritten.
type sourceData struct {
	data   []byte
	digest imagecache.Key
	size   int64
	stored bool
}

// storedSource returns a source artifact left without a record, or nil
// when no artifact exists. Digest and size come from the artifact header.
func (c *Cache) storedSource(ctx context.Context, log *slog.Logger, key imagecache.Key) (*sourceData, error) {
	art, err := c.artifacts.Read(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	digest, digestErr := imagecache.ParseKey(art.Digest())
	data, err := art.ReadAll()
	if errors.Is(err, backend.ErrLengthMismatch) {
		// A truncated artifact is treated as absent and refetched.
		log.Warn("removing truncated source artifact", "error", err)
		if delErr := c.artifacts.Delete(ctx, key); delErr != nil {
			return nil, delErr
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if digestErr != nil {
		digest = imagecache.KeyForBytes(data)
	}
	log.Info("rebuilding source record from stored artifact")
	return &sourceData{data: data, digest: digest, size: int64(len(data)), stored: true}, nil
}

func (c *Cache) fetch(ctx context.Context, sourceURL string, key imagecache.Key) ([]byte, error) {
	body, err := c.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return nil, fetchError(err, sourceURL, key)
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fetchError(fmt.Errorf("reading source body: %w", err), sourceURL, key)
	}
	if len(data) == 0 {
		return nil, notAnImageError(errors.New("empty body"), sourceURL, key)
	}
	return data, nil
}

// derive produces the variant of src for spec. Concurrent callers for the
// same variant key share one derivation.
func (c *Cache) derive(ctx context.Context, log *slog.Logger, src *record.Source, spec imagecache.TransformSpec) (*Result, error) {
	variantKey := imagecache.KeyForVariant(src.Key, spec)
	flightKey := variantKey.String()

	res, ran, err := c.derives.Do(ctx, flightKey, func(ctx context.Context) (*download.Result, error) {
		return c.deriveVariant(ctx, log, src, spec, variantKey)
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Key:       res.Key,
		Extension: string(spec.Extension),
		Width:     res.Width,
		Height:    res.Height,
		Digest:    res.Digest,
		MediaType: spec.Extension.MediaType(),
		Size:      res.Size,
		Hit:       !ran || !res.Derived,
	}, nil
}

func (c *Cache) deriveVariant(ctx context.Context, log *slog.Logger, src *record.Source, spec imagecache.TransformSpec, variantKey imagecache.Key) (*download.Result, error) {
	// A previous flight for this key may have committed already.
	rec, err := c.records.Load(ctx, src.Key)
	if err != nil {
		return nil, err
	}
	for _, v := range rec.Variants {
		if v.Key == variantKey {
			return &download.Result{Key: v.Key, Digest: v.Digest, Width: v.Width, Height: v.Height, Size: v.Size}, nil
		}
	}

	data, err := c.artifacts.Bytes(ctx, src.Key)
	if err != nil {
		return nil, fmt.Errorf("reading source %s: %w", src.Key.ShortString(), err)
	}

	derived, err := c.engine.Derive(ctx, data, spec)
	if err != nil {
		return nil, derivationError(err, src.URL, src.Key)
	}

	wr, err := c.artifacts.WriteIfAbsent(ctx, variantKey, derived.Data, store.ArtifactInfo{
		Kind:      metadb.KindVariant,
		SourceKey: src.Key,
		MediaType: spec.Extension.MediaType(),
		Width:     derived.Width,
		Height:    derived.Height,
		SourceURL: src.URL,
	})
	if err != nil {
		return nil, err
	}

	_, added, err := c.records.AppendVariant(ctx, src.Key, record.Variant{
		Key:       variantKey,
		Digest:    wr.Digest,
		Extension: spec.Extension,
		Width:     derived.Width,
		Height:    derived.Height,
		Size:      wr.Size,
		Spec:      spec,
	})
	if err != nil {
		return nil, err
	}

	log.Debug("variant committed", "key", variantKey.ShortString(), "added", added,
		"width", derived.Width, "height", derived.Height, "bytes", wr.Size)

	return &download.Result{
		Key:     variantKey,
		Digest:  wr.Digest,
		Width:   derived.Width,
		Height:  derived.Height,
		Size:    wr.Size,
		Derived: true,
	}, nil
}
