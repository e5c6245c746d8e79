// Package download coordinates concurrent work on the same key. Guard keeps
// at most one source fetch per key in flight, and Downloader deduplicates
// variant derivations with singleflight so concurrent callers share a result.
package download

import (
	"context"
	"log/slog"

	imagecache "github.com/wolfeidau/image-cache"
	"golang.org/x/sync/singleflight"
)

// Result describes a committed variant.
type Result struct {
	Key    imagecache.Key
	Digest imagecache.Key
	Width  int
	Height int
	Size   int64

	// Derived is true when the flight produced the variant, false when it
	// found the variant already committed by an earlier flight.
	Derived bool
}

// DeriveFunc derives and commits a variant.
// The context passed to DeriveFunc is detached from any single request so
// that one caller timing out does not cancel the work for other waiters.
type DeriveFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent derivations for the same variant key
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight work for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "downloader")
	return d
}

// Do runs fn once for all concurrent callers of key. The bool result is
// true only for the caller whose fn ran; callers that joined a flight
// already in progress get false with the same Result.
//
// If the caller's context expires before fn completes, Do returns the context
// error but the work continues for other waiters. A failed flight is not
// remembered: the next call for key runs fn again.
func (d *Downloader) Do(ctx context.Context, key string, fn DeriveFunc) (*Result, bool, error) {
	// Written inside the flight before singleflight delivers on ch.
	var ran bool
	ch := d.group.DoChan(key, func() (any, error) {
		ran = true
		// Keep values (request tags, logger) but drop cancellation.
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if !ran {
			d.logger.Debug("joined in-flight derivation", "key", key, "error", res.Err)
		}
		if res.Err != nil {
			return nil, ran, res.Err
		}
		return res.Val.(*Result), ran, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
