// Package record persists the metadata record of each source image: the
// source descriptor plus every variant derived from it.
package record

import (
	"slices"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
)

// Source describes a fetched source image. It is written once and never
// modified afterwards.
type Source struct {
	Key       imagecache.Key `json:"hash"`
	Digest    imagecache.Key `json:"digest"`
	URL       string         `json:"url"`
	Format    string         `json:"format"`
	MediaType string         `json:"mediaType"`
	Width     int            `json:"width"`
	Height    int            `json:"height"`
	Size      int64          `json:"size"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Descriptor returns the source as a resolvable artifact.
func (s *Source) Descriptor() Descriptor {
	return Descriptor{
		Key:       s.Key,
		Digest:    s.Digest,
		Extension: s.Format,
		MediaType: s.MediaType,
		Width:     s.Width,
		Height:    s.Height,
		Size:      s.Size,
		Source:    true,
	}
}

// Variant describes an artifact derived from a source.
type Variant struct {
	Key       imagecache.Key           `json:"hash"`
	Digest    imagecache.Key           `json:"digest"`
	Extension imagecache.Extension     `json:"extension"`
	Filename  string                   `json:"filename"`
	Width     int                      `json:"width"`
	Height    int                      `json:"height"`
	Size      int64                    `json:"size"`
	Spec      imagecache.TransformSpec `json:"spec"`
	CreatedAt time.Time                `json:"createdAt"`
}

// Descriptor returns the variant as a resolvable artifact.
func (v Variant) Descriptor() Descriptor {
	return Descriptor{
		Key:       v.Key,
		Digest:    v.Digest,
		Extension: string(v.Extension),
		MediaType: v.Extension.MediaType(),
		Width:     v.Width,
		Height:    v.Height,
		Size:      v.Size,
	}
}

// Record is the metadata document of one source key.
type Record struct {
	Source   *Source   `json:"source,omitempty"`
	Variants []Variant `json:"variants"`
}

// Exists reports whether the record has a source, i.e. was initialised.
func (r *Record) Exists() bool {
	return r != nil && r.Source != nil
}

// HasVariant reports whether a variant with key is already recorded.
func (r *Record) HasVariant(key imagecache.Key) bool {
	return slices.ContainsFunc(r.Variants, func(v Variant) bool { return v.Key == key })
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (r *Record) Clone() *Record {
	out := &Record{Variants: slices.Clone(r.Variants)}
	if out.Variants == nil {
		out.Variants = []Variant{}
	}
	if r.Source != nil {
		src := *r.Source
		out.Source = &src
	}
	return out
}

// Descriptor is a resolved artifact: either the source or one of its variants.
type Descriptor struct {
	Key       imagecache.Key
	Digest    imagecache.Key
	Extension string
	MediaType string
	Width     int
	Height    int
	Size      int64
	Source    bool
}

// TallestSide returns the larger of width and height.
func (d Descriptor) TallestSide() int {
	return max(d.Width, d.Height)
}

// Filename returns "{key}.{extension}".
func (d Descriptor) Filename() imagecache.Filename {
	return imagecache.Filename{Key: d.Key, Extension: d.Extension}
}
