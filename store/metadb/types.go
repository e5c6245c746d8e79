// Package metadb indexes stored artifacts in bbolt for access statistics.
package metadb

import "time"

// ArtifactKind distinguishes source images from derived variants.
type ArtifactKind string

const (
	KindSource  ArtifactKind = "source"
	KindVariant ArtifactKind = "variant"
)

// ArtifactEntry contains metadata about a stored artifact.
type ArtifactEntry struct {
	Key         string       `json:"key"`
	Kind        ArtifactKind `json:"kind"`
	SourceKey   string       `json:"source_key,omitempty"`
	MediaType   string       `json:"media_type"`
	Size        int64        `json:"size"`
	Width       int          `json:"width,omitempty"`
	Height      int          `json:"height,omitempty"`
	CachedAt    time.Time    `json:"cached_at"`
	LastAccess  time.Time    `json:"last_access"`
	AccessCount int64        `json:"access_count"`
}

// Stats summarises the index.
type Stats struct {
	Sources      int64     `json:"sources"`
	Variants     int64     `json:"variants"`
	SourceBytes  int64     `json:"source_bytes"`
	VariantBytes int64     `json:"variant_bytes"`
	Accesses     int64     `json:"accesses"`
	LastAccess   time.Time `json:"last_access,omitzero"`
}

// TotalBytes returns the combined size of all indexed artifacts.
func (s Stats) TotalBytes() int64 {
	return s.SourceBytes + s.VariantBytes
}
