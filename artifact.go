package imagecache

import (
	"fmt"
	"strings"
)

// Storage key layout.

const (
	artifactKeyPrefix = "images"
	recordKeyPrefix   = "metadata"
	recordKeySuffix   = ".json"
)

// ArtifactStorageKey returns the backend storage key for an artifact.
// Format: images/{hex[:2]}/{hex}
func ArtifactStorageKey(k Key) string {
	return artifactKeyPrefix + "/" + k.Dir() + "/" + k.String()
}

// RecordStorageKey returns the backend storage key for a source's metadata record.
// Format: metadata/{hex[:2]}/{hex}.json
func RecordStorageKey(k Key) string {
	return recordKeyPrefix + "/" + k.Dir() + "/" + k.String() + recordKeySuffix
}

// ArtifactPrefix is the backend prefix under which all artifacts live.
func ArtifactPrefix() string {
	return artifactKeyPrefix
}

// Keyspace names the area of the storage layout a backend key or prefix
// falls under: "images", "metadata" or "other".
func Keyspace(storageKey string) string {
	first, _, _ := strings.Cut(strings.TrimPrefix(storageKey, "/"), "/")
	switch first {
	case artifactKeyPrefix, recordKeyPrefix:
		return first
	default:
		return "other"
	}
}

// ParseArtifactStorageKey extracts a Key from an artifact storage key.
func ParseArtifactStorageKey(key string) (Key, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != artifactKeyPrefix {
		return Key{}, fmt.Errorf("invalid artifact key format: %s", key)
	}
	return ParseKey(parts[2])
}

// Filename is the public name of an artifact: "{hex}.{extension}".
type Filename struct {
	Key       Key
	Extension string
}

// String returns the filename form.
func (f Filename) String() string {
	if f.Extension == "" {
		return f.Key.String()
	}
	return f.Key.String() + "." + f.Extension
}

// ParseFilename parses "{hex}.{extension}". A bare hex key is accepted and
// yields an empty extension.
func ParseFilename(s string) (Filename, error) {
	if s == "" {
		return Filename{}, fmt.Errorf("empty filename")
	}

	hexStr, ext, _ := strings.Cut(s, ".")
	k, err := ParseKey(hexStr)
	if err != nil {
		return Filename{}, fmt.Errorf("invalid key in filename %q: %w", s, err)
	}
	return Filename{Key: k, Extension: strings.ToLower(ext)}, nil
}
