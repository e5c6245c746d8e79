// Package imagecache is a content-addressable cache for derived images.
//
// Sources are keyed by a BLAKE3 digest of their URL and variants by a digest
// over the source key and a canonical transform spec, so repeated identical
// requests always name the same artifact.
package imagecache

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// KeySize is the size of a BLAKE3 digest in bytes (256 bits).
const KeySize = 32

// Key is a content key: a BLAKE3 256-bit digest.
type Key [KeySize]byte

// String returns the hex-encoded representation of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation for display.
func (k Key) ShortString() string {
	return hex.EncodeToString(k[:8])
}

// Dir returns the first two characters of the hex-encoded key,
// used for sharding files into subdirectories.
func (k Key) Dir() string {
	return hex.EncodeToString(k[:1])
}

// IsZero returns true if the key is all zeros (uninitialized).
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	if len(text) != KeySize*2 {
		return fmt.Errorf("invalid key length: expected %d hex chars, got %d", KeySize*2, len(text))
	}
	_, err := hex.Decode(k[:], text)
	return err
}

// ParseKey parses a hex-encoded key. Uppercase hex is accepted.
func ParseKey(s string) (Key, error) {
	var k Key
	if err := k.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return Key{}, err
	}
	return k, nil
}

// KeyForURL derives the lookup key of a source from its URL. The key exists
// before the source bytes do.
func KeyForURL(url string) Key {
	return Key(blake3.Sum256([]byte(url)))
}

// KeyForBytes derives the key of byte content.
func KeyForBytes(data []byte) Key {
	return Key(blake3.Sum256(data))
}

// KeyForVariant derives the artifact key of a variant from the source key and
// the canonical form of the transform.
func KeyForVariant(source Key, spec TransformSpec) Key {
	h := blake3.New()
	_, _ = h.Write(source[:])
	_, _ = h.Write(spec.Canonical())
	var k Key
	h.Sum(k[:0])
	return k
}
