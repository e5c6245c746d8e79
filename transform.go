package imagecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// MaxTallestSide bounds the requested size of a derived image.
const MaxTallestSide = 16384

// ErrInvalidOptions is returned when request options cannot be canonicalized.
var ErrInvalidOptions = errors.New("invalid transform options")

// Extension is the encoding of a derived image.
type Extension string

const (
	ExtAVIF Extension = "avif"
	ExtHEIF Extension = "heif"
	ExtJXL  Extension = "jxl"
)

// DefaultExtension is used when a request names no extension or an unknown one.
const DefaultExtension = ExtAVIF

// ParseExtension normalises s to a supported extension. Unknown values fall
// back to DefaultExtension rather than failing.
func ParseExtension(s string) Extension {
	switch Extension(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))) {
	case ExtAVIF:
		return ExtAVIF
	case ExtHEIF:
		return ExtHEIF
	case ExtJXL:
		return ExtJXL
	default:
		return DefaultExtension
	}
}

// MediaType returns the MIME type for the extension.
func (e Extension) MediaType() string {
	return MediaTypeFor(string(e))
}

// MediaTypeFor maps an extension or decoder format name to a MIME type.
func MediaTypeFor(format string) string {
	switch strings.ToLower(format) {
	case "avif":
		return "image/avif"
	case "heif", "heic":
		return "image/heif"
	case "jxl":
		return "image/jxl"
	case "png":
		return "image/png"
	case "jpeg", "jpg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// Options are the transform options as supplied by a caller, before
// canonicalization.
type Options struct {
	// TallestSide is the target length of the longer side in pixels.
	// Zero requests the source as-is.
	TallestSide int `json:"tallestSide,omitempty"`

	// Extension is the requested encoding. Empty or unknown values fall
	// back to DefaultExtension.
	Extension string `json:"extension,omitempty"`

	// ReturnImage asks for the artifact bytes instead of a descriptor.
	ReturnImage bool `json:"returnImage,omitempty"`
}

// TransformSpec is the canonical description of a derivation. It is only
// produced by Canonicalize, so the extension default and fallback have
// always been applied.
type TransformSpec struct {
	TallestSide int       `json:"tallestSide"`
	Extension   Extension `json:"extension"`
}

// Canonicalize validates opts and returns the canonical spec.
func Canonicalize(opts Options) (TransformSpec, error) {
	if opts.TallestSide < 0 {
		return TransformSpec{}, fmt.Errorf("%w: tallestSide must be positive, got %d", ErrInvalidOptions, opts.TallestSide)
	}
	if opts.TallestSide > MaxTallestSide {
		return TransformSpec{}, fmt.Errorf("%w: tallestSide exceeds %d", ErrInvalidOptions, MaxTallestSide)
	}
	return TransformSpec{
		TallestSide: opts.TallestSide,
		Extension:   ParseExtension(opts.Extension),
	}, nil
}

// IsSource reports whether the transform asks for the source itself.
func (s TransformSpec) IsSource() bool {
	return s.TallestSide == 0
}

// Canonical returns the RFC 8785 canonical JSON form of the transform.
func (s TransformSpec) Canonical() []byte {
	raw, err := json.Marshal(s)
	if err != nil {
		// unreachable: only an int and a string are marshaled
		panic(fmt.Sprintf("marshaling transform spec: %v", err))
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		panic(fmt.Sprintf("canonicalizing transform spec: %v", err))
	}
	return canonical
}

// String returns a compact form for logging, e.g. "200/avif".
func (s TransformSpec) String() string {
	if s.IsSource() {
		return "source"
	}
	return fmt.Sprintf("%d/%s", s.TallestSide, s.Extension)
}
