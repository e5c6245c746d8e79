// Package imaging decodes source images and encodes derived variants.
package imaging

import (
	"context"
	"errors"
	"fmt"

	imagecache "github.com/wolfeidau/image-cache"
)

var (
	// ErrUnknownFormat is returned when the input is not a decodable image.
	ErrUnknownFormat = errors.New("unknown image format")

	// ErrUnsupportedExtension is returned when no encoder exists for the
	// requested extension.
	ErrUnsupportedExtension = errors.New("unsupported output extension")

	// ErrTooManyPixels is returned for sources whose header declares more
	// pixels than the engine accepts. It wraps ErrUnknownFormat, so callers
	// treat such input as not an image.
	ErrTooManyPixels = fmt.Errorf("%w: image exceeds pixel limit", ErrUnknownFormat)
)

const (
	// DefaultQuality is the encode quality used when none is configured.
	DefaultQuality = 75

	// DefaultSpeed is the AVIF encoder speed used when none is configured.
	DefaultSpeed = 8

	// DefaultMaxPixels is the largest source accepted, 0x3FFF squared.
	DefaultMaxPixels = 0x3FFF * 0x3FFF
)

// Info describes a decoded image.
type Info struct {
	Width  int
	Height int
	Format string // registered decoder name, e.g. "png", "jpeg", "avif"
}

// Derived is an encoded variant.
type Derived struct {
	Data      []byte
	Width     int
	Height    int
	Extension imagecache.Extension
}

// Engine decodes images and derives variants from them.
type Engine interface {
	// Decode inspects data and returns its dimensions and format.
	Decode(ctx context.Context, data []byte) (Info, error)

	// Derive scales data so its longer side equals spec.TallestSide and
	// encodes it as spec.Extension.
	Derive(ctx context.Context, data []byte, spec imagecache.TransformSpec) (*Derived, error)

	// Supports reports whether Derive can encode ext.
	Supports(ext imagecache.Extension) bool
}

// TargetSize returns the output dimensions for an image of width x height
// scaled so the longer side equals tallest. Aspect ratio is kept and neither
// side drops below one pixel. Square images are scaled on height.
func TargetSize(width, height, tallest int) (int, int) {
	if width <= 0 || height <= 0 || tallest <= 0 {
		return 0, 0
	}
	if width > height {
		h := (height*tallest + width/2) / width
		return tallest, max(h, 1)
	}
	w := (width*tallest + height/2) / height
	return max(w, 1), tallest
}
