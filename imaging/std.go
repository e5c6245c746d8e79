package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"log/slog"
	"time"

	"github.com/gen2brain/avif"
	"github.com/gen2brain/jpegxl"
	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/telemetry"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder
)

// Std is the default Engine. It decodes the formats registered with the
// image package (png, jpeg, gif, webp, avif, jxl), resamples with
// Catmull-Rom and encodes AVIF and JPEG XL. HEIF output has no encoder.
type Std struct {
	quality   int
	speed     int
	effort    int
	maxPixels int
	logger    *slog.Logger
}

// StdOption configures a Std engine.
type StdOption func(*Std)

// WithQuality sets the encode quality (1-100).
func WithQuality(q int) StdOption {
	return func(s *Std) {
		if q > 0 && q <= 100 {
			s.quality = q
		}
	}
}

// WithSpeed sets the AVIF encoder speed (0 slowest, 10 fastest). Values
// outside that range keep the default.
func WithSpeed(speed int) StdOption {
	return func(s *Std) {
		if speed >= 0 && speed <= 10 {
			s.speed = speed
		}
	}
}

// WithMaxPixels caps width*height of accepted sources. Values below one
// keep the default.
func WithMaxPixels(n int) StdOption {
	return func(s *Std) {
		if n > 0 {
			s.maxPixels = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StdOption {
	return func(s *Std) {
		s.logger = logger
	}
}

// NewStd creates a Std engine.
func NewStd(opts ...StdOption) *Std {
	s := &Std{
		quality:   DefaultQuality,
		speed:     DefaultSpeed,
		effort:    7,
		maxPixels: DefaultMaxPixels,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "imaging")
	return s
}

// Decode reads only the image header.
func (s *Std) Decode(_ context.Context, data []byte) (Info, error) {
	return s.header(data)
}

// header reads the image header and enforces the pixel limit, so nothing
// larger than maxPixels is ever fully decoded.
func (s *Std) header(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrUnknownFormat, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("%w: empty dimensions %dx%d", ErrUnknownFormat, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(s.maxPixels) {
		return Info{}, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit",
			ErrTooManyPixels, cfg.Width, cfg.Height, s.maxPixels)
	}
	return Info{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// Derive decodes data, scales it and encodes the result.
func (s *Std) Derive(ctx context.Context, data []byte, spec imagecache.TransformSpec) (*Derived, error) {
	start := time.Now()
	derived, err := s.derive(ctx, data, spec)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordDerive(ctx, string(spec.Extension), outcome, time.Since(start))
	return derived, err
}

func (s *Std) derive(ctx context.Context, data []byte, spec imagecache.TransformSpec) (*Derived, error) {
	if spec.IsSource() {
		return nil, fmt.Errorf("derive requires a tallest side")
	}
	encode, err := s.encoderFor(spec.Extension)
	if err != nil {
		return nil, err
	}

	if _, err := s.header(data); err != nil {
		return nil, err
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownFormat, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := src.Bounds()
	w, h := TargetSize(b.Dx(), b.Dy(), spec.TallestSide)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", spec.Extension, err)
	}

	s.logger.Debug("derived variant",
		"from", format,
		"source_size", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
		"spec", spec.String(),
		"bytes", buf.Len())

	return &Derived{
		Data:      buf.Bytes(),
		Width:     w,
		Height:    h,
		Extension: spec.Extension,
	}, nil
}

// Supports reports whether ext has an encoder. HEIF does not.
func (s *Std) Supports(ext imagecache.Extension) bool {
	_, err := s.encoderFor(ext)
	return err == nil
}

type encodeFunc func(buf *bytes.Buffer, img image.Image) error

func (s *Std) encoderFor(ext imagecache.Extension) (encodeFunc, error) {
	switch ext {
	case imagecache.ExtAVIF:
		return func(buf *bytes.Buffer, img image.Image) error {
			return avif.Encode(buf, img, avif.Options{
				Quality:      s.quality,
				QualityAlpha: s.quality,
				Speed:        s.speed,
			})
		}, nil
	case imagecache.ExtJXL:
		return func(buf *bytes.Buffer, img image.Image) error {
			return jpegxl.Encode(buf, img, jpegxl.Options{
				Quality: s.quality,
				Effort:  s.effort,
			})
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s output not supported by this engine", ErrUnsupportedExtension, ext)
	}
}

var _ Engine = (*Std)(nil)
