package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Artifact files are a fixed prefix, a JSON header and the image bytes:
//
//	"ICB1" | uint32 header length (big-endian) | header JSON | body
//
// The header records what the body is (media type, pixel dimensions, which
// source a variant came from) so an artifact can be served or reindexed
// without decoding the image.

var (
	// MagicBytes is the 4-byte prefix for framed artifact files.
	MagicBytes = []byte("ICB1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected ICB1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrInvalidHeader is returned for headers that cannot describe an image.
	ErrInvalidHeader = errors.New("invalid artifact header")

	// ErrLengthMismatch is returned when a body does not match the length
	// declared in its header. Reads report it for truncated artifacts.
	ErrLengthMismatch = errors.New("artifact body length mismatch")
)

const (
	// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
	MaxHeaderSize = 64 * 1024

	prefixSize = 8
)

// BlobHeader describes the body of a stored artifact.
type BlobHeader struct {
	ContentType   string `json:"content_type"`
	ContentLength int64  `json:"content_length"`
	CachedAt      string `json:"cached_at"`
	ContentHash   string `json:"content_hash"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	SourceURL     string `json:"source_url,omitempty"`
	Kind          string `json:"kind,omitempty"`
	SourceKey     string `json:"source_key,omitempty"`
}

// Validate checks that the header can describe an image artifact.
// Dimensions are optional but must be given together.
func (h *BlobHeader) Validate() error {
	switch {
	case h.ContentType == "":
		return fmt.Errorf("%w: missing content type", ErrInvalidHeader)
	case h.ContentLength < 0:
		return fmt.Errorf("%w: negative content length %d", ErrInvalidHeader, h.ContentLength)
	case h.Width < 0 || h.Height < 0:
		return fmt.Errorf("%w: negative dimensions %dx%d", ErrInvalidHeader, h.Width, h.Height)
	case (h.Width == 0) != (h.Height == 0):
		return fmt.Errorf("%w: partial dimensions %dx%d", ErrInvalidHeader, h.Width, h.Height)
	}
	return nil
}

// CachedTime parses CachedAt. Headers without a valid timestamp return the
// zero time.
func (h *BlobHeader) CachedTime() time.Time {
	t, err := time.Parse(time.RFC3339, h.CachedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// WriteFramed writes header and body to w. The body must be exactly
// header.ContentLength bytes.
func WriteFramed(w io.Writer, header *BlobHeader, body io.Reader) error {
	if err := header.Validate(); err != nil {
		return err
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	frame := make([]byte, 0, prefixSize+len(headerBytes))
	frame = append(frame, MagicBytes...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(headerBytes))) //nolint:gosec // bounded by MaxHeaderSize
	frame = append(frame, headerBytes...)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	n, err := io.Copy(w, body)
	if err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	if n != header.ContentLength {
		return fmt.Errorf("%w: header declares %d bytes, wrote %d", ErrLengthMismatch, header.ContentLength, n)
	}
	return nil
}

// ReadFramed parses the frame prefix and header from r. The returned body
// yields exactly ContentLength bytes and fails with ErrLengthMismatch if r
// ends early.
func ReadFramed(r io.Reader) (*BlobHeader, io.Reader, error) {
	prefix := make([]byte, prefixSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, nil, fmt.Errorf("reading frame prefix: %w", err)
	}
	if !bytes.Equal(prefix[:4], MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	headerLen := binary.BigEndian.Uint32(prefix[4:])
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header BlobHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	if err := header.Validate(); err != nil {
		return nil, nil, err
	}

	return &header, &bodyReader{r: io.LimitReader(r, header.ContentLength), remaining: header.ContentLength}, nil
}

// bodyReader turns an early EOF into ErrLengthMismatch.
type bodyReader struct {
	r         io.Reader
	remaining int64
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if errors.Is(err, io.EOF) && b.remaining > 0 {
		return n, fmt.Errorf("%w: body truncated, %d bytes missing", ErrLengthMismatch, b.remaining)
	}
	return n, err
}

// IsFramed reports whether r starts with the frame magic. The reader is
// rewound to the start afterwards.
func IsFramed(r io.ReadSeeker) (bool, error) {
	magic := make([]byte, len(MagicBytes))
	n, err := io.ReadFull(r, magic)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return false, fmt.Errorf("reading magic bytes: %w", err)
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("seeking to start: %w", err)
	}
	return n == len(MagicBytes) && bytes.Equal(magic, MagicBytes), nil
}
