package backend

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func variantHeader(body []byte) *BlobHeader {
	return &BlobHeader{
		ContentType:   "image/avif",
		ContentLength: int64(len(body)),
		CachedAt:      "2024-01-15T10:30:00Z",
		ContentHash:   "9f2c",
		Width:         640,
		Height:        480,
		Kind:          "variant",
		SourceKey:     "ab12",
	}
}

func TestFramingRoundTrip(t *testing.T) {
	body := []byte("avif bytes")
	header := variantHeader(body)
	header.SourceURL = "https://example.com/a.png"

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, header, bytes.NewReader(body)))

	got, bodyReader, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, header, got)

	readBody, err := io.ReadAll(bodyReader)
	require.NoError(t, err)
	require.Equal(t, body, readBody)
}

func TestFramingSourceWithoutDimensions(t *testing.T) {
	header := &BlobHeader{ContentType: "image/jpeg", ContentLength: 4, Kind: "source"}

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, header, strings.NewReader("jpeg")))

	got, _, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.Zero(t, got.Width)
	require.Zero(t, got.Height)
	require.Empty(t, got.SourceKey)
}

func TestBlobHeaderValidate(t *testing.T) {
	tests := []struct {
		name    string
		header  BlobHeader
		wantErr bool
	}{
		{name: "variant", header: BlobHeader{ContentType: "image/jxl", ContentLength: 10, Width: 4, Height: 3}},
		{name: "no dimensions", header: BlobHeader{ContentType: "image/png"}},
		{name: "missing content type", header: BlobHeader{ContentLength: 1}, wantErr: true},
		{name: "negative length", header: BlobHeader{ContentType: "image/png", ContentLength: -1}, wantErr: true},
		{name: "width only", header: BlobHeader{ContentType: "image/png", Width: 10}, wantErr: true},
		{name: "negative height", header: BlobHeader{ContentType: "image/png", Width: 10, Height: -10}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.header.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidHeader)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestBlobHeaderCachedTime(t *testing.T) {
	h := &BlobHeader{CachedAt: "2024-01-15T10:30:00Z"}
	require.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), h.CachedTime())

	h.CachedAt = "yesterday"
	require.True(t, h.CachedTime().IsZero())
}

func TestWriteFramedRejectsInvalidHeader(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFramed(&buf, &BlobHeader{ContentType: "image/png", Width: 10}, strings.NewReader(""))
	require.ErrorIs(t, err, ErrInvalidHeader)
	require.Zero(t, buf.Len())
}

func TestWriteFramedLengthMismatch(t *testing.T) {
	body := []byte("avif bytes")
	header := variantHeader(body)
	header.ContentLength++

	var buf bytes.Buffer
	err := WriteFramed(&buf, header, bytes.NewReader(body))
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestReadFramedTruncatedBody(t *testing.T) {
	body := []byte("a complete derived image")
	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, variantHeader(body), bytes.NewReader(body)))

	truncated := buf.Bytes()[:buf.Len()-5]
	_, bodyReader, err := ReadFramed(bytes.NewReader(truncated))
	require.NoError(t, err)

	_, err = io.ReadAll(bodyReader)
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestReadFramedStopsAtDeclaredLength(t *testing.T) {
	body := []byte("image")
	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, variantHeader(body), bytes.NewReader(body)))
	buf.WriteString("trailing garbage")

	_, bodyReader, err := ReadFramed(&buf)
	require.NoError(t, err)
	got, err := io.ReadAll(bodyReader)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestReadFramedRejectsInvalidHeader(t *testing.T) {
	headerJSON := []byte(`{"content_type":"","content_length":3}`)
	var buf bytes.Buffer
	buf.Write(MagicBytes)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(len(headerJSON))))
	buf.Write(headerJSON)
	buf.WriteString("abc")

	_, _, err := ReadFramed(&buf)
	require.ErrorIs(t, err, ErrInvalidHeader)
}

func TestIsFramed(t *testing.T) {
	var framed bytes.Buffer
	require.NoError(t, WriteFramed(&framed, variantHeader([]byte("hello")), strings.NewReader("hello")))

	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{name: "framed", data: framed.Bytes(), want: true},
		{name: "raw png", data: []byte("\x89PNG\r\n\x1a\n...")},
		{name: "short", data: []byte("IC")},
		{name: "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bytes.NewReader(tt.data)
			got, err := IsFramed(r)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)

			pos, err := r.Seek(0, io.SeekCurrent)
			require.NoError(t, err)
			require.Zero(t, pos)
		})
	}
}

func TestReadFramedInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("XXXX")
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(10)))
	buf.WriteString(`{"test":1}`)

	_, _, err := ReadFramed(&buf)
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestWriteFramedHeaderTooLarge(t *testing.T) {
	header := &BlobHeader{
		ContentType: "image/png",
		SourceURL:   "https://example.com/" + strings.Repeat("x", MaxHeaderSize),
	}

	var buf bytes.Buffer
	err := WriteFramed(&buf, header, strings.NewReader(""))
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestReadFramedHeaderTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicBytes)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(MaxHeaderSize+1)))

	_, _, err := ReadFramed(&buf)
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestFramingLargeBody(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 1024*1024)

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, variantHeader(body), bytes.NewReader(body)))

	header, bodyReader, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), header.ContentLength)

	got, err := io.ReadAll(bodyReader)
	require.NoError(t, err)
	require.Equal(t, body, got)
}
