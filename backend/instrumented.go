package backend

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/telemetry"
)

// InstrumentedBackend records metrics for every storage operation. Each
// operation is labelled with the keyspace it touched (images or metadata)
// and, for framed artifacts, the artifact kind from the header so source
// and variant traffic can be told apart. Reads are recorded when the body
// is closed and count the bytes actually served.
type InstrumentedBackend struct {
	backend  FramedBackend
	name     string
	recordOp func(context.Context, telemetry.BackendOp)
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b FramedBackend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name, recordOp: telemetry.RecordBackendOp}
}

func (ib *InstrumentedBackend) record(ctx context.Context, op, key, kind string, err error, start time.Time, n int64) {
	ib.recordOp(ctx, telemetry.BackendOp{
		Backend:  ib.name,
		Op:       op,
		Keyspace: imagecache.Keyspace(key),
		Kind:     kind,
		Outcome:  outcomeFromError(err),
		Duration: time.Since(start),
		Bytes:    n,
	})
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	ib.record(ctx, "write", key, "", err, start, cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		ib.record(ctx, "read", key, "", err, start, 0)
		return nil, err
	}
	return ib.meter(ctx, "read", key, "", start, rc), nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	ib.record(ctx, "delete", key, "", err, start, 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	ib.record(ctx, "exists", key, "", err, start, 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	ib.record(ctx, "list", prefix, "", err, start, 0)
	return keys, err
}

// WriteFramed records the body bytes written under the header's kind.
func (ib *InstrumentedBackend) WriteFramed(ctx context.Context, key string, header *BlobHeader, body io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: body}
	err := ib.backend.WriteFramed(ctx, key, header, cr)
	ib.record(ctx, "write_framed", key, header.Kind, err, start, cr.n)
	return err
}

// ReadFramed records the artifact read under the header's kind once the
// body is closed.
func (ib *InstrumentedBackend) ReadFramed(ctx context.Context, key string) (*BlobHeader, io.ReadCloser, error) {
	start := time.Now()
	header, rc, err := ib.backend.ReadFramed(ctx, key)
	if err != nil {
		ib.record(ctx, "read_framed", key, "", err, start, 0)
		return nil, nil, err
	}
	return header, ib.meter(ctx, "read_framed", key, header.Kind, start, rc), nil
}

func (ib *InstrumentedBackend) meter(ctx context.Context, op, key, kind string, start time.Time, rc io.ReadCloser) io.ReadCloser {
	return &meteredBody{
		ReadCloser: rc,
		done: func(n int64, err error) {
			ib.record(ctx, op, key, kind, err, start, n)
		},
	}
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// meteredBody counts bytes read and reports once on the first Close. A read
// error other than EOF becomes the recorded outcome.
type meteredBody struct {
	io.ReadCloser
	n       int64
	readErr error
	once    sync.Once
	done    func(n int64, err error)
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		b.readErr = err
	}
	return n, err
}

func (b *meteredBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.done(b.n, b.readErr)
	})
	return err
}

// Compile-time interface checks
var (
	_ Backend       = (*InstrumentedBackend)(nil)
	_ FramedBackend = (*InstrumentedBackend)(nil)
)
