package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

const tempPrefix = ".tmp-"

// Filesystem implements Backend on top of a billy filesystem.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string
	fs   billy.Filesystem
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot, fs: osfs.New(absRoot)}, nil
}

// NewBillyFilesystem creates a backend over an existing billy filesystem.
// The backend is only as safe for concurrent use as bfs; memfs is not, so
// memfs backed instances must stay on a single goroutine.
func NewBillyFilesystem(bfs billy.Filesystem) *Filesystem {
	return &Filesystem{root: bfs.Root(), fs: bfs}
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

// CheckWritable verifies the root accepts writes by creating and removing
// a temp file.
func (f *Filesystem) CheckWritable() error {
	tmp, err := f.fs.TempFile("", tempPrefix+"writable-")
	if err != nil {
		return fmt.Errorf("storage root %s is not writable: %w", f.root, err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	return f.fs.Remove(name)
}

// Write stores data at the given key using atomic write.
func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	w, err := f.newAtomicWriter(key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return fmt.Errorf("writing data: %w", err)
	}
	return w.Close()
}

// WriteFramed writes a framed blob atomically.
func (f *Filesystem) WriteFramed(ctx context.Context, key string, header *BlobHeader, body io.Reader) error {
	w, err := f.newAtomicWriter(key)
	if err != nil {
		return err
	}
	if err := WriteFramed(w, header, body); err != nil {
		_ = w.Abort()
		return err
	}
	return w.Close()
}

// Read retrieves data at the given key.
func (f *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	file, err := f.fs.Open(cleanKey(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// ReadFramed opens a framed blob and parses its header. Blobs without the
// frame prefix are returned with a generic header.
func (f *Filesystem) ReadFramed(ctx context.Context, key string) (*BlobHeader, io.ReadCloser, error) {
	file, err := f.fs.Open(cleanKey(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("opening file: %w", err)
	}

	framed, err := IsFramed(file)
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}
	if !framed {
		// Raw blobs are served as opaque bytes.
		size, err := f.size(key)
		if err != nil {
			_ = file.Close()
			return nil, nil, err
		}
		return &BlobHeader{ContentType: "application/octet-stream", ContentLength: size}, file, nil
	}

	header, body, err := ReadFramed(file)
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("reading framed blob %s: %w", key, err)
	}
	return header, &bodyReadCloser{Reader: body, closer: file}, nil
}

// Delete removes data at the given key.
func (f *Filesystem) Delete(ctx context.Context, key string) error {
	err := f.fs.Remove(cleanKey(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (f *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := f.fs.Stat(cleanKey(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// List returns all keys with the given prefix.
func (f *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := cleanKey(prefix)

	info, err := f.fs.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{dir}, nil
	}

	var keys []string
	if err := f.walk(ctx, dir, &keys); err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

func (f *Filesystem) walk(ctx context.Context, dir string, keys *[]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := f.fs.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := e.Name()
		if dir != "" && dir != "." {
			p = path.Join(dir, e.Name())
		}
		if e.IsDir() {
			if err := f.walk(ctx, p, keys); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		*keys = append(*keys, p)
	}
	return nil
}

func (f *Filesystem) size(key string) (int64, error) {
	info, err := f.fs.Stat(cleanKey(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

func (f *Filesystem) newAtomicWriter(key string) (*atomicWriter, error) {
	dst := cleanKey(key)
	if dst == "" || dst == "." {
		return nil, fmt.Errorf("invalid key %q", key)
	}
	dir := path.Dir(dst)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}
	tmp, err := f.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &atomicWriter{fs: f.fs, f: tmp, tmpPath: tmp.Name(), dstPath: dst}, nil
}

// cleanKey converts a slash separated key into a path relative to the root.
func cleanKey(key string) string {
	return strings.TrimPrefix(path.Clean("/"+key), "/")
}

// atomicWriter wraps a temp file for atomic writing.
type atomicWriter struct {
	fs      billy.Filesystem
	f       billy.File
	tmpPath string
	dstPath string
	closed  bool
}

// Write implements io.Writer.
func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close commits the write by renaming the temp file.
func (w *atomicWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if s, ok := w.f.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			_ = w.f.Close()
			_ = w.fs.Remove(w.tmpPath)
			return fmt.Errorf("syncing file: %w", err)
		}
	}

	if err := w.f.Close(); err != nil {
		_ = w.fs.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := w.fs.Rename(w.tmpPath, w.dstPath); err != nil {
		_ = w.fs.Remove(w.tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Abort cancels the write and removes the temp file.
func (w *atomicWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.f.Close()
	return w.fs.Remove(w.tmpPath)
}

type bodyReadCloser struct {
	io.Reader
	closer io.Closer
}

func (b *bodyReadCloser) Close() error {
	return b.closer.Close()
}

// Compile-time interface checks
var (
	_ Backend       = (*Filesystem)(nil)
	_ FramedBackend = (*Filesystem)(nil)
)
