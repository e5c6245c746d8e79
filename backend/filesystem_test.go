package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"
)

func TestNewFilesystem(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "cache")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)

	require.Equal(t, root, fs.Root())

	// Check directory was created
	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	key := "test/data.txt"
	data := []byte("hello, world!")

	// Write
	err := fs.Write(ctx, key, bytes.NewReader(data))
	require.NoError(t, err)

	// Read
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)

	require.Equal(t, data, got)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()

	_, err := fs.Read(ctx, "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExists(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	key := "exists/test.txt"

	// Before write
	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	// Write
	err = fs.Write(ctx, key, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	// After write
	exists, err = fs.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemDelete(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	key := "delete/test.txt"

	// Write
	err := fs.Write(ctx, key, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	// Delete
	err = fs.Delete(ctx, key)
	require.NoError(t, err)

	// Verify deleted
	exists, _ := fs.Exists(ctx, key)
	require.False(t, exists)

	// Delete nonexistent should not error (idempotent)
	err = fs.Delete(ctx, "nonexistent")
	require.NoError(t, err)
}

func TestFilesystemList(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()

	// Write multiple files
	keys := []string{
		"dir1/file1.txt",
		"dir1/file2.txt",
		"dir1/subdir/file3.txt",
		"dir2/file4.txt",
	}

	for _, key := range keys {
		err := fs.Write(ctx, key, bytes.NewReader([]byte("data")))
		require.NoError(t, err)
	}

	// List all
	all, err := fs.List(ctx, "")
	require.NoError(t, err)
	sort.Strings(all)
	sort.Strings(keys)
	require.Equal(t, keys, all)

	// List with prefix
	dir1Files, err := fs.List(ctx, "dir1")
	require.NoError(t, err)
	expected := []string{"dir1/file1.txt", "dir1/file2.txt", "dir1/subdir/file3.txt"}
	sort.Strings(dir1Files)
	sort.Strings(expected)
	require.Equal(t, expected, dir1Files)
}

func TestFilesystemAtomicWrite(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	key := "atomic/test.txt"
	originalData := []byte("original content")

	err := fs.Write(ctx, key, bytes.NewReader(originalData))
	require.NoError(t, err)

	// A source that fails mid-stream must leave the previous artifact intact.
	failing := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errors.New("connection reset")))
	err = fs.Write(ctx, key, failing)
	require.Error(t, err)

	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, originalData, got)

	keys, err := fs.List(ctx, "atomic")
	require.NoError(t, err)
	require.Equal(t, []string{key}, keys)
}

func TestFilesystemOverwrite(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	key := "overwrite/test.txt"

	// Write initial
	err := fs.Write(ctx, key, bytes.NewReader([]byte("initial")))
	require.NoError(t, err)

	// Overwrite
	newData := []byte("new content that is longer")
	err = fs.Write(ctx, key, bytes.NewReader(newData))
	require.NoError(t, err)

	// Verify overwrite
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, newData, got)
}

// Helper functions

func newTestFilesystem(t *testing.T) (*Filesystem, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	fs, err := NewFilesystem(tmpDir)
	require.NoError(t, err)
	return fs, func() {}
}

func TestFilesystemMemfs(t *testing.T) {
	fs := NewBillyFilesystem(memfs.New())
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "images/ab/abcd", bytes.NewReader([]byte("one"))))
	require.NoError(t, fs.Write(ctx, "images/cd/cdef", bytes.NewReader([]byte("two"))))
	require.NoError(t, fs.Write(ctx, "images/ab/abcd", bytes.NewReader([]byte("three"))))

	rc, err := fs.Read(ctx, "images/ab/abcd")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "three", string(got))

	keys, err := fs.List(ctx, "images")
	require.NoError(t, err)
	sort.Strings(keys)
	require.Equal(t, []string{"images/ab/abcd", "images/cd/cdef"}, keys)

	_, err = fs.Read(ctx, "images/ff/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemFramed(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	header := &BlobHeader{
		ContentType:   "image/avif",
		ContentLength: 5,
		CachedAt:      "2024-01-15T10:30:00Z",
		ContentHash:   "abcd",
		Width:         200,
		Height:        100,
	}

	err := fs.WriteFramed(ctx, "framed/key", header, strings.NewReader("hello"))
	require.NoError(t, err)

	got, rc, err := fs.ReadFramed(ctx, "framed/key")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	require.Equal(t, "image/avif", got.ContentType)
	require.Equal(t, 200, got.Width)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
}

func TestFilesystemReadFramedRaw(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "raw/key", strings.NewReader("not framed at all")))

	header, rc, err := fs.ReadFramed(ctx, "raw/key")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	require.Equal(t, "application/octet-stream", header.ContentType)
	require.Equal(t, int64(len("not framed at all")), header.ContentLength)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "not framed at all", string(body))
}

func TestFilesystemReadFramedNotFound(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	_, _, err := fs.ReadFramed(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemCheckWritable(t *testing.T) {
	fs, cleanup := newTestFilesystem(t)
	defer cleanup()

	require.NoError(t, fs.CheckWritable())

	keys, err := fs.List(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestCleanKey(t *testing.T) {
	require.Equal(t, "a/b", cleanKey("a/b"))
	require.Equal(t, "a/b", cleanKey("/a/b"))
	require.Equal(t, "etc/passwd", cleanKey("../../etc/passwd"))
	require.Equal(t, "", cleanKey(""))
}
