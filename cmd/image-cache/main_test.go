package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/imaging"
	"github.com/wolfeidau/image-cache/server"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("image-cache"),
		kong.Configuration(YAMLLoader),
		kong.Vars{"version": "test"},
		kong.Exit(func(int) { t.Fatal("unexpected exit") }),
	)
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, kctx
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParse_Defaults(t *testing.T) {
	cli, kctx := parse(t)
	require.Equal(t, "serve", kctx.Command())
	require.Equal(t, ":8080", cli.Serve.Address)
	require.Equal(t, 30*time.Second, cli.Serve.FetchTimeout)
	require.Equal(t, int64(50<<20), cli.Serve.MaxSourceBytes)
	require.Equal(t, 75, cli.Serve.Quality)
	require.Equal(t, imaging.DefaultSpeed, cli.Serve.EncodeSpeed)
	require.Equal(t, imaging.DefaultMaxPixels, cli.Serve.MaxPixels)
	require.False(t, cli.Serve.IndexNoSync)
	require.Equal(t, "info", cli.LogLevel)
	require.Equal(t, "text", cli.LogFormat)
}

func TestParse_YAMLConfig(t *testing.T) {
	path := writeConfig(t, `
log-level: debug
log_format: json
serve:
  address: ":9090"
  max_conns: 512
  fetch-timeout: 5s
  reindex: true
`)
	cli, _ := parse(t, "--config", path, "serve")
	require.Equal(t, "debug", cli.LogLevel)
	require.Equal(t, "json", cli.LogFormat)
	require.Equal(t, ":9090", cli.Serve.Address)
	require.Equal(t, 512, cli.Serve.MaxConns)
	require.Equal(t, 5*time.Second, cli.Serve.FetchTimeout)
	require.True(t, cli.Serve.Reindex)
}

func TestParse_FlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, "serve:\n  address: \":9090\"\n")
	cli, _ := parse(t, "--config", path, "serve", "--address", ":7070")
	require.Equal(t, ":7070", cli.Serve.Address)
}

func TestServerConfig_EngineAndIndexFlags(t *testing.T) {
	path := writeConfig(t, `
serve:
  encode-speed: 4
  max_pixels: 1000000
  index-no-sync: true
`)
	cli, _ := parse(t, "--config", path, "serve", "--quality", "60")

	cfg, err := cli.Serve.serverConfig(context.Background(), slog.Default())
	require.NoError(t, err)
	require.Equal(t, 60, cfg.Quality)
	require.Equal(t, 4, cfg.EncodeSpeed)
	require.Equal(t, 1000000, cfg.MaxPixels)
	require.True(t, cfg.IndexNoSync)
}

func TestParse_Resolve(t *testing.T) {
	cli, kctx := parse(t, "resolve", "https://example.com/a.png", "-s", "200", "-e", "jxl")
	require.Equal(t, "resolve <url>", kctx.Command())
	require.Equal(t, "https://example.com/a.png", cli.Resolve.URL)
	require.Equal(t, 200, cli.Resolve.TallestSide)
	require.Equal(t, "jxl", cli.Resolve.Extension)
}

func TestYAMLLoader_Invalid(t *testing.T) {
	_, err := YAMLLoader(bytes.NewBufferString("serve: [unterminated"))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "warn")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "shown", entry["msg"])
	require.Equal(t, "v", entry["k"])

	_, err = newLogger(io.Discard, "text", "debug")
	require.NoError(t, err)

	_, err = newLogger(io.Discard, "xml", "info")
	require.ErrorContains(t, err, "invalid log format")

	_, err = newLogger(io.Discard, "text", "loud")
	require.ErrorContains(t, err, "invalid log level")
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		img.Set(x, 0, color.NRGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestResolveCmd_Source(t *testing.T) {
	data := pngBytes(t, 8, 4)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(data)
	}))
	defer origin.Close()

	sourceURL := origin.URL + "/cat.png"
	output := filepath.Join(t.TempDir(), "out.png")
	cmd := &ResolveCmd{URL: sourceURL, Output: output}

	var out bytes.Buffer
	err := cmd.resolveWith(context.Background(), server.Config{
		StoragePath: t.TempDir(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, &out)
	require.NoError(t, err)

	var res resolveOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	key := imagecache.KeyForURL(sourceURL).String()
	require.Equal(t, key, res.Hash)
	require.Equal(t, key+".png", res.Filename)
	require.Equal(t, "image/png", res.MediaType)
	require.Equal(t, 8, res.Width)
	require.Equal(t, 4, res.Height)

	written, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Equal(t, data, written)
}

func TestResolveCmd_KeysLikeHTTP(t *testing.T) {
	data := pngBytes(t, 4, 4)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(data)
	}))
	defer origin.Close()

	// Same URL spelled with an upper-case scheme and an unescaped space.
	raw := "HTTP://" + strings.TrimPrefix(origin.URL, "http://") + "/a b.png"
	cmd := &ResolveCmd{URL: raw}

	var out bytes.Buffer
	err := cmd.resolveWith(context.Background(), server.Config{
		StoragePath: t.TempDir(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, &out)
	require.NoError(t, err)

	var res resolveOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Equal(t, imagecache.KeyForURL(origin.URL+"/a%20b.png").String(), res.Hash)
}
