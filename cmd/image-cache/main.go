// Command image-cache is a content-addressable cache server for derived images.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/credentials"
	"github.com/wolfeidau/image-cache/credentials/opprovider"
	"github.com/wolfeidau/image-cache/server"
	"github.com/wolfeidau/image-cache/telemetry"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config    kong.ConfigFlag  `help:"YAML configuration file." type:"existingfile" env:"IMAGE_CACHE_CONFIG"`
	LogLevel  string           `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"IMAGE_CACHE_LOG_LEVEL"`
	LogFormat string           `help:"Log format (text, json)." default:"text" enum:"text,json" env:"IMAGE_CACHE_LOG_FORMAT"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

// StorageFlags configure the cache store and the source fetcher.
type StorageFlags struct {
	Storage        string        `help:"Storage directory path." default:"./cache" type:"path" env:"IMAGE_CACHE_STORAGE"`
	Credentials    string        `help:"Source credentials template file." type:"existingfile" env:"IMAGE_CACHE_CREDENTIALS"`
	OpAccount      string        `help:"1Password account used by op references in the credentials file." env:"IMAGE_CACHE_OP_ACCOUNT"`
	FetchTimeout   time.Duration `help:"Timeout for a single source fetch." default:"30s" env:"IMAGE_CACHE_FETCH_TIMEOUT"`
	MaxSourceBytes int64         `help:"Largest source image accepted, in bytes." default:"52428800" env:"IMAGE_CACHE_MAX_SOURCE_BYTES"`
	FetchRate      float64       `help:"Source fetches per second, 0 to disable limiting." default:"0" env:"IMAGE_CACHE_FETCH_RATE"`
	FetchBurst     int           `help:"Burst size for the fetch rate limit." default:"10" env:"IMAGE_CACHE_FETCH_BURST"`
	Quality        int           `help:"Encode quality for derived images (1-100)." default:"75" env:"IMAGE_CACHE_QUALITY"`
	EncodeSpeed    int           `help:"AVIF encoder speed (1 slowest, 10 fastest)." default:"8" env:"IMAGE_CACHE_ENCODE_SPEED"`
	MaxPixels      int           `help:"Largest source accepted, in pixels (width*height)." default:"268402689" env:"IMAGE_CACHE_MAX_PIXELS"`
	RecordCacheTTL time.Duration `help:"How long metadata records stay in memory, 0 to disable." default:"1m" env:"IMAGE_CACHE_RECORD_CACHE_TTL"`
	IndexNoSync    bool          `help:"Skip fsync on artifact index commits." env:"IMAGE_CACHE_INDEX_NO_SYNC"`
}

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	StorageFlags `embed:""`

	Address           string `help:"Address to listen on." default:":8080" env:"IMAGE_CACHE_ADDRESS"`
	MaxConns          int    `help:"Maximum concurrent connections, 0 for unlimited." default:"0" env:"IMAGE_CACHE_MAX_CONNS"`
	Reindex           bool   `help:"Rebuild the artifact index from storage before serving." env:"IMAGE_CACHE_REINDEX"`
	MetricsPrometheus bool   `help:"Expose Prometheus metrics on /metrics." env:"IMAGE_CACHE_METRICS_PROMETHEUS"`
	MetricsOTLP       string `help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." env:"IMAGE_CACHE_METRICS_OTLP"`
}

// ResolveCmd resolves a single source URL against local storage.
type ResolveCmd struct {
	StorageFlags `embed:""`

	URL         string `arg:"" help:"Source image URL."`
	TallestSide int    `help:"Longest side of the derived image in pixels, 0 for the source as-is." short:"s"`
	Extension   string `help:"Output format (avif, heif, jxl)." short:"e"`
	Output      string `help:"Write the resolved image to this file." short:"o" type:"path"`
}

// CLI is the command line interface.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Run the image cache server."`
	Resolve ResolveCmd `cmd:"" help:"Resolve one source URL and print its hash and filename."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("image-cache"),
		kong.Description("A content-addressable cache for derived images."),
		kong.UsageOnError(),
		kong.Configuration(YAMLLoader),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(os.Stderr, cli.LogFormat, cli.LogLevel)
	ctx.FatalIfErrorf(err)

	ctx.FatalIfErrorf(ctx.Run(&cli.Globals, logger))
}

// serverConfig builds the server configuration shared by both commands.
func (f *StorageFlags) serverConfig(ctx context.Context, logger *slog.Logger) (server.Config, error) {
	cfg := server.Config{
		StoragePath:    f.Storage,
		FetchTimeout:   f.FetchTimeout,
		MaxSourceBytes: f.MaxSourceBytes,
		FetchRate:      f.FetchRate,
		FetchBurst:     f.FetchBurst,
		Quality:        f.Quality,
		EncodeSpeed:    f.EncodeSpeed,
		MaxPixels:      f.MaxPixels,
		RecordCacheTTL: f.RecordCacheTTL,
		IndexNoSync:    f.IndexNoSync,
		Logger:         logger,
	}

	if f.Credentials != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(logger),
			opprovider.WithOnePassword(opprovider.WithAccount(f.OpAccount)),
		)
		creds, err := resolver.ResolveFile(ctx, f.Credentials)
		if err != nil {
			return server.Config{}, fmt.Errorf("resolving credentials: %w", err)
		}
		if creds.Sources != nil {
			if err := creds.Sources.Validate(); err != nil {
				return server.Config{}, fmt.Errorf("invalid source credentials: %w", err)
			}
			cfg.SourceAuth = creds.Sources
			logger.Info("source credentials loaded", "routes", len(creds.Sources.Routes))
		}
	}

	return cfg, nil
}

// Run starts the server and blocks until a signal or a serve error.
func (c *ServeCmd) Run(globals *Globals, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "image-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.MetricsOTLP,
		EnablePrometheus: c.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	cfg, err := c.serverConfig(ctx, logger)
	if err != nil {
		return err
	}
	cfg.Address = c.Address
	cfg.MaxConns = c.MaxConns

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if c.Reindex {
		n, err := srv.Reindex(ctx)
		if err != nil {
			_ = srv.Close()
			return fmt.Errorf("reindexing storage: %w", err)
		}
		logger.Info("artifact index rebuilt", "artifacts", n)
	}

	logger.Info("server started",
		"address", srv.Address(),
		"storage", c.Storage,
		"log_level", globals.LogLevel,
		"max_conns", c.MaxConns,
		"metrics_prometheus", c.MetricsPrometheus,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type resolveOutput struct {
	Hash      string `json:"hash"`
	Filename  string `json:"filename"`
	MediaType string `json:"media_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Size      int64  `json:"size"`
	Hit       bool   `json:"hit"`
}

// Run resolves the URL, prints the result as JSON and optionally writes the
// image to a file.
func (c *ResolveCmd) Run(logger *slog.Logger) error {
	return c.run(context.Background(), os.Stdout, logger)
}

func (c *ResolveCmd) run(ctx context.Context, out io.Writer, logger *slog.Logger) error {
	cfg, err := c.serverConfig(ctx, logger)
	if err != nil {
		return err
	}
	return c.resolveWith(ctx, cfg, out)
}

func (c *ResolveCmd) resolveWith(ctx context.Context, cfg server.Config, out io.Writer) (err error) {
	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if cerr := srv.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	res, err := srv.Cache().Resolve(ctx, c.URL, imagecache.Options{
		TallestSide: c.TallestSide,
		Extension:   c.Extension,
	})
	if err != nil {
		return err
	}

	if c.Output != "" {
		if err := c.writeImage(ctx, srv, res.Key); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(resolveOutput{
		Hash:      res.Key.String(),
		Filename:  res.Filename(),
		MediaType: res.MediaType,
		Width:     res.Width,
		Height:    res.Height,
		Size:      res.Size,
		Hit:       res.Hit,
	})
}

func (c *ResolveCmd) writeImage(ctx context.Context, srv *server.Server, key imagecache.Key) error {
	art, err := srv.Cache().Open(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = art.Close() }()

	f, err := os.Create(c.Output)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	if _, err := io.Copy(f, art.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing output file: %w", err)
	}
	return f.Close()
}
