// Package server provides the HTTP server for the image cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/credentials"
	"github.com/wolfeidau/image-cache/imaging"
	"github.com/wolfeidau/image-cache/record"
	"github.com/wolfeidau/image-cache/store"
	"github.com/wolfeidau/image-cache/store/metadb"
	"github.com/wolfeidau/image-cache/telemetry"
	"github.com/wolfeidau/image-cache/upstream"
	"golang.org/x/net/netutil"
)

// IndexFile is the name of the artifact index under the storage root.
const IndexFile = "index.db"

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path for images, metadata and the index
	StoragePath string

	// MaxConns caps concurrent connections. Zero means unlimited.
	MaxConns int

	// FetchTimeout bounds a single source fetch.
	FetchTimeout time.Duration

	// MaxSourceBytes is the largest source accepted.
	MaxSourceBytes int64

	// FetchRate limits source fetches per second; FetchBurst is the bucket size.
	// Zero disables limiting.
	FetchRate  float64
	FetchBurst int

	// SourceAuth attaches credentials to matching source hosts (optional).
	SourceAuth *credentials.SourceAuthConfig

	// Quality is the encode quality for derived variants.
	Quality int

	// EncodeSpeed is the AVIF encoder speed, 1 slowest to 10 fastest. Zero
	// selects the engine default.
	EncodeSpeed int

	// MaxPixels caps width*height of accepted sources. Zero selects the
	// engine default.
	MaxPixels int

	// IndexNoSync skips fsync on artifact index commits. The index can be
	// rebuilt with Reindex, so losing recent entries on a crash only costs
	// access statistics.
	IndexNoSync bool

	// RecordCacheTTL is how long decoded metadata records stay in memory.
	// Zero disables the cache.
	RecordCacheTTL time.Duration

	// Engine overrides the default image engine (optional).
	Engine imaging.Engine

	// Fetcher overrides the default HTTP fetcher (optional).
	Fetcher upstream.Fetcher

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the image cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	schema     *jsonschema.Schema

	// Components
	backend   *backend.Filesystem
	index     *metadb.BoltDB
	artifacts *store.Artifacts
	records   *record.Store
	cache     *cache.Cache
}

// New creates a new server with the given configuration. It prepares the
// storage root and opens the artifact index; call Shutdown to release them.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = upstream.DefaultTimeout
	}
	if cfg.MaxSourceBytes == 0 {
		cfg.MaxSourceBytes = upstream.DefaultMaxBytes
	}
	if cfg.Quality == 0 {
		cfg.Quality = imaging.DefaultQuality
	}
	if cfg.EncodeSpeed == 0 {
		cfg.EncodeSpeed = imaging.DefaultSpeed
	}
	if cfg.MaxPixels == 0 {
		cfg.MaxPixels = imaging.DefaultMaxPixels
	}

	fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	if err := fsBackend.CheckWritable(); err != nil {
		return nil, fmt.Errorf("storage %s is not writable: %w", fsBackend.Root(), err)
	}
	instrumented := backend.NewInstrumentedBackend(fsBackend, "filesystem")

	index := metadb.NewBoltDB(
		metadb.WithLogger(cfg.Logger.With("component", "metadb")),
		metadb.WithNoSync(cfg.IndexNoSync),
	)
	if err := index.Open(filepath.Join(fsBackend.Root(), IndexFile)); err != nil {
		return nil, fmt.Errorf("opening artifact index: %w", err)
	}

	artifacts := store.NewArtifacts(instrumented,
		store.WithTracker(index),
		store.WithLogger(cfg.Logger),
	)
	records := record.NewStore(instrumented,
		record.WithLogger(cfg.Logger),
		record.WithCacheTTL(cfg.RecordCacheTTL),
	)

	engine := cfg.Engine
	if engine == nil {
		engine = imaging.NewStd(
			imaging.WithQuality(cfg.Quality),
			imaging.WithSpeed(cfg.EncodeSpeed),
			imaging.WithMaxPixels(cfg.MaxPixels),
			imaging.WithLogger(cfg.Logger),
		)
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = upstream.NewHTTP(
			upstream.WithHTTPClient(&http.Client{
				Timeout:   cfg.FetchTimeout,
				Transport: telemetry.NewInstrumentedTransport(nil, "source"),
			}),
			upstream.WithMaxBytes(cfg.MaxSourceBytes),
			upstream.WithRateLimit(cfg.FetchRate, cfg.FetchBurst),
			upstream.WithAuth(cfg.SourceAuth),
			upstream.WithLogger(cfg.Logger),
		)
	}

	schema, err := compileOptionsSchema()
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		schema:    schema,
		backend:   fsBackend,
		index:     index,
		artifacts: artifacts,
		records:   records,
		cache:     cache.New(artifacts, records, engine, fetcher, cache.WithLogger(cfg.Logger)),
	}

	handler, err := s.Handler()
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // derivations of large sources can be slow
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the full HTTP handler with middleware applied.
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	gzip, err := gzhttp.NewWrapper(
		gzhttp.MinSize(512),
		gzhttp.ContentTypes([]string{"application/json", "text/plain"}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gzip wrapper: %w", err)
	}

	// POST paths carry a full URL; ServeMux would clean the "//" after the
	// scheme and redirect, so resolve requests bypass it.
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.handleResolve(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	return s.loggingMiddleware(gzip(root)), nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Artifact index stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Stored artifacts by filename, GET also matches HEAD
	mux.HandleFunc("GET /images/{filename}", s.handleImage)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		telemetry.SetEndpoint(r, endpointFor(r.Method, r.URL.Path))

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Operation != "" {
			attrs = append(attrs, "operation", tags.Operation)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.SourceKey != "" {
			attrs = append(attrs, "source_key", tags.SourceKey)
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln, capping concurrent connections if configured.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}
	s.logger.Info("starting server", "address", ln.Addr().String(), "max_conns", s.config.MaxConns)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Reindex rebuilds the artifact index from the stored artifacts.
func (s *Server) Reindex(ctx context.Context) (int, error) {
	return s.artifacts.Reindex(ctx)
}

// Shutdown gracefully shuts down the server and closes the index.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	if cerr := s.index.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close releases the index without serving. Used when the server was built
// but never started.
func (s *Server) Close() error {
	return s.index.Close()
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Cache returns the resolution cache.
func (s *Server) Cache() *cache.Cache {
	return s.cache
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// endpointFor classifies a request path for logs and metrics.
func endpointFor(method, path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/images/"):
		return "images"
	case method == http.MethodPost:
		return "resolve"
	default:
		return "unknown"
	}
}
