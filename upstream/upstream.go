// Package upstream fetches source images over HTTP.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/wolfeidau/image-cache/credentials"
	"github.com/wolfeidau/image-cache/telemetry"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default timeout for source requests.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBytes is the default limit on source size (50MB).
	DefaultMaxBytes = 50 << 20

	// DefaultUserAgent identifies the fetcher to origin servers.
	DefaultUserAgent = "image-cache/1.0"
)

var (
	// ErrNotFound is returned when the origin responds 404 or 410.
	ErrNotFound = errors.New("source not found")

	// ErrTooLarge is returned when the source exceeds the configured limit.
	ErrTooLarge = errors.New("source exceeds maximum size")

	// ErrUnsupportedScheme is returned for URLs that are not http or https.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// StatusError is returned when the origin responds with a non-success status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.StatusCode)
}

// Fetcher retrieves source bytes for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// HTTP fetches sources with net/http. Requests are rate limited, bodies are
// size limited and credentials are attached only to matching hosts.
type HTTP struct {
	client    *http.Client
	limiter   *rate.Limiter
	maxBytes  int64
	auth      *credentials.SourceAuthConfig
	userAgent string
	logger    *slog.Logger
}

// Option configures an HTTP fetcher.
type Option func(*HTTP)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(h *HTTP) {
		h.client = client
	}
}

// WithRateLimit limits fetches to r per second with the given burst.
// A zero rate disables limiting.
func WithRateLimit(r float64, burst int) Option {
	return func(h *HTTP) {
		if r <= 0 {
			h.limiter = nil
			return
		}
		h.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
	}
}

// WithMaxBytes sets the maximum accepted source size.
func WithMaxBytes(n int64) Option {
	return func(h *HTTP) {
		h.maxBytes = n
	}
}

// WithAuth sets the source credential routes.
func WithAuth(auth *credentials.SourceAuthConfig) Option {
	return func(h *HTTP) {
		h.auth = auth
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(h *HTTP) {
		h.userAgent = ua
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *HTTP) {
		h.logger = logger
	}
}

// NewHTTP creates a new HTTP fetcher.
func NewHTTP(opts ...Option) *HTTP {
	h := &HTTP{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "source"),
		},
		maxBytes:  DefaultMaxBytes,
		userAgent: DefaultUserAgent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "upstream")
	return h
}

// Fetch performs a GET for rawURL and returns the response body. The body
// fails with ErrTooLarge once more than the configured limit has been read.
func (h *HTTP) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parsing source url: missing host")
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for fetch slot: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "image/*")
	req.Header.Set("User-Agent", h.userAgent)
	if route := h.auth.Match(u); route != nil {
		route.Apply(req)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		_ = resp.Body.Close()
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	if h.maxBytes > 0 && resp.ContentLength > h.maxBytes {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: content length %d", ErrTooLarge, resp.ContentLength)
	}

	h.logger.Debug("fetched source", "host", u.Host, "content_length", resp.ContentLength)

	if h.maxBytes <= 0 {
		return resp.Body, nil
	}
	return &limitedBody{ReadCloser: resp.Body, remaining: h.maxBytes}, nil
}

// limitedBody errors instead of truncating when the limit is exceeded.
type limitedBody struct {
	io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, ErrTooLarge
	}
	// Allow one byte past the limit so overflow can be detected.
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.ReadCloser.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n, ErrTooLarge
	}
	return n, err
}

var _ Fetcher = (*HTTP)(nil)
