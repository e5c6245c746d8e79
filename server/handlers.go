package server

import (
	"errors"
	"net/http"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/download"
	"github.com/wolfeidau/image-cache/store"
	"github.com/wolfeidau/image-cache/telemetry"
)

// resolveResponse is the JSON answer to a resolve request.
type resolveResponse struct {
	Hash     string `json:"hash"`
	Filename string `json:"filename"`
}

// handleResolve handles POST /{source-url}.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "resolve")

	sourceURL, err := sourceURLFromRequest(r)
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheError)
		writeError(w, s.logger, err)
		return
	}
	telemetry.SetSourceKey(r, imagecache.KeyForURL(sourceURL).ShortString())

	opts, err := s.decodeOptions(r)
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheError)
		writeError(w, s.logger, err)
		return
	}

	res, err := s.cache.Resolve(r.Context(), sourceURL, opts)
	if err != nil {
		if errors.Is(err, cache.ErrBusy) {
			telemetry.SetCacheResult(r, telemetry.CacheBusy)
		} else {
			telemetry.SetCacheResult(r, telemetry.CacheError)
		}
		writeError(w, s.logger, err)
		return
	}

	if res.Hit {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	if !opts.ReturnImage {
		writeJSON(w, http.StatusOK, resolveResponse{
			Hash:     res.Key.String(),
			Filename: res.Filename(),
		})
		return
	}

	art, err := s.cache.Open(r.Context(), res.Key)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.Header().Set("X-Image-Hash", res.Key.String())
	download.ServeArtifact(w, r, art, s.logger)
}

// handleImage handles GET/HEAD /images/{filename}.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "image")

	name, err := imagecache.ParseFilename(r.PathValue("filename"))
	if err != nil {
		writeError(w, s.logger, store.ErrNotFound)
		return
	}

	art, err := s.cache.Open(r.Context(), name.Key)
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		writeError(w, s.logger, err)
		return
	}
	if name.Extension != "" && imagecache.MediaTypeFor(name.Extension) != art.MediaType() {
		_ = art.Close()
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		writeError(w, s.logger, store.ErrNotFound)
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheHit)
	download.ServeArtifact(w, r, art, s.logger)
}

// statsResponse reports artifact index totals.
type statsResponse struct {
	Sources      int64  `json:"sources"`
	Variants     int64  `json:"variants"`
	SourceBytes  int64  `json:"source_bytes"`
	VariantBytes int64  `json:"variant_bytes"`
	TotalBytes   int64  `json:"total_bytes"`
	Accesses     int64  `json:"accesses"`
	LastAccess   string `json:"last_access,omitempty"`
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "stats")

	stats, err := s.index.Stats(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	resp := statsResponse{
		Sources:      stats.Sources,
		Variants:     stats.Variants,
		SourceBytes:  stats.SourceBytes,
		VariantBytes: stats.VariantBytes,
		TotalBytes:   stats.TotalBytes(),
		Accesses:     stats.Accesses,
	}
	if !stats.LastAccess.IsZero() {
		resp.LastAccess = stats.LastAccess.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
