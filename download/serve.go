package download

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/wolfeidau/image-cache/store"
)

// ServeArtifact writes a stored artifact to the response. It sets
// Content-Type, Content-Length and ETag from the artifact header. For HEAD
// requests, it writes headers but skips the body. The artifact is closed.
func ServeArtifact(w http.ResponseWriter, r *http.Request, a *store.Artifact, logger *slog.Logger) {
	defer func() { _ = a.Close() }()

	etag := strconv.Quote(a.Digest())
	w.Header().Set("Content-Type", a.MediaType())
	if a.Header.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(a.Header.ContentLength, 10))
	}
	if a.Digest() != "" {
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, a.Body); err != nil {
		logger.Error("failed to stream response", "key", a.Key.ShortString(), "error", err)
	}
}
