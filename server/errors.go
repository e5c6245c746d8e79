package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	platformerrors "github.com/jmgilman/go/errors"
	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/store"
)

// statusFor maps a resolution error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cache.ErrBusy):
		return http.StatusRequestTimeout
	case errors.Is(err, cache.ErrNotAnImage), errors.Is(err, imagecache.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, cache.ErrFetchFailed):
		return http.StatusBadGateway
	case errors.Is(err, cache.ErrDerivationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	}
	switch platformerrors.GetCode(err) {
	case platformerrors.CodeInvalidInput:
		return http.StatusBadRequest
	case platformerrors.CodeNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeError writes err as a JSON error document. Unclassified errors are
// logged and reported without their message.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusFor(err)

	var body *platformerrors.ErrorResponse
	var perr platformerrors.PlatformError
	switch {
	case errors.As(err, &perr):
		body = platformerrors.ToJSON(err)
	case status == http.StatusNotFound:
		body = platformerrors.ToJSON(platformerrors.New(platformerrors.CodeNotFound, "artifact not found"))
	default:
		logger.Error("request failed", "error", err)
		body = platformerrors.ToJSON(platformerrors.New(platformerrors.CodeInternal, "internal error"))
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
