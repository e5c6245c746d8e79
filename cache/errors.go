package cache

import (
	"errors"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/imaging"
)

var (
	// ErrBusy is returned when another request is already fetching the source.
	ErrBusy = errors.New("source is being fetched by another request")

	// ErrFetchFailed is returned when the source could not be retrieved.
	ErrFetchFailed = errors.New("fetching source failed")

	// ErrNotAnImage is returned when the source bytes do not decode as an image.
	ErrNotAnImage = errors.New("the requested URL could not be parsed as image")

	// ErrDerivationFailed is returned when a variant could not be produced.
	ErrDerivationFailed = errors.New("deriving variant failed")
)

// classify wraps err with its sentinel and a platform error code so callers
// can match with errors.Is and render a JSON error body.
func classify(sentinel, cause error, code platformerrors.ErrorCode, sourceURL string, key imagecache.Key) error {
	return classifyWithMessage(sentinel, cause, code, sentinel.Error(), sourceURL, key)
}

func classifyWithMessage(sentinel, cause error, code platformerrors.ErrorCode, msg, sourceURL string, key imagecache.Key) error {
	err := sentinel
	if cause != nil {
		err = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return platformerrors.WrapWithContext(err, code, msg, map[string]interface{}{
		"source_key": key.String(),
		"url":        sourceURL,
	})
}

func busyError(sourceURL string, key imagecache.Key) error {
	return classify(ErrBusy, nil, platformerrors.CodeUnavailable, sourceURL, key)
}

func fetchError(cause error, sourceURL string, key imagecache.Key) error {
	return classify(ErrFetchFailed, cause, platformerrors.CodeNetwork, sourceURL, key)
}

func notAnImageError(cause error, sourceURL string, key imagecache.Key) error {
	return classify(ErrNotAnImage, cause, platformerrors.CodeInvalidInput, sourceURL, key)
}

func derivationError(cause error, sourceURL string, key imagecache.Key) error {
	return classify(ErrDerivationFailed, cause, platformerrors.CodeExecutionFailed, sourceURL, key)
}

// unsupportedExtensionError reports an output format the engine cannot
// encode. It is a derivation failure raised before any fetch.
func unsupportedExtensionError(ext imagecache.Extension, sourceURL string, key imagecache.Key) error {
	msg := fmt.Sprintf("%s output not supported by this engine", ext)
	cause := fmt.Errorf("%w: %s", imaging.ErrUnsupportedExtension, ext)
	return classifyWithMessage(ErrDerivationFailed, cause, platformerrors.CodeExecutionFailed, msg, sourceURL, key)
}

func invalidOptionsError(cause error) error {
	return platformerrors.Wrap(cause, platformerrors.CodeInvalidInput, cause.Error())
}
