package imagecache

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrInvalidSourceURL is returned for source URLs that cannot be fetched.
var ErrInvalidSourceURL = errors.New("invalid source URL")

// NormalizeSourceURL parses raw and returns its canonical string form, the
// form KeyForURL must be given. Only absolute http and https URLs with a host
// are accepted.
func NormalizeSourceURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSourceURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSourceURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: no host", ErrInvalidSourceURL)
	}
	return u.String(), nil
}
