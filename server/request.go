package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	imagecache "github.com/wolfeidau/image-cache"
)

// maxBodySize bounds the JSON options body (64KB).
const maxBodySize = 64 << 10

const optionsSchemaURL = "https://image-cache.local/schemas/options.schema.json"

// optionsSchema validates the resolve request body. ruturnImage is the
// historical misspelling still sent by older clients. extension accepts any
// value; anything but a known format name falls back to avif.
const optionsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"tallestSide": {"type": "integer", "minimum": 1},
		"extension": {},
		"returnImage": {"type": "boolean"},
		"ruturnImage": {"type": "boolean"}
	}
}`

func compileOptionsSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(optionsSchemaURL, strings.NewReader(optionsSchema)); err != nil {
		return nil, fmt.Errorf("options schema load failed: %w", err)
	}
	schema, err := c.Compile(optionsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("options schema compile failed: %w", err)
	}
	return schema, nil
}

// resolveRequest is the JSON body of a resolve request.
type resolveRequest struct {
	TallestSide int  `json:"tallestSide"`
	Extension   any  `json:"extension"`
	ReturnImage bool `json:"returnImage"`
	RuturnImage bool `json:"ruturnImage"`
}

func (req resolveRequest) options() imagecache.Options {
	ext, _ := req.Extension.(string)
	return imagecache.Options{
		TallestSide: req.TallestSide,
		Extension:   ext,
		ReturnImage: req.ReturnImage || req.RuturnImage,
	}
}

// decodeOptions reads and validates the request body. An empty body yields
// the default options.
func (s *Server) decodeOptions(r *http.Request) (imagecache.Options, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return imagecache.Options{}, invalidRequest("reading request body", err)
	}
	if len(body) > maxBodySize {
		return imagecache.Options{}, invalidRequest("request body too large", nil)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return imagecache.Options{}, nil
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return imagecache.Options{}, invalidRequest("request body is not valid JSON", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return imagecache.Options{}, invalidRequest("request body failed validation", err)
	}

	var req resolveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return imagecache.Options{}, invalidRequest("decoding request body", err)
	}
	return req.options(), nil
}

// sourceURLFromRequest extracts the source URL from the request path and
// query. Proxies and clients often collapse "https://" to "https:/" in a
// path, so a single slash after the scheme is repaired.
func sourceURLFromRequest(r *http.Request) (string, error) {
	raw := strings.TrimPrefix(r.URL.EscapedPath(), "/")
	if raw == "" {
		return "", invalidRequest("missing source URL", nil)
	}
	raw = repairScheme(raw)
	if r.URL.RawQuery != "" {
		raw += "?" + r.URL.RawQuery
	}

	normalized, err := imagecache.NormalizeSourceURL(raw)
	if err != nil {
		return "", invalidRequest(err.Error(), err)
	}
	return normalized, nil
}

func repairScheme(raw string) string {
	for _, scheme := range []string{"https:", "http:"} {
		rest, ok := strings.CutPrefix(raw, scheme)
		if !ok {
			continue
		}
		if strings.HasPrefix(rest, "//") {
			return raw
		}
		return scheme + "//" + strings.TrimPrefix(rest, "/")
	}
	return raw
}

func invalidRequest(msg string, cause error) error {
	if cause == nil {
		return platformerrors.New(platformerrors.CodeInvalidInput, msg)
	}
	return platformerrors.Wrap(cause, platformerrors.CodeInvalidInput, msg)
}
