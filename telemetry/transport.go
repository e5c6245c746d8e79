package telemetry

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"
)

// InstrumentedTransport records source image fetches, labelled with the
// media type the source host answered with and whether credentials were
// attached. Bodies closed before EOF, such as oversized sources, are
// recorded as "incomplete" rather than "success".
type InstrumentedTransport struct {
	base     http.RoundTripper
	upstream string
}

// NewInstrumentedTransport creates a new instrumented transport labelled with
// the upstream name. If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, upstream string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, upstream: upstream}
}

// RoundTrip implements http.RoundTripper. Successful responses are recorded
// when their body is closed.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	fetch := SourceFetch{
		Upstream:      t.upstream,
		Authenticated: req.Header.Get("Authorization") != "",
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		fetch.Outcome = "error"
		if req.Context().Err() != nil {
			fetch.Outcome = "canceled"
		}
		fetch.Duration = time.Since(start)
		RecordUpstreamFetch(req.Context(), fetch)
		return nil, err
	}

	fetch.Outcome = statusOutcome(resp.StatusCode)
	fetch.MediaType = sourceMediaType(resp.Header.Get("Content-Type"))

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		start:      start,
		fetch:      fetch,
	}
	return resp, nil
}

func statusOutcome(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "success"
	}
}

// sourceMediaType reduces a Content-Type header to a bounded label:
// image/* types by name, anything else as "non_image".
func sourceMediaType(contentType string) string {
	if contentType == "" {
		return "none"
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mt, "image/") {
		return "non_image"
	}
	return mt
}

// instrumentedBody records the fetch once, on the first Close.
type instrumentedBody struct {
	io.ReadCloser
	ctx   context.Context
	start time.Time
	fetch SourceFetch
	eof   bool
	once  sync.Once
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.fetch.Bytes += int64(n)
	if errors.Is(err, io.EOF) {
		b.eof = true
	}
	return n, err
}

func (b *instrumentedBody) Close() error {
	b.once.Do(func() {
		if b.fetch.Outcome == "success" && !b.eof {
			b.fetch.Outcome = "incomplete"
		}
		b.fetch.Duration = time.Since(b.start)
		RecordUpstreamFetch(b.ctx, b.fetch)
	})
	return b.ReadCloser.Close()
}

// SourceFetch describes one source image fetch.
type SourceFetch struct {
	Upstream      string
	MediaType     string
	Authenticated bool
	Outcome       string
	Duration      time.Duration
	Bytes         int64
}
