package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/image-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	artifactWriteSize       metric.Float64Histogram
	artifactTouchesTotal    metric.Int64Counter
	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	resolutionsTotal   metric.Int64Counter
	resolutionDuration metric.Float64Histogram
	deriveTotal        metric.Int64Counter
	deriveDuration     metric.Float64Histogram
	guardBusyTotal     metric.Int64Counter
	guardInFlight      metric.Int64UpDownCounter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "image-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Without exporters, a no-op reader still lets instruments record.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"image_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"image_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"image_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"image_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.artifactWriteSize, err = meter.Float64Histogram(
		"image_cache_artifact_write_size_bytes",
		metric.WithDescription("Size of artifacts written to storage"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864),
	); err != nil {
		return nil, err
	}

	if m.artifactTouchesTotal, err = meter.Int64Counter(
		"image_cache_artifact_touches_total",
		metric.WithDescription("Total artifact reads recorded in the index"),
		metric.WithUnit("{touch}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"image_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of source image fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"image_cache_upstream_fetch_total",
		metric.WithDescription("Total number of source image fetches"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"image_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from source hosts"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"image_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"image_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"image_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.resolutionsTotal, err = meter.Int64Counter(
		"image_cache_resolutions_total",
		metric.WithDescription("Total variant resolutions by result"),
		metric.WithUnit("{resolution}"),
	); err != nil {
		return nil, err
	}

	if m.resolutionDuration, err = meter.Float64Histogram(
		"image_cache_resolution_duration_seconds",
		metric.WithDescription("Duration of variant resolutions"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.deriveTotal, err = meter.Int64Counter(
		"image_cache_derive_total",
		metric.WithDescription("Total variant derivations"),
		metric.WithUnit("{derivation}"),
	); err != nil {
		return nil, err
	}

	if m.deriveDuration, err = meter.Float64Histogram(
		"image_cache_derive_duration_seconds",
		metric.WithDescription("Duration of variant derivations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}

	if m.guardBusyTotal, err = meter.Int64Counter(
		"image_cache_guard_busy_total",
		metric.WithDescription("Total requests rejected because a source fetch was in flight"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.guardInFlight, err = meter.Int64UpDownCounter(
		"image_cache_guard_in_flight",
		metric.WithDescription("Source fetches currently in flight"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Operation and cache result are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	operation := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Operation != "" {
			operation = tags.Operation
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	sharedAttrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("operation", operation),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// BackendOp describes one storage backend operation.
type BackendOp struct {
	Backend string
	Op      string
	// Keyspace is the storage area touched: "images", "metadata" or "other".
	Keyspace string
	// Kind is the artifact kind ("source" or "variant") when known.
	Kind     string
	Outcome  string
	Duration time.Duration
	Bytes    int64
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, op BackendOp) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", op.Backend),
		attribute.String("op", op.Op),
		attribute.String("keyspace", op.Keyspace),
		attribute.String("outcome", op.Outcome),
	}
	if op.Kind != "" {
		attrs = append(attrs, attribute.String("kind", op.Kind))
	}
	set := metric.WithAttributes(attrs...)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, set)
	globalMetrics.backendRequestDuration.Record(ctx, op.Duration.Seconds(), set)
	if op.Bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, op.Bytes, set)
	}
}

// RecordArtifactWrite records an artifact write with its size.
// kind is "source" or "variant".
func RecordArtifactWrite(ctx context.Context, kind string, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}

	result := "exists"
	if isNew {
		result = "new"
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("result", result),
	}
	globalMetrics.artifactWriteSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
}

// RecordArtifactTouch records an artifact read being counted in the index.
func RecordArtifactTouch(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.artifactTouchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordUpstreamFetch records a source fetch.
func RecordUpstreamFetch(ctx context.Context, f SourceFetch) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("upstream", f.Upstream),
		attribute.String("outcome", f.Outcome),
		attribute.Bool("authenticated", f.Authenticated),
	}
	if f.MediaType != "" {
		attrs = append(attrs, attribute.String("media_type", f.MediaType))
	}
	set := metric.WithAttributes(attrs...)
	globalMetrics.upstreamFetchDuration.Record(ctx, f.Duration.Seconds(), set)
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, set)
	if f.Bytes > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, f.Bytes, set)
	}
}

// RecordResolution records the outcome of one resolve call.
// result is one of the CacheResult values.
func RecordResolution(ctx context.Context, result CacheResult, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", string(result)))
	globalMetrics.resolutionsTotal.Add(ctx, 1, attrs)
	globalMetrics.resolutionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDerive records one variant derivation.
func RecordDerive(ctx context.Context, extension, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("extension", extension),
		attribute.String("outcome", outcome),
	)
	globalMetrics.deriveTotal.Add(ctx, 1, attrs)
	globalMetrics.deriveDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordGuardBusy records a request rejected by the in-flight guard.
func RecordGuardBusy(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.guardBusyTotal.Add(ctx, 1)
}

// RecordGuardInFlight adjusts the in-flight fetch gauge by delta.
func RecordGuardInFlight(ctx context.Context, delta int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.guardInFlight.Add(ctx, delta)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
