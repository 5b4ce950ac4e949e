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
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/page-cache"
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
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	lookupsTotal           metric.Int64Counter
	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	invalidatedTotal     metric.Int64Counter
	invalidationDuration metric.Float64Histogram
	lockWaitDuration     metric.Float64Histogram
	casConflictsTotal    metric.Int64Counter
	walkDuration         metric.Float64Histogram

	snapshotBytes   metric.Int64Gauge
	snapshotEntries metric.Int64Gauge

	// Scheduler metrics
	schedulerPurgedTotal metric.Int64Counter
	schedulerDuration    metric.Float64Histogram

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
// Uses sync.Once to ensure single initialisation.
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
		cfg.ServiceName = "page-cache"
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
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
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

	// If no exporters configured, use a no-op periodic reader to still collect metrics
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

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.requestsTotal, err = meter.Int64Counter(
		"page_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests seen by the cache middleware"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.responseBytesTotal, err = meter.Int64Counter(
		"page_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram(
		"page_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.lookupsTotal, err = meter.Int64Counter(
		"page_cache_lookups_total",
		metric.WithDescription("Total cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	m.backendRequestDuration, err = meter.Float64Histogram(
		"page_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	m.backendRequestsTotal, err = meter.Int64Counter(
		"page_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.backendBytesTotal, err = meter.Int64Counter(
		"page_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.invalidatedTotal, err = meter.Int64Counter(
		"page_cache_invalidated_entries_total",
		metric.WithDescription("Total cache entries removed by invalidation"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	m.invalidationDuration, err = meter.Float64Histogram(
		"page_cache_invalidation_duration_seconds",
		metric.WithDescription("Duration of invalidation operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.lockWaitDuration, err = meter.Float64Histogram(
		"page_cache_lock_wait_duration_seconds",
		metric.WithDescription("Time spent waiting for a subtree lock"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.casConflictsTotal, err = meter.Int64Counter(
		"page_cache_cas_conflicts_total",
		metric.WithDescription("Total compare-and-swap conflicts in the key-value backend"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, err
	}

	m.walkDuration, err = meter.Float64Histogram(
		"page_cache_walk_duration_seconds",
		metric.WithDescription("Duration of storage walks"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	m.snapshotBytes, err = meter.Int64Gauge(
		"page_cache_snapshot_size_bytes",
		metric.WithDescription("On-disk size of a tenant's cache at the last snapshot"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.snapshotEntries, err = meter.Int64Gauge(
		"page_cache_snapshot_entries",
		metric.WithDescription("Number of cached entries of a tenant at the last snapshot"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	m.schedulerPurgedTotal, err = meter.Int64Counter(
		"page_cache_scheduler_purged_total",
		metric.WithDescription("Total expired entries removed by the scheduler"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	m.schedulerDuration, err = meter.Float64Histogram(
		"page_cache_scheduler_duration_seconds",
		metric.WithDescription("Duration of scheduler cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
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
// Call this from the middleware after the request completes.
// Tenant and cache result are read from request tags.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tenant := "unknown"
	cacheResult := string(CacheBypass)
	if tags := GetTags(r); tags != nil {
		if tags.Tenant != "" {
			tenant = tags.Tenant
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordLookup records the result of one cache lookup.
func RecordLookup(ctx context.Context, backend string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("result", string(result)),
	))
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordInvalidation records one invalidation operation.
// op is "clear", "wipe", "purge", "matching" or an event kind.
func RecordInvalidation(ctx context.Context, op string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("tenant", TenantFromContext(ctx)),
	)
	globalMetrics.invalidatedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.invalidationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordLockWait records how long a lock acquisition waited.
// outcome is "acquired", "timeout" or "canceled".
func RecordLockWait(ctx context.Context, outcome string, wait time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lockWaitDuration.Record(ctx, wait.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCASConflict records a compare-and-swap conflict.
func RecordCASConflict(ctx context.Context, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.casConflictsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordWalk records the duration of a storage walk.
func RecordWalk(ctx context.Context, backend, kind string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.walkDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("kind", kind),
	))
}

// RecordSnapshot updates the snapshot gauges for a tenant.
func RecordSnapshot(ctx context.Context, tenant string, entries int64, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tenant", tenant))
	globalMetrics.snapshotEntries.Record(ctx, entries, attrs)
	globalMetrics.snapshotBytes.Record(ctx, bytes, attrs)
}

// RecordSchedulerCycle records one scheduler cycle's purged count and duration.
// Called unconditionally per cycle.
func RecordSchedulerCycle(ctx context.Context, purged int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.schedulerPurgedTotal.Add(ctx, int64(purged))
	globalMetrics.schedulerDuration.Record(ctx, duration.Seconds())
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
