package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/zatekoja/cleartrial/backend"

// Setup initializes OpenTelemetry tracing with an OTLP gRPC exporter
func Setup(ctx context.Context, serviceName, serviceVersion, endpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tracerProvider.Shutdown, nil
}

// PipelineMetrics counts records flowing through the enrichment workflows
type PipelineMetrics struct {
	TrialsUpserted   metric.Int64Counter
	TrialsEmbedded   metric.Int64Counter
	TrialsExtracted  metric.Int64Counter
	ExtractionErrors metric.Int64Counter
	DBQueryDuration  metric.Float64Histogram
	QueryCacheHits   metric.Int64Counter
	QueryCacheMisses metric.Int64Counter
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Metrics returns the process-wide pipeline metrics. Instruments that fail to
// register are left nil and skipped when recording.
func Metrics() *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		m := &PipelineMetrics{}
		m.TrialsUpserted, _ = meter.Int64Counter("cleartrial.trials.upserted",
			metric.WithDescription("Number of trials written by ingestion"))
		m.TrialsEmbedded, _ = meter.Int64Counter("cleartrial.trials.embedded",
			metric.WithDescription("Number of trials that received an embedding"))
		m.TrialsExtracted, _ = meter.Int64Counter("cleartrial.trials.extracted",
			metric.WithDescription("Number of trials with structured eligibility"))
		m.ExtractionErrors, _ = meter.Int64Counter("cleartrial.extraction.errors",
			metric.WithDescription("Number of eligibility extraction failures"))
		m.DBQueryDuration, _ = meter.Float64Histogram("db.query.duration",
			metric.WithDescription("Database query duration in milliseconds"),
			metric.WithUnit("ms"))
		m.QueryCacheHits, _ = meter.Int64Counter("cache.hit.count",
			metric.WithDescription("Number of query embedding cache hits"))
		m.QueryCacheMisses, _ = meter.Int64Counter("cache.miss.count",
			metric.WithDescription("Number of query embedding cache misses"))
		pipelineMetrics = m
	})
	return pipelineMetrics
}

// Add increments counter when it is registered
func Add(ctx context.Context, counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if counter == nil || n == 0 {
		return
	}
	counter.Add(ctx, n, metric.WithAttributes(attrs...))
}

// RecordDBMetric records a database operation metric
func RecordDBMetric(ctx context.Context, operation string, duration time.Duration) {
	h := Metrics().DBQueryDuration
	if h == nil {
		return
	}
	h.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.String("db.operation", operation)))
}

// StartSpan starts a new trace span
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error in the span and marks it failed
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
