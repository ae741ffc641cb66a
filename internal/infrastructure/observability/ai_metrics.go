package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type aiMetrics struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestErrors   metric.Int64Counter
	rateLimitWait   metric.Float64Histogram
}

var (
	aiMetricsOnce sync.Once
	aiMetricsInit bool
	aiInstruments aiMetrics
)

func ensureAIMetrics() {
	aiMetricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName + "/ai")

		requestCount, err := meter.Int64Counter(
			"ai.request.count",
			metric.WithDescription("Number of model provider requests"),
		)
		if err != nil {
			return
		}
		requestDuration, err := meter.Float64Histogram(
			"ai.request.duration",
			metric.WithDescription("Model provider request duration in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return
		}
		requestErrors, err := meter.Int64Counter(
			"ai.request.errors",
			metric.WithDescription("Number of model provider request errors"),
		)
		if err != nil {
			return
		}
		rateLimitWait, err := meter.Float64Histogram(
			"ai.rate_limit.wait",
			metric.WithDescription("Time spent waiting for the client rate limiter in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return
		}

		aiInstruments = aiMetrics{
			requestCount:    requestCount,
			requestDuration: requestDuration,
			requestErrors:   requestErrors,
			rateLimitWait:   rateLimitWait,
		}
		aiMetricsInit = true
	})
}

// RecordAIRequest records one embedding or completion call
func RecordAIRequest(ctx context.Context, provider, model string, statusCode int, duration time.Duration, err error) {
	ensureAIMetrics()
	if !aiMetricsInit {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("ai.provider", provider),
		attribute.String("ai.model", model),
	}
	if statusCode > 0 {
		attrs = append(attrs, attribute.Int("http.status_code", statusCode))
	}

	aiInstruments.requestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	aiInstruments.requestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		aiInstruments.requestErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordAIRateLimitWait records time blocked on a client-side limiter
func RecordAIRateLimitWait(ctx context.Context, provider, model string, wait time.Duration) {
	ensureAIMetrics()
	if !aiMetricsInit {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("ai.provider", provider),
		attribute.String("ai.model", model),
	}
	aiInstruments.rateLimitWait.Record(ctx, float64(wait.Milliseconds()), metric.WithAttributes(attrs...))
}
