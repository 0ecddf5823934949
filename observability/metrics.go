package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MeterProvider global instance
var globalMeterProvider *sdkmetric.MeterProvider

// InitMetrics initializes OpenTelemetry metrics with Prometheus export.
// The exporter registers with the default Prometheus registry, so
// promhttp.Handler serves the result.
func InitMetrics(ctx context.Context, serviceName string) (*sdkmetric.MeterProvider, error) {
	res, err := serviceResource(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	globalMeterProvider = provider
	return provider, nil
}

// GetMeter returns a meter from the current global meter provider.
func GetMeter(name string) metric.Meter {
	return otel.Meter(name)
}

// GatewayMetrics holds the instruments recorded by the model gateway.
type GatewayMetrics struct {
	requests         metric.Int64Counter
	errors           metric.Int64Counter
	retries          metric.Int64Counter
	failovers        metric.Int64Counter
	promptTokens     metric.Int64Counter
	completionTokens metric.Int64Counter
	truncations      metric.Int64Counter
	malformed        metric.Int64Counter
	latency          metric.Float64Histogram
}

// NewGatewayMetrics creates the gateway instruments on meter. A nil meter
// uses the global provider.
func NewGatewayMetrics(meter metric.Meter) (*GatewayMetrics, error) {
	if meter == nil {
		meter = GetMeter("totcode.gateway")
	}

	m := &GatewayMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.requests, "totcode.gateway.requests", "Provider calls issued"},
		{&m.errors, "totcode.gateway.errors", "Provider calls that failed"},
		{&m.retries, "totcode.gateway.retries", "Backoff retries of a logical generation"},
		{&m.failovers, "totcode.gateway.failovers", "Calls redirected to the backup endpoint"},
		{&m.promptTokens, "totcode.gateway.prompt_tokens", "Prompt tokens reported by providers"},
		{&m.completionTokens, "totcode.gateway.completion_tokens", "Completion tokens reported by providers"},
		{&m.truncations, "totcode.gateway.truncations", "Completions stopped by the max token limit"},
		{&m.malformed, "totcode.gateway.malformed", "Completions coerced from a malformed response"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	latency, err := meter.Float64Histogram(
		"totcode.gateway.latency",
		metric.WithDescription("Provider call latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}
	m.latency = latency

	return m, nil
}

// RecordCall records one provider call.
func (m *GatewayMetrics) RecordCall(ctx context.Context, provider string, elapsed time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.String("provider", provider)}
	if err != nil {
		attrs = append(attrs, attribute.String("status", "error"))
		m.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		attrs = append(attrs, attribute.String("status", "success"))
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.latency.Record(ctx, float64(elapsed.Microseconds())/1000.0, metric.WithAttributes(attrs...))
}

// RecordUsage records token counts reported by a provider.
func (m *GatewayMetrics) RecordUsage(ctx context.Context, provider string, promptTokens, completionTokens int) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.promptTokens.Add(ctx, int64(promptTokens), attrs)
	m.completionTokens.Add(ctx, int64(completionTokens), attrs)
}

// RecordRetry records one backoff retry.
func (m *GatewayMetrics) RecordRetry(ctx context.Context) {
	m.retries.Add(ctx, 1)
}

// RecordFailover records a failover attempt and whether the backup succeeded.
func (m *GatewayMetrics) RecordFailover(ctx context.Context, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	m.failovers.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTruncated records completions that hit the token ceiling.
func (m *GatewayMetrics) RecordTruncated(ctx context.Context, n int) {
	if n > 0 {
		m.truncations.Add(ctx, int64(n))
	}
}

// RecordMalformed records completions substituted with a raw rendering.
func (m *GatewayMetrics) RecordMalformed(ctx context.Context, n int) {
	if n > 0 {
		m.malformed.Add(ctx, int64(n))
	}
}

// RunMetrics holds the instruments recorded by the driver.
type RunMetrics struct {
	indices  metric.Int64Counter
	duration metric.Float64Histogram
}

// NewRunMetrics creates the driver instruments on meter. A nil meter uses
// the global provider.
func NewRunMetrics(meter metric.Meter) (*RunMetrics, error) {
	if meter == nil {
		meter = GetMeter("totcode.driver")
	}

	indices, err := meter.Int64Counter(
		"totcode.driver.indices",
		metric.WithDescription("Task indices processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create indices counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"totcode.driver.index_duration",
		metric.WithDescription("Time spent solving one task index"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &RunMetrics{indices: indices, duration: duration}, nil
}

// RecordIndex records one processed index with status "ok", "error" or "skipped".
func (m *RunMetrics) RecordIndex(ctx context.Context, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.indices.Add(ctx, 1, attrs)
	if status != "skipped" {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// ShutdownMetrics gracefully shuts down the meter provider.
func ShutdownMetrics(ctx context.Context) error {
	if globalMeterProvider != nil {
		return globalMeterProvider.Shutdown(ctx)
	}
	return nil
}
