package observability_test

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"evermem/internal/observability"
)

func TestLoggerWithTraceAddsNothingWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = orig })

	l := observability.LoggerWithTrace(context.Background())
	require.NotNil(t, l)
	l.Info().Msg("probe")
	assert.NotContains(t, buf.String(), "trace_id")
	assert.NotContains(t, buf.String(), "span_id")
}

func TestLoggerWithTraceHandlesNilContext(t *testing.T) {
	l := observability.LoggerWithTrace(nil) //nolint:staticcheck
	require.NotNil(t, l)
}

func TestLoggerWithTraceEnrichesFromSampledSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tracer := tp.Tracer("evermem-test")
	ctx, span := tracer.Start(context.Background(), "test-span")
	defer span.End()

	sc := trace.SpanContextFromContext(ctx)
	require.True(t, sc.HasTraceID())

	var buf bytes.Buffer
	orig := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = orig })

	l := observability.LoggerWithTrace(ctx)
	require.NotNil(t, l)
	l.Info().Msg("probe")
	assert.Contains(t, buf.String(), `"trace_id":"`+sc.TraceID().String()+`"`)
	assert.Contains(t, buf.String(), `"span_id":"`+sc.SpanID().String()+`"`)
}

func TestNewHTTPClientWrapsTransport(t *testing.T) {
	client := observability.NewHTTPClient(nil)
	require.NotNil(t, client.Transport)

	base := &http.Client{Transport: http.DefaultTransport}
	wrapped := observability.NewHTTPClient(base)
	assert.Same(t, base, wrapped)
	assert.NotEqual(t, http.DefaultTransport, wrapped.Transport)
}

func TestNoopMetricsIsSideEffectFree(t *testing.T) {
	var m observability.Metrics = observability.NoopMetrics{}
	m.IncCounter(context.Background(), "x", map[string]string{"k": "v"})
	m.ObserveHistogram(context.Background(), "y", 1.5, nil)
}

func TestOtelMetricsRecordsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m := observability.NewOtelMetrics(provider.Meter("evermem-test"))
	ctx := context.Background()
	m.IncCounter(ctx, "api_ingest_total", map[string]string{"tenant": "acme__prod"})
	m.ObserveHistogram(ctx, "api_ingest_latency_ms", 12.5, map[string]string{"tenant": "acme__prod"})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Len(t, rm.ScopeMetrics[0].Metrics, 2)
}
