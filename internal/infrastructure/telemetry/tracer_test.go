package telemetry_test

import (
	"context"
	"testing"

	"github.com/erp/dte/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func TestNewTracerProvider_Disabled(t *testing.T) {
	ctx := context.Background()
	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:     false,
		ServiceName: "dte-worker",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, tp.IsEnabled())
	assert.NotNil(t, tp.Tracer("test"))
	assert.NoError(t, tp.ForceFlush(ctx))
	assert.NoError(t, tp.Shutdown(ctx))
}

func TestNewTracerProviderWithExporter(t *testing.T) {
	original := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(original) })

	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()
	tp, err := telemetry.NewTracerProviderWithExporter(telemetry.Config{
		ServiceName:   "dte-worker",
		SamplingRatio: 1.0,
	}, exporter, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, tp.IsEnabled())

	_, span := telemetry.StartSpan(ctx, "sii.authenticate")
	span.End()
	require.NoError(t, tp.ForceFlush(ctx))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "sii.authenticate", spans[0].Name)

	assert.NoError(t, tp.Shutdown(ctx))
}

func TestNewTracerProviderWithExporter_NeverSample(t *testing.T) {
	original := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(original) })

	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()
	tp, err := telemetry.NewTracerProviderWithExporter(telemetry.Config{ServiceName: "dte-worker"}, exporter, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, span := telemetry.StartSpan(ctx, "sii.submit")
	span.End()
	require.NoError(t, tp.ForceFlush(ctx))

	assert.Empty(t, exporter.GetSpans())
	assert.NoError(t, tp.Shutdown(ctx))
}

func TestTracerProvider_EnableSpanProfiles(t *testing.T) {
	original := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(original) })

	ctx := context.Background()
	disabled, err := telemetry.NewTracerProvider(ctx, telemetry.Config{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	disabled.EnableSpanProfiles()
	assert.False(t, disabled.SpanProfilesEnabled())

	exporter := tracetest.NewInMemoryExporter()
	tp, err := telemetry.NewTracerProviderWithExporter(telemetry.Config{
		ServiceName:   "dte-worker",
		SamplingRatio: 1.0,
	}, exporter, zaptest.NewLogger(t))
	require.NoError(t, err)
	tp.EnableSpanProfiles()
	tp.EnableSpanProfiles()
	assert.True(t, tp.SpanProfilesEnabled())

	_, span := telemetry.StartSpan(ctx, "signer.sign")
	span.End()
	require.NoError(t, tp.ForceFlush(ctx))
	require.Len(t, exporter.GetSpans(), 1)
	assert.NoError(t, tp.Shutdown(ctx))
}
