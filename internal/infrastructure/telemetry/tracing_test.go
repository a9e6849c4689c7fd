package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/erp/dte/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// setupTestTracer installs an in-memory span recorder as the global provider.
func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	originalProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(originalProvider)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func TestStartSpan(t *testing.T) {
	sr := setupTestTracer(t)

	ctx, span := telemetry.StartSpan(context.Background(), "sii.submit",
		telemetry.WithSpanKind(trace.SpanKindClient),
		telemetry.WithAttribute("dte.folio", int64(1042)),
	)
	assert.NotEmpty(t, telemetry.GetTraceID(ctx))
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "sii.submit", spans[0].Name())
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind())
	assert.Equal(t, int64(1042), spans[0].Attributes()[0].Value.AsInt64())
}

func TestStartDocumentSpan(t *testing.T) {
	sr := setupTestTracer(t)
	tenantID, documentID := uuid.New(), uuid.New()

	_, span := telemetry.StartDocumentSpan(context.Background(), "lifecycle.sign_document", tenantID, documentID)
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, tenantID.String(), attrs[telemetry.AttrTenantID])
	assert.Equal(t, documentID.String(), attrs[telemetry.AttrDocumentID])
}

func TestStartServiceSpan(t *testing.T) {
	sr := setupTestTracer(t)

	_, span := telemetry.StartServiceSpan(context.Background(), "lifecycle", "send")
	span.End()

	require.Len(t, sr.Ended(), 1)
	assert.Equal(t, "lifecycle.send", sr.Ended()[0].Name())
}

func TestSetAttributes(t *testing.T) {
	sr := setupTestTracer(t)
	tenantID := uuid.New()

	_, span := telemetry.StartSpan(context.Background(), "op")
	telemetry.SetAttributes(span,
		"tenant_id", tenantID,
		"attempt", 2,
		"ok", true,
		42, "ignored non-string key",
		"dangling",
	)
	span.End()

	attrs := map[string]string{}
	for _, kv := range sr.Ended()[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, tenantID.String(), attrs["tenant_id"])
	assert.Equal(t, "2", attrs["attempt"])
	assert.Equal(t, "true", attrs["ok"])
	assert.Len(t, attrs, 3)
}

func TestRecordErrorAndSetOK(t *testing.T) {
	sr := setupTestTracer(t)

	_, failed := telemetry.StartSpan(context.Background(), "failed")
	telemetry.RecordError(failed, errors.New("authority unavailable"))
	failed.End()

	_, ok := telemetry.StartSpan(context.Background(), "ok")
	telemetry.RecordError(ok, nil)
	telemetry.SetOK(ok)
	ok.End()

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "authority unavailable", spans[0].Status().Description)
	assert.Len(t, spans[0].Events(), 1)
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}

func TestNilSpanHelpers(t *testing.T) {
	assert.NotPanics(t, func() {
		telemetry.SetAttributes(nil, "k", "v")
		telemetry.RecordError(nil, errors.New("x"))
		telemetry.SetOK(nil)
	})
	assert.Empty(t, telemetry.GetTraceID(context.Background()))
}
