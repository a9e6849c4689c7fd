package logger

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	loggerKey   contextKey = "logger"
	tenantIDKey contextKey = "tenant_id"
	documentKey contextKey = "document_id"
)

// WithContext returns a new context with the logger attached
func WithContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, returns a no-op logger if not found
func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

// WithTenantID adds the tenant to context and returns the enriched logger
func WithTenantID(ctx context.Context, logger *zap.Logger, tenantID uuid.UUID) (context.Context, *zap.Logger) {
	ctx = context.WithValue(ctx, tenantIDKey, tenantID)
	enriched := logger.With(zap.String("tenant_id", tenantID.String()))
	return WithContext(ctx, enriched), enriched
}

// WithDocumentID adds the tax document to context and returns the enriched logger
func WithDocumentID(ctx context.Context, logger *zap.Logger, documentID uuid.UUID) (context.Context, *zap.Logger) {
	ctx = context.WithValue(ctx, documentKey, documentID)
	enriched := logger.With(zap.String("document_id", documentID.String()))
	return WithContext(ctx, enriched), enriched
}

// GetTenantID retrieves the tenant from context
func GetTenantID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(tenantIDKey).(uuid.UUID)
	return id, ok
}

// GetDocumentID retrieves the tax document from context
func GetDocumentID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(documentKey).(uuid.UUID)
	return id, ok
}

// WithTraceContext adds trace_id and span_id from the context's span.
// If no valid span exists the logger is returned unchanged.
func WithTraceContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		zap.String("trace_id", spanCtx.TraceID().String()),
		zap.String("span_id", spanCtx.SpanID().String()),
	)
}

// L returns the context logger with trace correlation applied.
// Usage: logger.L(ctx).Info("document sent", zap.String("track_id", id))
func L(ctx context.Context) *zap.Logger {
	return WithTraceContext(ctx, FromContext(ctx))
}
