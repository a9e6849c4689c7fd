package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errNilDocumentID = errors.New("document id is required")

// documentStep processes one document of a bulk run
type documentStep func(ctx context.Context, doc *compliance.TaxDocument) (compliance.DocumentResult, error)

// BulkSend submits every listed document independently. One document's
// failure, even a panic, never stops the others.
func (s *LifecycleService) BulkSend(ctx context.Context, req SubmitRequest) (*compliance.BulkResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "lifecycle", "bulk_send",
		telemetry.WithTenant(req.TenantID), telemetry.WithAttribute("documents", len(req.DocumentIDs)))
	defer span.End()

	return s.bulk(ctx, req, func(cfg *compliance.EnvironmentConfig, sess *session) documentStep {
		return func(ctx context.Context, doc *compliance.TaxDocument) (compliance.DocumentResult, error) {
			return s.send(ctx, doc, cfg, sess)
		}
	})
}

// BulkQuery queries every listed document independently
func (s *LifecycleService) BulkQuery(ctx context.Context, req SubmitRequest) (*compliance.BulkResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "lifecycle", "bulk_query",
		telemetry.WithTenant(req.TenantID), telemetry.WithAttribute("documents", len(req.DocumentIDs)))
	defer span.End()

	return s.bulk(ctx, req, func(cfg *compliance.EnvironmentConfig, sess *session) documentStep {
		return func(ctx context.Context, doc *compliance.TaxDocument) (compliance.DocumentResult, error) {
			return s.query(ctx, doc, cfg, sess)
		}
	})
}

func (s *LifecycleService) bulk(ctx context.Context, req SubmitRequest, stepFor func(*compliance.EnvironmentConfig, *session) documentStep) (*compliance.BulkResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	cfg, err := s.envs.Find(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	step := stepFor(cfg, s.newSession(req.TenantID, cfg))

	result := &compliance.BulkResult{}
	telemetry.ProfileTenantOperation(ctx, req.TenantID, "bulk", func(ctx context.Context) {
		for _, id := range req.DocumentIDs {
			result.Add(s.runStep(ctx, req.TenantID, id, step))
		}
	})
	s.logger.Info("Bulk run completed",
		zap.String("tenant_id", req.TenantID.String()),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// runStep loads and processes one document, converting a panic into a failed result
func (s *LifecycleService) runStep(ctx context.Context, tenantID, id uuid.UUID, step documentStep) (result compliance.DocumentResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("unexpected failure processing document: %v", r)
			s.logger.Error("Document processing panicked",
				zap.String("tenant_id", tenantID.String()),
				zap.String("document_id", id.String()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.audit(ctx, tenantID, compliance.EventDocumentSendFailed, compliance.SeverityError, err.Error(),
				map[string]any{"document_id": id.String()})
			result = compliance.DocumentFailed(id, nil, err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return compliance.DocumentFailed(id, nil, err)
	}
	if id == uuid.Nil {
		return compliance.DocumentFailed(id, nil, fmt.Errorf("%w: %w", compliance.ErrInvalidRequest, errNilDocumentID))
	}
	doc, err := s.documents.FindByID(ctx, tenantID, id)
	if err != nil {
		return compliance.DocumentFailed(id, nil, err)
	}
	result, _ = step(ctx, doc)
	return result
}

// PollPending re-queries the tenant's sent documents and, when auto-retry is
// on, retries failed documents still within their retry ceiling: those the
// authority never received are re-sent, those holding a track id are
// re-queried. The run is bounded by the poll time box; work left over waits
// for the next run.
func (s *LifecycleService) PollPending(ctx context.Context, tenantID uuid.UUID) (*compliance.BulkResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "lifecycle", "poll_pending", telemetry.WithTenant(tenantID))
	defer span.End()

	if s.config.PollTimeBox > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.PollTimeBox)
		defer cancel()
	}

	cfg, err := s.envs.Find(ctx, tenantID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	sess := s.newSession(tenantID, cfg)
	result := &compliance.BulkResult{}

	sent, err := s.documents.FindByStatus(ctx, tenantID, []compliance.SIIStatus{compliance.SIIStatusSent}, s.config.PollBatchSize)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("list sent documents: %w", err)
	}
	// one attempt per document per run; a query failing now waits for the next poll
	visited := make(map[uuid.UUID]struct{}, len(sent))
	for _, doc := range sent {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		visited[doc.ID] = struct{}{}
		result.Add(s.runStep(ctx, tenantID, doc.ID, func(ctx context.Context, doc *compliance.TaxDocument) (compliance.DocumentResult, error) {
			return s.query(ctx, doc, cfg, sess)
		}))
	}

	if cfg.AutoRetry {
		failed, err := s.documents.FindByStatus(ctx, tenantID, []compliance.SIIStatus{compliance.SIIStatusFailed}, s.config.PollBatchSize)
		if err != nil {
			telemetry.RecordError(span, err)
			return result, fmt.Errorf("list failed documents: %w", err)
		}
		for _, doc := range failed {
			if _, ok := visited[doc.ID]; ok || !doc.CanRetry(cfg.RetryLimit()) {
				continue
			}
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Add(s.runStep(ctx, tenantID, doc.ID, func(ctx context.Context, doc *compliance.TaxDocument) (compliance.DocumentResult, error) {
				return s.send(ctx, doc, cfg, sess)
			}))
		}
	}
	return result, nil
}
