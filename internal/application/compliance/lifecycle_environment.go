package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/infrastructure/logger"
	"github.com/erp/dte/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConfigureEnvironmentRequest sets a tenant's authority settings. Nil fields are left unchanged.
type ConfigureEnvironmentRequest struct {
	TenantID         uuid.UUID  `json:"tenant_id" validate:"required"`
	EmitterRUT       string     `json:"emitter_rut" validate:"required,max=12"`
	ResolutionNumber *string    `json:"resolution_number,omitempty" validate:"omitempty,max=20"`
	ResolutionDate   *time.Time `json:"resolution_date,omitempty"`
	AutoSend         *bool      `json:"auto_send,omitempty"`
	AutoRetry        *bool      `json:"auto_retry,omitempty"`
	RetryAttempts    *int       `json:"retry_attempts,omitempty" validate:"omitempty,min=0,max=10"`
}

// ConfigureEnvironment creates or updates the tenant's environment configuration.
// The environment itself only changes through SwitchEnvironment.
func (s *LifecycleService) ConfigureEnvironment(ctx context.Context, req ConfigureEnvironmentRequest) (*compliance.EnvironmentConfig, error) {
	if err := validateRequest(req, compliance.ErrInvalidRequest); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	cfg, err := s.envs.Find(ctx, req.TenantID)
	switch {
	case errors.Is(err, compliance.ErrEnvironmentNotFound):
		cfg = compliance.NewEnvironmentConfig(req.TenantID, req.EmitterRUT, now)
		cfg.RetryAttempts = s.config.DefaultRetryAttempts
	case err != nil:
		return nil, err
	}

	cfg.EmitterRUT = strings.TrimSpace(req.EmitterRUT)
	if req.ResolutionNumber != nil {
		date := now
		if req.ResolutionDate != nil {
			date = *req.ResolutionDate
		}
		cfg.SetResolution(*req.ResolutionNumber, date, now)
	}
	if req.AutoSend != nil {
		cfg.AutoSend = *req.AutoSend
	}
	if req.AutoRetry != nil {
		cfg.AutoRetry = *req.AutoRetry
	}
	if req.RetryAttempts != nil {
		cfg.RetryAttempts = *req.RetryAttempts
	}
	cfg.UpdatedAt = now

	if err := s.envs.Save(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProcessDocument signs a draft document and submits it right away when the
// tenant has auto-send on.
func (s *LifecycleService) ProcessDocument(ctx context.Context, tenantID, documentID uuid.UUID) compliance.DocumentResult {
	result := s.SignDocument(ctx, tenantID, documentID)
	if !result.Success {
		return result
	}
	cfg, err := s.envs.Find(ctx, tenantID)
	if err != nil || !cfg.AutoSend {
		return result
	}
	return s.SendDocument(ctx, tenantID, documentID)
}

// TestConnection checks that the tenant can reach and authenticate against its
// current environment, and records the outcome on the configuration.
func (s *LifecycleService) TestConnection(ctx context.Context, tenantID uuid.UUID) compliance.OperationResult {
	ctx, span := telemetry.StartServiceSpan(ctx, "lifecycle", "test_connection", telemetry.WithTenant(tenantID))
	defer span.End()
	ctx, log := logger.WithTenantID(ctx, s.logger, tenantID)

	cfg, err := s.envs.Find(ctx, tenantID)
	if err != nil {
		return compliance.Failed(err)
	}

	err = s.checkConnection(ctx, tenantID, cfg)
	now := s.clock.Now()
	result := compliance.Succeeded("connection to " + string(cfg.Environment) + " verified")
	severity := compliance.SeverityInfo
	if err != nil {
		telemetry.RecordError(span, err)
		result = compliance.Failed(err)
		severity = compliance.SeverityError
	}
	cfg.RecordConnectionTest(err == nil, result.Message, now)
	if saveErr := s.envs.Save(ctx, cfg); saveErr != nil {
		log.Error("Failed to record connection test", zap.Error(saveErr))
		return compliance.Failed(saveErr)
	}

	s.audit(ctx, tenantID, compliance.EventConnectionTested, severity, result.Message,
		map[string]any{"environment": string(cfg.Environment), "success": result.Success})
	log.Info("Connection tested", zap.String("environment", string(cfg.Environment)), zap.Bool("success", result.Success))
	return result
}

func (s *LifecycleService) checkConnection(ctx context.Context, tenantID uuid.UUID, cfg *compliance.EnvironmentConfig) error {
	callCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	err := s.gateway.Ping(callCtx, cfg.Environment)
	cancel()
	if err != nil {
		return err
	}
	_, err = s.newSession(tenantID, cfg).token(ctx, cfg.Environment)
	return err
}

// SwitchEnvironment moves the tenant to target. Promotion to production is
// gated; a blocked promotion returns an *EnvironmentGateError listing every
// failed condition. Any switch clears the cached connection status.
func (s *LifecycleService) SwitchEnvironment(ctx context.Context, tenantID uuid.UUID, target compliance.Environment) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "lifecycle", "switch_environment",
		telemetry.WithTenant(tenantID), telemetry.WithAttribute("target", string(target)))
	defer span.End()

	if !target.IsValid() {
		return fmt.Errorf("%w: %q", compliance.ErrInvalidEnvironment, target)
	}
	cfg, err := s.envs.Find(ctx, tenantID)
	if err != nil {
		return err
	}
	from := cfg.Environment

	if target == compliance.EnvironmentProduction {
		violations, err := s.evaluatePromotion(ctx, tenantID, cfg)
		if err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		if len(violations) > 0 {
			gateErr := &compliance.EnvironmentGateError{Violations: violations}
			codes := make([]string, len(violations))
			for i, v := range violations {
				codes[i] = v.Code
			}
			s.audit(ctx, tenantID, compliance.EventEnvironmentSwitchBlocked, compliance.SeverityWarning, gateErr.Error(),
				map[string]any{"from": string(from), "target": string(target), "violations": codes})
			telemetry.RecordError(span, gateErr)
			return gateErr
		}
	}

	if err := cfg.SwitchTo(target, s.clock.Now()); err != nil {
		return err
	}
	if err := s.envs.Save(ctx, cfg); err != nil {
		return err
	}
	s.audit(ctx, tenantID, compliance.EventEnvironmentSwitched, compliance.SeverityInfo,
		fmt.Sprintf("environment switched from %s to %s", from, target),
		map[string]any{"from": string(from), "target": string(target)})
	s.logger.Info("Environment switched",
		zap.String("tenant_id", tenantID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
	)
	return nil
}

func (s *LifecycleService) evaluatePromotion(ctx context.Context, tenantID uuid.UUID, cfg *compliance.EnvironmentConfig) ([]compliance.GateViolation, error) {
	if s.gate == nil {
		return nil, errors.New("promotion gate is not configured")
	}
	accepted, err := s.documents.CountAccepted(ctx, tenantID, compliance.EnvironmentCertification)
	if err != nil {
		return nil, fmt.Errorf("count accepted certification documents: %w", err)
	}
	in := compliance.PromotionInput{
		Target:                  compliance.EnvironmentProduction,
		Current:                 cfg.Environment,
		ResolutionNumber:        cfg.ResolutionNumber,
		ConnectionStatus:        cfg.ConnectionStatus,
		ConnectionEnvironment:   cfg.LastTestEnvironment,
		AcceptedInCertification: accepted,
	}
	if info, ok := s.identities.GetInfo(ctx, tenantID); ok {
		in.CertificatePresent = true
		in.CertificateExpired = info.IsExpired
	}
	return s.gate.Evaluate(ctx, in)
}

// RequestFolios asks the authority for a new folio range
func (s *LifecycleService) RequestFolios(ctx context.Context, tenantID uuid.UUID, docType compliance.DocumentType, quantity int) (*compliance.FolioRequestResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "lifecycle", "request_folios", telemetry.WithTenant(tenantID))
	defer span.End()

	if !docType.IsValid() || quantity <= 0 {
		return nil, fmt.Errorf("%w: %d folios of %q", compliance.ErrInvalidRequest, quantity, docType)
	}
	cfg, err := s.envs.Find(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	token, err := s.newSession(tenantID, cfg).token(ctx, cfg.Environment)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()
	res, err := s.gateway.RequestFolios(callCtx, compliance.FolioRequest{
		EmitterRUT:   cfg.EmitterRUT,
		DocumentType: docType,
		Quantity:     quantity,
	}, token)
	fields := map[string]any{"document_type": string(docType), "quantity": quantity}
	if err != nil {
		telemetry.RecordError(span, err)
		fields["error"] = err.Error()
		s.audit(ctx, tenantID, compliance.EventFoliosRequested, compliance.SeverityError, "folio request failed", fields)
		return nil, err
	}
	fields["request_id"] = res.RequestID
	s.audit(ctx, tenantID, compliance.EventFoliosRequested, compliance.SeverityInfo, "folios requested", fields)
	return res, nil
}

// DownloadFolios fetches an authorized folio range and stores it for signing
func (s *LifecycleService) DownloadFolios(ctx context.Context, tenantID uuid.UUID, docType compliance.DocumentType, requestID string) (*compliance.FolioRange, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "lifecycle", "download_folios", telemetry.WithTenant(tenantID))
	defer span.End()

	if !docType.IsValid() || strings.TrimSpace(requestID) == "" {
		return nil, fmt.Errorf("%w: download of %q folios needs a request id", compliance.ErrInvalidRequest, docType)
	}
	cfg, err := s.envs.Find(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	token, err := s.newSession(tenantID, cfg).token(ctx, cfg.Environment)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()
	rng, err := s.gateway.DownloadFolios(callCtx, compliance.FolioDownload{
		TenantID:     tenantID,
		EmitterRUT:   cfg.EmitterRUT,
		DocumentType: docType,
		RequestID:    requestID,
	}, token)
	if err != nil {
		telemetry.RecordError(span, err)
		s.audit(ctx, tenantID, compliance.EventFoliosDownloaded, compliance.SeverityError, "folio download failed",
			map[string]any{"document_type": string(docType), "request_id": requestID, "error": err.Error()})
		return nil, err
	}
	rng.TenantID = tenantID
	if rng.ID == uuid.Nil {
		rng.ID = uuid.New()
	}
	if err := s.folios.Save(ctx, rng); err != nil {
		return nil, fmt.Errorf("store folio range: %w", err)
	}
	s.audit(ctx, tenantID, compliance.EventFoliosDownloaded, compliance.SeverityInfo, "folio range stored",
		map[string]any{"document_type": string(docType), "from": rng.From, "to": rng.To, "request_id": requestID})
	return rng, nil
}

// IssueCreditNote creates a draft credit note compensating an accepted
// document. The original is only linked to the note; it becomes voided once
// the note itself is accepted.
func (s *LifecycleService) IssueCreditNote(ctx context.Context, tenantID, originalID uuid.UUID, reason string) compliance.DocumentResult {
	ctx, span := telemetry.StartServiceSpan(ctx, "lifecycle", "issue_credit_note", telemetry.WithTenant(tenantID))
	defer span.End()
	ctx, log := logger.WithDocumentID(ctx, s.logger, originalID)

	original, err := s.documents.FindByID(ctx, tenantID, originalID)
	if err != nil {
		return compliance.DocumentFailed(originalID, nil, err)
	}
	now := s.clock.Now()
	note, err := compliance.NewCreditNote(original, reason, now)
	if err != nil {
		return compliance.DocumentFailed(originalID, original, err)
	}

	// the original's version check stops two notes being issued against it
	if err := s.documents.Save(ctx, original); err != nil {
		telemetry.RecordError(span, err)
		return compliance.DocumentFailed(originalID, nil, err)
	}
	if err := s.documents.Save(ctx, note); err != nil {
		telemetry.RecordError(span, err)
		log.Error("Credit note not stored, unlinking original", zap.Error(err))
		original.VoidedByID = nil
		original.ClearDomainEvents()
		original.Touch(s.clock.Now())
		if unlinkErr := s.documents.Save(ctx, original); unlinkErr != nil {
			log.Error("Failed to unlink original", zap.Error(unlinkErr))
		}
		return compliance.DocumentFailed(originalID, nil, err)
	}
	s.publish(ctx, original)
	s.publish(ctx, note)

	s.audit(ctx, tenantID, compliance.EventCreditNoteIssued, compliance.SeverityInfo, "credit note issued",
		map[string]any{"document_id": originalID.String(), "credit_note_id": note.ID.String(), "reason": reason, "folio": original.Folio})
	log.Info("Credit note issued", zap.String("credit_note_id", note.ID.String()))
	return compliance.DocumentSucceeded(note, "credit note issued")
}
