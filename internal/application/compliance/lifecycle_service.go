package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/erp/dte/internal/infrastructure/logger"
	"github.com/erp/dte/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IdentityProvider answers whether a tenant has a usable signing identity
type IdentityProvider interface {
	UsableIdentity(ctx context.Context, tenantID uuid.UUID) (*compliance.SigningIdentity, error)
	GetInfo(ctx context.Context, tenantID uuid.UUID) (*compliance.CertificateInfo, bool)
}

// PromotionGate evaluates the production promotion conditions
type PromotionGate interface {
	Evaluate(ctx context.Context, in compliance.PromotionInput) ([]compliance.GateViolation, error)
}

// LifecycleConfig holds the timing knobs of the lifecycle controller
type LifecycleConfig struct {
	RequestTimeout       time.Duration // per gateway call
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	DefaultRetryAttempts int
	PollBatchSize        int
	PollTimeBox          time.Duration
}

// DefaultLifecycleConfig returns default lifecycle configuration
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		RequestTimeout:       30 * time.Second,
		BackoffInitial:       2 * time.Second,
		BackoffMax:           time.Minute,
		DefaultRetryAttempts: compliance.DefaultRetryAttempts,
		PollBatchSize:        100,
		PollTimeBox:          2 * time.Minute,
	}
}

// LifecycleConfigFrom derives the lifecycle configuration from the loaded settings
func LifecycleConfigFrom(lc config.LifecycleConfig, ac config.AuthorityConfig) LifecycleConfig {
	c := DefaultLifecycleConfig()
	if ac.RequestTimeout > 0 {
		c.RequestTimeout = ac.RequestTimeout
	}
	if lc.BackoffInitial > 0 {
		c.BackoffInitial = lc.BackoffInitial
	}
	if lc.BackoffMax > 0 {
		c.BackoffMax = lc.BackoffMax
	}
	if lc.DefaultRetryAttempts > 0 {
		c.DefaultRetryAttempts = lc.DefaultRetryAttempts
	}
	if lc.PollBatchSize > 0 {
		c.PollBatchSize = lc.PollBatchSize
	}
	if lc.PollTimeBox > 0 {
		c.PollTimeBox = lc.PollTimeBox
	}
	return c
}

// LifecycleDependencies are the collaborators of the lifecycle controller
type LifecycleDependencies struct {
	Documents    compliance.TaxDocumentRepository
	Folios       compliance.FolioRangeRepository
	Environments compliance.EnvironmentConfigRepository
	Identities   IdentityProvider
	Signer       compliance.DocumentSigner
	Gateway      compliance.TaxAuthorityGateway
	Gate         PromotionGate
	Events       compliance.EventLog
	Publisher    shared.EventPublisher
	Clock        shared.Clock
	Logger       *zap.Logger
}

// LifecycleService owns the document state machine. Every change to a tax
// document's authority status goes through it.
type LifecycleService struct {
	documents  compliance.TaxDocumentRepository
	folios     compliance.FolioRangeRepository
	envs       compliance.EnvironmentConfigRepository
	identities IdentityProvider
	signer     compliance.DocumentSigner
	gateway    compliance.TaxAuthorityGateway
	gate       PromotionGate
	events     compliance.EventLog
	publisher  shared.EventPublisher
	clock      shared.Clock
	logger     *zap.Logger
	config     LifecycleConfig
}

// NewLifecycleService creates a new LifecycleService
func NewLifecycleService(deps LifecycleDependencies, cfg LifecycleConfig) *LifecycleService {
	s := &LifecycleService{
		documents:  deps.Documents,
		folios:     deps.Folios,
		envs:       deps.Environments,
		identities: deps.Identities,
		signer:     deps.Signer,
		gateway:    deps.Gateway,
		gate:       deps.Gate,
		events:     deps.Events,
		publisher:  deps.Publisher,
		clock:      deps.Clock,
		logger:     deps.Logger,
		config:     cfg,
	}
	if s.clock == nil {
		s.clock = shared.SystemClock{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// SignDocument signs a draft document with the next folio of its type. The
// folio is only consumed when the signed document is persisted; a signing
// failure leaves the document in draft with the error recorded.
func (s *LifecycleService) SignDocument(ctx context.Context, tenantID, documentID uuid.UUID) compliance.DocumentResult {
	ctx, span := telemetry.StartDocumentSpan(ctx, "lifecycle.sign_document", tenantID, documentID)
	defer span.End()
	ctx, log := logger.WithDocumentID(ctx, s.logger, documentID)

	doc, err := s.documents.FindByID(ctx, tenantID, documentID)
	if err != nil {
		telemetry.RecordError(span, err)
		return compliance.DocumentFailed(documentID, nil, err)
	}
	if doc.SIIStatus != compliance.SIIStatusDraft {
		err := fmt.Errorf("%w: cannot sign document in %s status", compliance.ErrInvalidTransition, doc.SIIStatus)
		return compliance.DocumentFailed(documentID, doc, err)
	}

	signed, folio, err := s.sign(ctx, doc)
	if err != nil {
		telemetry.RecordError(span, err)
		return s.recordSigningFailure(ctx, doc, err, log)
	}

	now := s.clock.Now()
	if err := doc.MarkSigned(folio, string(signed.XML), now); err != nil {
		return compliance.DocumentFailed(documentID, doc, err)
	}
	if err := s.documents.SaveSigned(ctx, doc); err != nil {
		telemetry.RecordError(span, err)
		log.Warn("Signed document not persisted, folio left unconsumed", zap.Int64("folio", folio), zap.Error(err))
		s.audit(ctx, tenantID, compliance.EventDocumentSignFailed, compliance.SeverityError,
			"signed document could not be stored", map[string]any{"document_id": documentID.String(), "folio": folio, "error": err.Error()})
		return compliance.DocumentFailed(documentID, nil, err)
	}
	s.publish(ctx, doc)

	log.Info("Document signed", zap.Int64("folio", folio), zap.String("document_type", string(doc.DocumentType)))
	s.audit(ctx, tenantID, compliance.EventDocumentSigned, compliance.SeverityInfo, "document signed",
		map[string]any{"document_id": documentID.String(), "document_type": string(doc.DocumentType), "folio": folio})
	telemetry.SetOK(span)
	return compliance.DocumentSucceeded(doc, "document signed")
}

// sign renders and signs the document with the folio it would consume
func (s *LifecycleService) sign(ctx context.Context, doc *compliance.TaxDocument) (*compliance.SignedPayload, int64, error) {
	cfg, err := s.envs.Find(ctx, doc.TenantID)
	if err != nil {
		return nil, 0, err
	}
	identity, err := s.identities.UsableIdentity(ctx, doc.TenantID)
	if err != nil {
		return nil, 0, err
	}
	rng, err := s.folios.FindActive(ctx, doc.TenantID, doc.DocumentType)
	if err != nil {
		return nil, 0, err
	}
	folio, err := rng.Peek()
	if err != nil {
		return nil, 0, err
	}
	signed, err := s.signer.Sign(compliance.BuildPayload(doc, cfg.EmitterRUT, folio), *identity)
	if err != nil {
		return nil, 0, err
	}
	return signed, folio, nil
}

func (s *LifecycleService) recordSigningFailure(ctx context.Context, doc *compliance.TaxDocument, cause error, log *zap.Logger) compliance.DocumentResult {
	doc.RecordSigningFailure(cause.Error(), s.clock.Now())
	if err := s.documents.Save(ctx, doc); err != nil {
		log.Error("Failed to record signing failure", zap.Error(err))
	}
	log.Warn("Document signing failed", zap.Error(cause))
	s.audit(ctx, doc.TenantID, compliance.EventDocumentSignFailed, compliance.SeverityError, "document signing failed",
		map[string]any{"document_id": doc.ID.String(), "error": cause.Error(), "code": string(compliance.CodeOf(cause))})
	return compliance.DocumentFailed(doc.ID, doc, cause)
}

// SendDocument submits a signed document, or retries a failed one within its
// retry ceiling. A failed document the authority already tracks is re-queried.
func (s *LifecycleService) SendDocument(ctx context.Context, tenantID, documentID uuid.UUID) compliance.DocumentResult {
	ctx, span := telemetry.StartDocumentSpan(ctx, "lifecycle.send_document", tenantID, documentID)
	defer span.End()

	doc, cfg, err := s.load(ctx, tenantID, documentID)
	if err != nil {
		telemetry.RecordError(span, err)
		return compliance.DocumentFailed(documentID, doc, err)
	}
	result, err := s.send(ctx, doc, cfg, s.newSession(tenantID, cfg))
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return result
}

// SendWithRetry sends a document, retrying retryable failures with
// exponential backoff up to the tenant's retry ceiling.
func (s *LifecycleService) SendWithRetry(ctx context.Context, tenantID, documentID uuid.UUID) compliance.DocumentResult {
	ctx, span := telemetry.StartDocumentSpan(ctx, "lifecycle.send_with_retry", tenantID, documentID)
	defer span.End()

	cfg, err := s.envs.Find(ctx, tenantID)
	if err != nil {
		return compliance.DocumentFailed(documentID, nil, err)
	}
	limit := cfg.RetryLimit()
	sess := s.newSession(tenantID, cfg)

	var result compliance.DocumentResult
	attempts := 0
	operation := func() error {
		attempts++
		doc, err := s.documents.FindByID(ctx, tenantID, documentID)
		if err != nil {
			result = compliance.DocumentFailed(documentID, nil, err)
			return backoff.Permanent(err)
		}
		result, err = s.send(ctx, doc, cfg, sess)
		if err == nil {
			return nil
		}
		if compliance.IsRetryable(err) && doc.CanSend(limit) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(limit)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		telemetry.RecordError(span, err)
		s.logger.Warn("Send with retry gave up",
			zap.String("tenant_id", tenantID.String()),
			zap.String("document_id", documentID.String()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if result.DocumentID == uuid.Nil {
			result = compliance.DocumentFailed(documentID, nil, err)
		}
	}
	return result
}

func (s *LifecycleService) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.BackoffInitial
	b.MaxInterval = s.config.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// send runs one submission attempt. The returned error is the cause of a
// failed result and nil on success.
func (s *LifecycleService) send(ctx context.Context, doc *compliance.TaxDocument, cfg *compliance.EnvironmentConfig, sess *session) (compliance.DocumentResult, error) {
	ctx, log := logger.WithDocumentID(ctx, s.logger, doc.ID)

	if !doc.CanSend(cfg.RetryLimit()) {
		var err error
		switch doc.SIIStatus {
		case compliance.SIIStatusFailed:
			err = fmt.Errorf("%w: %d retries used, permanent=%t", compliance.ErrRetryLimitReached, doc.RetryCount, doc.PermanentFailure)
		default:
			err = fmt.Errorf("%w: cannot send document in %s status", compliance.ErrInvalidTransition, doc.SIIStatus)
		}
		return compliance.DocumentFailed(doc.ID, doc, err), err
	}

	if doc.AwaitsQuery() {
		// the authority already holds this folio; a resubmission would be refused as a duplicate
		return s.query(ctx, doc, cfg, sess)
	}

	fields := map[string]any{"document_id": doc.ID.String(), "folio": doc.Folio, "environment": string(cfg.Environment)}

	var receipt *compliance.SubmitReceipt
	err := sess.call(ctx, cfg.Environment, func(token *compliance.SessionToken) error {
		callCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
		var submitErr error
		receipt, submitErr = s.gateway.Submit(callCtx, compliance.SignedPayloadFromDocument(doc, cfg.EmitterRUT), token)
		return submitErr
	})
	var sessErr *sessionError
	if errors.As(err, &sessErr) {
		// the document is not at fault; its status is left untouched
		fields["error"] = err.Error()
		s.audit(ctx, doc.TenantID, compliance.EventDocumentSendFailed, compliance.SeverityError, "authentication with the tax authority failed", fields)
		log.Warn("Authentication failed before submission", zap.Error(err))
		return compliance.DocumentFailed(doc.ID, doc, err), err
	}

	now := s.clock.Now()
	if err == nil {
		err = doc.MarkSent(receipt.TrackID, cfg.Environment, now)
	}
	if err != nil {
		retryable := compliance.IsRetryable(err)
		if markErr := doc.MarkFailed(err.Error(), retryable, now); markErr != nil {
			return compliance.DocumentFailed(doc.ID, doc, markErr), markErr
		}
		if saveErr := s.documents.Save(ctx, doc); saveErr != nil {
			log.Error("Failed to record send failure", zap.Error(saveErr))
			return compliance.DocumentFailed(doc.ID, nil, saveErr), saveErr
		}
		s.publish(ctx, doc)

		fields["error"] = err.Error()
		fields["retryable"] = retryable
		fields["send_attempts"] = doc.SendAttempts
		s.audit(ctx, doc.TenantID, compliance.EventDocumentSendFailed, compliance.SeverityError, "document submission failed", fields)
		log.Warn("Document submission failed", zap.Bool("retryable", retryable), zap.Error(err))
		return compliance.DocumentFailed(doc.ID, doc, err), err
	}

	if err := s.documents.Save(ctx, doc); err != nil {
		// the authority has the document; the next poll cannot find it without the track id
		log.Error("Submitted document not persisted", zap.String("track_id", receipt.TrackID), zap.Error(err))
		fields["track_id"] = receipt.TrackID
		fields["error"] = err.Error()
		s.audit(ctx, doc.TenantID, compliance.EventDocumentSendFailed, compliance.SeverityError, "submitted document could not be stored", fields)
		return compliance.DocumentFailed(doc.ID, nil, err), err
	}
	s.publish(ctx, doc)

	fields["track_id"] = doc.TrackID
	s.audit(ctx, doc.TenantID, compliance.EventDocumentSent, compliance.SeverityInfo, "document submitted", fields)
	log.Info("Document submitted", zap.String("track_id", doc.TrackID))
	return compliance.DocumentSucceeded(doc, "document submitted"), nil
}

// QueryDocumentStatus asks the authority for a sent document's outcome.
// Querying a document that already reached a final status is a no-op.
func (s *LifecycleService) QueryDocumentStatus(ctx context.Context, tenantID, documentID uuid.UUID) compliance.DocumentResult {
	ctx, span := telemetry.StartDocumentSpan(ctx, "lifecycle.query_document_status", tenantID, documentID)
	defer span.End()

	doc, cfg, err := s.load(ctx, tenantID, documentID)
	if err != nil {
		telemetry.RecordError(span, err)
		return compliance.DocumentFailed(documentID, doc, err)
	}
	result, err := s.query(ctx, doc, cfg, s.newSession(tenantID, cfg))
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return result
}

func (s *LifecycleService) query(ctx context.Context, doc *compliance.TaxDocument, cfg *compliance.EnvironmentConfig, sess *session) (compliance.DocumentResult, error) {
	ctx, log := logger.WithDocumentID(ctx, s.logger, doc.ID)

	switch doc.SIIStatus {
	case compliance.SIIStatusAccepted, compliance.SIIStatusRejected, compliance.SIIStatusVoided:
		return compliance.DocumentSucceeded(doc, "document already "+doc.SIIStatus.String()), nil
	case compliance.SIIStatusSent:
	case compliance.SIIStatusFailed:
		if !doc.AwaitsQuery() {
			err := fmt.Errorf("%w: cannot query document in %s status", compliance.ErrInvalidTransition, doc.SIIStatus)
			return compliance.DocumentFailed(doc.ID, doc, err), err
		}
		if !doc.CanRetry(cfg.RetryLimit()) {
			err := fmt.Errorf("%w: %d retries used, permanent=%t", compliance.ErrRetryLimitReached, doc.RetryCount, doc.PermanentFailure)
			return compliance.DocumentFailed(doc.ID, doc, err), err
		}
	default:
		err := fmt.Errorf("%w: cannot query document in %s status", compliance.ErrInvalidTransition, doc.SIIStatus)
		return compliance.DocumentFailed(doc.ID, doc, err), err
	}
	if doc.TrackID == "" {
		return compliance.DocumentFailed(doc.ID, doc, compliance.ErrTrackIDMissing), compliance.ErrTrackIDMissing
	}

	fields := map[string]any{"document_id": doc.ID.String(), "track_id": doc.TrackID}
	env := doc.Environment
	if !env.IsValid() {
		env = cfg.Environment
	}

	report, err := s.queryGateway(ctx, doc.TrackID, env, sess)
	now := s.clock.Now()
	if err != nil {
		fields["error"] = err.Error()
		var sessErr *sessionError
		// a failed document spends one retry per unsuccessful query so polling stays bounded
		retry := compliance.IsRetryable(err) || doc.SIIStatus == compliance.SIIStatusFailed
		if retry && !errors.As(err, &sessErr) {
			if markErr := doc.MarkFailed(err.Error(), true, now); markErr != nil {
				return compliance.DocumentFailed(doc.ID, doc, markErr), markErr
			}
			if saveErr := s.documents.Save(ctx, doc); saveErr != nil {
				return compliance.DocumentFailed(doc.ID, nil, saveErr), saveErr
			}
			s.publish(ctx, doc)
		}
		s.audit(ctx, doc.TenantID, compliance.EventDocumentQueryFailed, compliance.SeverityError, "status query failed", fields)
		log.Warn("Status query failed", zap.Error(err))
		return compliance.DocumentFailed(doc.ID, doc, err), err
	}

	fields["authority_status"] = report.AuthorityStatus
	var eventType string
	severity := compliance.SeverityInfo
	switch report.Outcome {
	case compliance.OutcomeAccepted:
		err = doc.MarkAccepted(report.Raw, now)
		eventType = compliance.EventDocumentAccepted
	case compliance.OutcomeRejected:
		err = doc.MarkRejected(report.Raw, report.Message, now)
		eventType = compliance.EventDocumentRejected
		severity = compliance.SeverityWarning
		fields["reason"] = report.Message
	default:
		if doc.SIIStatus == compliance.SIIStatusFailed {
			err = doc.MarkResumed(report.Raw, now)
		} else {
			doc.RecordStatusResponse(report.Raw, now)
		}
	}
	if err != nil {
		return compliance.DocumentFailed(doc.ID, doc, err), err
	}
	if err := s.documents.Save(ctx, doc); err != nil {
		log.Error("Failed to store status response", zap.Error(err))
		return compliance.DocumentFailed(doc.ID, nil, err), err
	}
	s.publish(ctx, doc)

	if eventType == "" {
		return compliance.DocumentSucceeded(doc, "document still in process"), nil
	}
	s.audit(ctx, doc.TenantID, eventType, severity, "document "+doc.SIIStatus.String()+" by the tax authority", fields)
	log.Info("Document status resolved", zap.String("status", doc.SIIStatus.String()))

	if doc.SIIStatus == compliance.SIIStatusAccepted && doc.IsCreditNote() {
		s.voidOriginal(ctx, doc, log)
	}
	return compliance.DocumentSucceeded(doc, "document "+doc.SIIStatus.String()), nil
}

func (s *LifecycleService) queryGateway(ctx context.Context, trackID string, env compliance.Environment, sess *session) (*compliance.StatusReport, error) {
	var report *compliance.StatusReport
	err := sess.call(ctx, env, func(token *compliance.SessionToken) error {
		callCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
		var queryErr error
		report, queryErr = s.gateway.QueryStatus(callCtx, trackID, token)
		return queryErr
	})
	return report, err
}

// voidOriginal closes the document an accepted credit note compensates
func (s *LifecycleService) voidOriginal(ctx context.Context, note *compliance.TaxDocument, log *zap.Logger) {
	original, err := s.documents.FindByID(ctx, note.TenantID, *note.ReferenceDocumentID)
	if err != nil {
		log.Error("Credit note original not found", zap.Error(err))
		return
	}
	if err := original.MarkVoided(note, s.clock.Now()); err != nil {
		log.Error("Failed to void credit note original", zap.String("original_id", original.ID.String()), zap.Error(err))
		return
	}
	if err := s.documents.Save(ctx, original); err != nil {
		log.Error("Failed to store voided original", zap.String("original_id", original.ID.String()), zap.Error(err))
		return
	}
	s.publish(ctx, original)
	s.audit(ctx, original.TenantID, compliance.EventDocumentVoided, compliance.SeverityInfo, "document voided by accepted credit note",
		map[string]any{"document_id": original.ID.String(), "credit_note_id": note.ID.String(), "folio": original.Folio})
}

// load fetches a document together with its tenant's environment configuration
func (s *LifecycleService) load(ctx context.Context, tenantID, documentID uuid.UUID) (*compliance.TaxDocument, *compliance.EnvironmentConfig, error) {
	doc, err := s.documents.FindByID(ctx, tenantID, documentID)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := s.envs.Find(ctx, tenantID)
	if err != nil {
		return doc, nil, err
	}
	return doc, cfg, nil
}

// publish forwards the document's pending domain events
func (s *LifecycleService) publish(ctx context.Context, doc *compliance.TaxDocument) {
	events := doc.GetDomainEvents()
	doc.ClearDomainEvents()
	if s.publisher == nil || len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.Warn("Failed to publish document events",
			zap.String("document_id", doc.ID.String()), zap.Error(err))
	}
}

func (s *LifecycleService) audit(ctx context.Context, tenantID uuid.UUID, eventType string, severity compliance.Severity, message string, fields map[string]any) {
	appendAudit(ctx, s.events, s.logger,
		compliance.NewEventLogEntry(tenantID, eventType, severity, message, fields, ActorFromContext(ctx), s.clock.Now()))
}

// session reuses authority tokens within one operation until they expire
type session struct {
	svc      *LifecycleService
	tenantID uuid.UUID
	cfg      *compliance.EnvironmentConfig
	tokens   map[compliance.Environment]*compliance.SessionToken
}

func (s *LifecycleService) newSession(tenantID uuid.UUID, cfg *compliance.EnvironmentConfig) *session {
	return &session{svc: s, tenantID: tenantID, cfg: cfg, tokens: make(map[compliance.Environment]*compliance.SessionToken)}
}

// sessionError marks a failure to hold a valid authority session. The
// document involved is not at fault.
type sessionError struct {
	err error
}

func (e *sessionError) Error() string { return e.err.Error() }

func (e *sessionError) Unwrap() error { return e.err }

// call runs fn with a session token. A token the authority refuses is
// dropped and fn runs once more with a fresh one.
func (ss *session) call(ctx context.Context, env compliance.Environment, fn func(*compliance.SessionToken) error) error {
	token, err := ss.token(ctx, env)
	if err != nil {
		return &sessionError{err: err}
	}
	err = fn(token)
	if !errors.Is(err, compliance.ErrAuthFailure) {
		return err
	}
	ss.svc.logger.Info("Authority refused session token, re-authenticating",
		zap.String("tenant_id", ss.tenantID.String()), zap.String("environment", string(env)), zap.Error(err))
	ss.invalidate(env)
	if token, err = ss.token(ctx, env); err != nil {
		return &sessionError{err: err}
	}
	if err = fn(token); errors.Is(err, compliance.ErrAuthFailure) {
		return &sessionError{err: err}
	}
	return err
}

func (ss *session) invalidate(env compliance.Environment) {
	delete(ss.tokens, env)
}

func (ss *session) token(ctx context.Context, env compliance.Environment) (*compliance.SessionToken, error) {
	now := ss.svc.clock.Now()
	if tok, ok := ss.tokens[env]; ok && (tok.ExpiresAt.IsZero() || now.Before(tok.ExpiresAt)) {
		return tok, nil
	}
	identity, err := ss.svc.identities.UsableIdentity(ctx, ss.tenantID)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, ss.svc.config.RequestTimeout)
	defer cancel()
	tok, err := ss.svc.gateway.Authenticate(callCtx, compliance.TenantCredentials{
		TenantID:    ss.tenantID,
		Environment: env,
		EmitterRUT:  ss.cfg.EmitterRUT,
		Identity:    *identity,
	})
	if err != nil {
		return nil, err
	}
	ss.tokens[env] = tok
	return tok, nil
}
