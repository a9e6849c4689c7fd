package compliance

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/certutil"
	"github.com/erp/dte/internal/infrastructure/logger"
	"github.com/erp/dte/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Certificate operations, as counted by metrics
const (
	CertOpUpload  = "upload"
	CertOpDelete  = "delete"
	CertOpTest    = "test"
	CertOpBackup  = "backup"
	CertOpRestore = "restore"
)

// CertificateService owns the import and validation policy of tenant signing
// identities. Expected failures are returned as OperationResult, never as errors.
type CertificateService struct {
	store   compliance.KeyMaterialStore
	signer  compliance.DocumentSigner
	tenants compliance.TenantDirectory
	events  compliance.EventLog
	locker  TenantLocker
	metrics *telemetry.ComplianceMetrics
	clock   shared.Clock
	logger  *zap.Logger
	tempDir string
}

// CertificateServiceOption configures a CertificateService
type CertificateServiceOption func(*CertificateService)

// WithCertificateLocker replaces the in-process tenant lock
func WithCertificateLocker(l TenantLocker) CertificateServiceOption {
	return func(s *CertificateService) {
		s.locker = l
	}
}

// WithCertificateClock sets the clock used for validity checks
func WithCertificateClock(c shared.Clock) CertificateServiceOption {
	return func(s *CertificateService) {
		s.clock = c
	}
}

// WithCertificateLogger sets the logger
func WithCertificateLogger(l *zap.Logger) CertificateServiceOption {
	return func(s *CertificateService) {
		s.logger = l
	}
}

// WithCertificateMetrics sets the metrics recorder
func WithCertificateMetrics(m *telemetry.ComplianceMetrics) CertificateServiceOption {
	return func(s *CertificateService) {
		s.metrics = m
	}
}

// WithUploadTempDir sets where uploaded containers are staged; "" uses the OS default
func WithUploadTempDir(dir string) CertificateServiceOption {
	return func(s *CertificateService) {
		s.tempDir = dir
	}
}

// NewCertificateService creates a new CertificateService
func NewCertificateService(
	store compliance.KeyMaterialStore,
	signer compliance.DocumentSigner,
	tenants compliance.TenantDirectory,
	events compliance.EventLog,
	opts ...CertificateServiceOption,
) *CertificateService {
	s := &CertificateService{
		store:   store,
		signer:  signer,
		tenants: tenants,
		events:  events,
		locker:  NewKeyedMutex(),
		clock:   shared.SystemClock{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetInfo derives the active certificate's info. It reports false when no
// identity is stored or the stored one cannot be read.
func (s *CertificateService) GetInfo(ctx context.Context, tenantID uuid.UUID) (*compliance.CertificateInfo, bool) {
	_, info, err := s.loadActive(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, compliance.ErrIdentityNotFound) {
			s.logger.Warn("Active certificate unreadable",
				zap.String("tenant_id", tenantID.String()), zap.Error(err))
		}
		return nil, false
	}
	return info, true
}

// UsableIdentity returns the tenant's identity when it exists and is within its validity window
func (s *CertificateService) UsableIdentity(ctx context.Context, tenantID uuid.UUID) (*compliance.SigningIdentity, error) {
	identity, info, err := s.loadActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if info.IsExpired {
		return nil, fmt.Errorf("%w: expired on %s", compliance.ErrCertificateExpired, info.ValidTo.Format("2006-01-02"))
	}
	return identity, nil
}

func (s *CertificateService) loadActive(ctx context.Context, tenantID uuid.UUID) (*compliance.SigningIdentity, *compliance.CertificateInfo, error) {
	identity, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	cert, err := certutil.ParseCertificatePEM(identity.CertificatePEM)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", compliance.ErrCorruptContainer, err)
	}
	info := compliance.NewCertificateInfo(cert, s.clock.Now())
	return identity, &info, nil
}

// Upload imports a PKCS#12 container. Either the new identity ends up active
// and self-tested, or the previously active identity is left in place.
func (s *CertificateService) Upload(ctx context.Context, req UploadCertificateRequest) compliance.OperationResult {
	ctx, span := telemetry.StartServiceSpan(ctx, "certificate", CertOpUpload, telemetry.WithTenant(req.TenantID))
	defer span.End()
	ctx, log := logger.WithTenantID(ctx, s.logger, req.TenantID)

	if err := req.validate(); err != nil {
		return s.finish(ctx, CertOpUpload, req.TenantID, compliance.Failed(err), nil)
	}

	unlock, err := s.locker.Lock(ctx, req.TenantID)
	if err != nil {
		return s.finish(ctx, CertOpUpload, req.TenantID, compliance.Failed(err), nil)
	}
	defer unlock()

	result := s.upload(ctx, req, log)
	fields := map[string]any{"is_renewal": req.IsRenewal, "alias": req.Alias}
	if result.Info != nil {
		fields["serial_number"] = result.Info.SerialNumber
	}
	if result.Backup != nil {
		fields["backup"] = result.Backup.ID
	}
	if !result.Success {
		telemetry.RecordError(span, errors.New(result.Message))
	}
	return s.finish(ctx, CertOpUpload, req.TenantID, result, fields)
}

func (s *CertificateService) upload(ctx context.Context, req UploadCertificateRequest, log *zap.Logger) compliance.OperationResult {
	path, err := s.stage(req.Container)
	if err != nil {
		return compliance.Failed(fmt.Errorf("%w: staging upload: %v", compliance.ErrStorageIO, err))
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Error("Failed to remove staged certificate upload", zap.String("path", path), zap.Error(rmErr))
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		return compliance.Failed(fmt.Errorf("%w: reading staged upload: %v", compliance.ErrStorageIO, err))
	}
	bundle, err := certutil.DecodePKCS12(data, req.Password)
	if err != nil {
		return compliance.Failed(err)
	}

	now := s.clock.Now()
	info := compliance.NewCertificateInfo(bundle.Certificate, now)
	if info.IsExpired {
		result := compliance.Failed(fmt.Errorf("%w: expired on %s", compliance.ErrCertificateExpired, info.ValidTo.Format("2006-01-02")))
		result.Info = &info
		return result
	}
	warnings := certificateWarnings(info)

	certPEM, keyPEM, err := bundle.ToPEM()
	if err != nil {
		return compliance.Failed(fmt.Errorf("%w: %v", compliance.ErrCorruptContainer, err))
	}

	prior, err := s.store.Get(ctx, req.TenantID)
	if err != nil && !errors.Is(err, compliance.ErrIdentityNotFound) {
		return compliance.Failed(err)
	}

	var backup *compliance.BackupHandle
	if req.IsRenewal && prior != nil {
		handle, err := s.store.Backup(ctx, req.TenantID)
		if err != nil {
			return compliance.Failed(err)
		}
		backup = &handle
	}

	if err := s.store.Put(ctx, req.TenantID, certPEM, keyPEM); err != nil {
		// a store may fail after writing one half
		s.rollback(ctx, req.TenantID, prior, log)
		return compliance.Failed(err)
	}

	identity := compliance.SigningIdentity{TenantID: req.TenantID, CertificatePEM: certPEM, PrivateKeyPEM: keyPEM}
	if err := s.selfTest(req.TenantID, identity); err != nil {
		s.rollback(ctx, req.TenantID, prior, log)
		return compliance.Failed(err)
	}

	alias := req.Alias
	if alias == "" {
		alias = bundle.Certificate.Subject.CommonName
	}
	if err := s.tenants.SaveCertificateMetadata(ctx, req.TenantID, compliance.MetadataFromInfo(info, alias, now)); err != nil {
		s.rollback(ctx, req.TenantID, prior, log)
		return compliance.Failed(fmt.Errorf("saving certificate metadata: %w", err))
	}

	log.Info("Certificate uploaded",
		zap.String("serial_number", info.SerialNumber),
		zap.Int("days_until_expiry", info.DaysUntilExpiry),
		zap.Bool("is_renewal", req.IsRenewal),
	)
	return compliance.OperationResult{
		Success:  true,
		Message:  "certificate uploaded and verified",
		Warnings: warnings,
		Info:     &info,
		Backup:   backup,
	}
}

// stage writes the container to an owner-only temporary file
func (s *CertificateService) stage(data []byte) (string, error) {
	f, err := os.CreateTemp(s.tempDir, "dte-upload-*.p12")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// rollback puts the prior identity back, or removes the new one when there was none
func (s *CertificateService) rollback(ctx context.Context, tenantID uuid.UUID, prior *compliance.SigningIdentity, log *zap.Logger) {
	var err error
	if prior != nil {
		err = s.store.Put(ctx, tenantID, prior.CertificatePEM, prior.PrivateKeyPEM)
	} else {
		err = s.store.Delete(ctx, tenantID)
	}
	if err != nil {
		log.Error("Certificate rollback failed", zap.Bool("had_prior", prior != nil), zap.Error(err))
		return
	}
	log.Warn("Certificate upload rolled back", zap.Bool("had_prior", prior != nil))
}

// selfTest signs the fixed test payload and verifies the signature
func (s *CertificateService) selfTest(tenantID uuid.UUID, identity compliance.SigningIdentity) error {
	signed, err := s.signer.Sign(compliance.SelfTestPayload(tenantID, s.clock.Now()), identity)
	if err != nil {
		return fmt.Errorf("self-test: %w", err)
	}
	ok, err := s.signer.Verify(signed, identity.CertificatePEM)
	if err != nil {
		return fmt.Errorf("%w: self-test verification: %v", compliance.ErrSigningFailure, err)
	}
	if !ok {
		return fmt.Errorf("%w: self-test signature does not verify", compliance.ErrSigningFailure)
	}
	return nil
}

func certificateWarnings(info compliance.CertificateInfo) []string {
	var warnings []string
	if !info.HasDigitalSignatureUsage {
		warnings = append(warnings, "certificate is not flagged for digital signatures")
	}
	if info.ExpiresSoon {
		warnings = append(warnings, fmt.Sprintf("certificate expires in %d days", info.DaysUntilExpiry))
	}
	if info.IsNotYetValid {
		warnings = append(warnings, "certificate is not valid until "+info.ValidFrom.Format("2006-01-02 15:04:05 MST"))
	}
	return warnings
}

// Delete removes the active identity after a best-effort backup and clears the cached metadata
func (s *CertificateService) Delete(ctx context.Context, tenantID uuid.UUID) compliance.OperationResult {
	ctx, log := logger.WithTenantID(ctx, s.logger, tenantID)

	unlock, err := s.locker.Lock(ctx, tenantID)
	if err != nil {
		return s.finish(ctx, CertOpDelete, tenantID, compliance.Failed(err), nil)
	}
	defer unlock()

	if _, err := s.store.Get(ctx, tenantID); err != nil {
		return s.finish(ctx, CertOpDelete, tenantID, compliance.Failed(err), nil)
	}

	result := compliance.Succeeded("certificate deleted")
	fields := map[string]any{}
	handle, err := s.store.Backup(ctx, tenantID)
	if err != nil {
		log.Warn("Backup before delete failed, deleting anyway", zap.Error(err))
		result.Warnings = append(result.Warnings, "no backup was taken before deletion")
		fields["backup_error"] = err.Error()
	} else {
		result.Backup = &handle
		fields["backup"] = handle.ID
	}

	if err := s.store.Delete(ctx, tenantID); err != nil {
		return s.finish(ctx, CertOpDelete, tenantID, compliance.Failed(err), fields)
	}
	if err := s.tenants.ClearCertificateMetadata(ctx, tenantID); err != nil {
		log.Error("Failed to clear certificate metadata", zap.Error(err))
		result.Warnings = append(result.Warnings, "cached certificate metadata could not be cleared")
	}
	return s.finish(ctx, CertOpDelete, tenantID, result, fields)
}

// Test re-derives the certificate info and proves the identity can still sign
func (s *CertificateService) Test(ctx context.Context, tenantID uuid.UUID) compliance.OperationResult {
	identity, info, err := s.loadActive(ctx, tenantID)
	if err != nil {
		return s.finish(ctx, CertOpTest, tenantID, compliance.Failed(err), nil)
	}
	fields := map[string]any{"serial_number": info.SerialNumber, "days_until_expiry": info.DaysUntilExpiry}

	if info.IsExpired {
		result := compliance.Failed(fmt.Errorf("%w: expired on %s", compliance.ErrCertificateExpired, info.ValidTo.Format("2006-01-02")))
		result.Info = info
		return s.finish(ctx, CertOpTest, tenantID, result, fields)
	}
	if err := s.selfTest(tenantID, *identity); err != nil {
		result := compliance.Failed(err)
		result.Info = info
		return s.finish(ctx, CertOpTest, tenantID, result, fields)
	}

	result := compliance.Succeeded("certificate is valid and can sign")
	result.Info = info
	result.Warnings = certificateWarnings(*info)
	return s.finish(ctx, CertOpTest, tenantID, result, fields)
}

// Backup copies the active identity into a new backup slot
func (s *CertificateService) Backup(ctx context.Context, tenantID uuid.UUID) compliance.OperationResult {
	unlock, err := s.locker.Lock(ctx, tenantID)
	if err != nil {
		return s.finish(ctx, CertOpBackup, tenantID, compliance.Failed(err), nil)
	}
	defer unlock()

	handle, err := s.store.Backup(ctx, tenantID)
	if err != nil {
		return s.finish(ctx, CertOpBackup, tenantID, compliance.Failed(err), nil)
	}
	result := compliance.Succeeded("certificate backed up")
	result.Backup = &handle
	return s.finish(ctx, CertOpBackup, tenantID, result, map[string]any{"backup": handle.ID})
}

// Restore makes a backup the active identity again and refreshes the cached metadata
func (s *CertificateService) Restore(ctx context.Context, tenantID uuid.UUID, backupID string) compliance.OperationResult {
	ctx, log := logger.WithTenantID(ctx, s.logger, tenantID)
	if backupID == "" {
		backupID = compliance.LatestBackup
	}
	fields := map[string]any{"backup": backupID}

	unlock, err := s.locker.Lock(ctx, tenantID)
	if err != nil {
		return s.finish(ctx, CertOpRestore, tenantID, compliance.Failed(err), fields)
	}
	defer unlock()

	if err := s.store.Restore(ctx, tenantID, compliance.BackupHandle{ID: backupID}); err != nil {
		return s.finish(ctx, CertOpRestore, tenantID, compliance.Failed(err), fields)
	}

	result := compliance.Succeeded("certificate restored")
	_, info, err := s.loadActive(ctx, tenantID)
	if err != nil {
		log.Warn("Restored certificate unreadable", zap.Error(err))
		result.Warnings = append(result.Warnings, "restored certificate could not be parsed")
		return s.finish(ctx, CertOpRestore, tenantID, result, fields)
	}
	result.Info = info
	result.Warnings = certificateWarnings(*info)
	if info.IsExpired {
		result.Warnings = append(result.Warnings, "restored certificate is expired")
	}
	if err := s.tenants.SaveCertificateMetadata(ctx, tenantID, compliance.MetadataFromInfo(*info, "", s.clock.Now())); err != nil {
		log.Error("Failed to refresh certificate metadata", zap.Error(err))
		result.Warnings = append(result.Warnings, "cached certificate metadata could not be refreshed")
	}
	fields["serial_number"] = info.SerialNumber
	return s.finish(ctx, CertOpRestore, tenantID, result, fields)
}

// ListBackups lists the tenant's backups, newest first
func (s *CertificateService) ListBackups(ctx context.Context, tenantID uuid.UUID) ([]compliance.BackupHandle, error) {
	return s.store.ListBackups(ctx, tenantID)
}

var certificateEvents = map[string][2]string{
	CertOpUpload:  {compliance.EventCertificateUploaded, compliance.EventCertificateUploadFailed},
	CertOpDelete:  {compliance.EventCertificateDeleted, compliance.EventCertificateDeleted},
	CertOpTest:    {compliance.EventCertificateTested, compliance.EventCertificateTested},
	CertOpBackup:  {compliance.EventCertificateBackedUp, compliance.EventCertificateBackedUp},
	CertOpRestore: {compliance.EventCertificateRestored, compliance.EventCertificateRestored},
}

// finish records the audit entry and metrics of an operation and returns its result
func (s *CertificateService) finish(ctx context.Context, op string, tenantID uuid.UUID, result compliance.OperationResult, fields map[string]any) compliance.OperationResult {
	s.metrics.RecordCertificateOperation(op, result.Code)

	if fields == nil {
		fields = map[string]any{}
	}
	if len(result.Warnings) > 0 {
		fields["warnings"] = result.Warnings
	}
	severity := compliance.SeverityInfo
	eventType := certificateEvents[op][0]
	if !result.Success {
		severity = compliance.SeverityError
		eventType = certificateEvents[op][1]
		fields["code"] = string(result.Code)
	} else if len(result.Warnings) > 0 {
		severity = compliance.SeverityWarning
	}
	appendAudit(ctx, s.events, s.logger,
		compliance.NewEventLogEntry(tenantID, eventType, severity, result.Message, fields, ActorFromContext(ctx), s.clock.Now()))

	if !result.Success {
		s.logger.Warn("Certificate operation failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("operation", op),
			zap.String("code", string(result.Code)),
			zap.String("message", result.Message),
		)
	}
	return result
}

// appendAudit writes an audit entry. A failing sink is logged, never propagated.
func appendAudit(ctx context.Context, events compliance.EventLog, log *zap.Logger, entry *compliance.EventLogEntry) {
	if events == nil {
		return
	}
	if err := events.Append(ctx, entry); err != nil {
		log.Error("Failed to append audit entry",
			zap.String("tenant_id", entry.TenantID.String()),
			zap.String("event_type", entry.EventType),
			zap.Error(err),
		)
	}
}
