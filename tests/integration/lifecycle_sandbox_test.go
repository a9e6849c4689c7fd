package integration

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	complianceapp "github.com/erp/dte/internal/application/compliance"
	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/erp/dte/internal/infrastructure/event"
	"github.com/erp/dte/internal/infrastructure/keystore"
	"github.com/erp/dte/internal/infrastructure/persistence"
	"github.com/erp/dte/internal/infrastructure/policy"
	"github.com/erp/dte/internal/infrastructure/scheduler"
	"github.com/erp/dte/internal/infrastructure/signer"
	"github.com/erp/dte/internal/infrastructure/sii"
	"github.com/erp/dte/internal/infrastructure/sii/sandbox"
	"github.com/erp/dte/internal/infrastructure/telemetry"
	"github.com/erp/dte/tests/testutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sandboxEmitterRUT = "76543210-3"

type stack struct {
	ctx       context.Context
	tenantID  uuid.UUID
	sandbox   *sandbox.Server
	docs      *persistence.GormTaxDocumentRepository
	events    *persistence.GormEventLogRepository
	certs     *complianceapp.CertificateService
	lifecycle *complianceapp.LifecycleService
}

// newStack wires the services the way the worker does, against postgres and
// an in-process sandbox authority
func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	testDB := NewSharedTestDB(t)
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	clock := shared.SystemClock{}

	box := sandbox.New(sandbox.WithLogger(log))
	srv := httptest.NewServer(box.Handler())
	t.Cleanup(srv.Close)

	registry := prometheus.NewRegistry()
	metrics, err := telemetry.NewComplianceMetrics(registry)
	require.NoError(t, err)

	store, err := keystore.NewFileStore(t.TempDir(), keystore.WithLogger(log))
	require.NoError(t, err)
	docSigner := signer.New()
	gateway, err := sii.NewClient(config.AuthorityConfig{
		CertificationURL: srv.URL,
		ProductionURL:    srv.URL,
		RequestTimeout:   5 * time.Second,
		TokenTTL:         5 * time.Minute,
		UserAgent:        "dte-integration",
	}, docSigner, sii.WithLogger(log), sii.WithMetrics(metrics))
	require.NoError(t, err)
	gate, err := policy.NewPromotionGate(ctx)
	require.NoError(t, err)

	bus := event.NewInMemoryEventBus(log)
	bus.Subscribe(telemetry.NewTransitionMetricsHandler(metrics))

	s := &stack{
		ctx:      ctx,
		tenantID: uuid.New(),
		sandbox:  box,
		docs:     persistence.NewGormTaxDocumentRepository(testDB.DB),
		events:   persistence.NewGormEventLogRepository(testDB.DB),
	}
	s.certs = complianceapp.NewCertificateService(store, docSigner,
		persistence.NewGormTenantCertificateRepository(testDB.DB), s.events,
		complianceapp.WithCertificateLogger(log),
		complianceapp.WithCertificateMetrics(metrics),
		complianceapp.WithUploadTempDir(t.TempDir()),
	)

	cfg := complianceapp.DefaultLifecycleConfig()
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	s.lifecycle = complianceapp.NewLifecycleService(complianceapp.LifecycleDependencies{
		Documents:    s.docs,
		Folios:       persistence.NewGormFolioRangeRepository(testDB.DB, clock),
		Environments: persistence.NewGormEnvironmentConfigRepository(testDB.DB),
		Identities:   s.certs,
		Signer:       docSigner,
		Gateway:      gateway,
		Gate:         gate,
		Events:       s.events,
		Publisher:    bus,
		Clock:        clock,
		Logger:       log,
	}, cfg)
	return s
}

// onboard installs a certificate, configures the tenant and stores an authorized invoice range
func (s *stack) onboard(t *testing.T, autoSend bool) {
	t.Helper()

	fixture := testutil.NewCertFixture(t, time.Now())
	result := s.certs.Upload(s.ctx, complianceapp.UploadCertificateRequest{
		TenantID:  s.tenantID,
		Container: fixture.PKCS12,
		Password:  fixture.Password,
	})
	require.True(t, result.Success, result.Message)

	_, err := s.lifecycle.ConfigureEnvironment(s.ctx, complianceapp.ConfigureEnvironmentRequest{
		TenantID:   s.tenantID,
		EmitterRUT: sandboxEmitterRUT,
		AutoSend:   &autoSend,
	})
	require.NoError(t, err)

	conn := s.lifecycle.TestConnection(s.ctx, s.tenantID)
	require.True(t, conn.Success, conn.Message)

	req, err := s.lifecycle.RequestFolios(s.ctx, s.tenantID, compliance.DocumentTypeInvoice, 20)
	require.NoError(t, err)
	rng, err := s.lifecycle.DownloadFolios(s.ctx, s.tenantID, compliance.DocumentTypeInvoice, req.RequestID)
	require.NoError(t, err)
	require.Equal(t, int64(1), rng.From)
	require.Equal(t, int64(20), rng.To)
}

func (s *stack) draft(t *testing.T) *compliance.TaxDocument {
	t.Helper()
	doc := newInvoice(t, s.tenantID)
	require.NoError(t, s.docs.Save(s.ctx, doc))
	return doc
}

func (s *stack) status(t *testing.T, id uuid.UUID) compliance.SIIStatus {
	t.Helper()
	doc, err := s.docs.FindByID(s.ctx, s.tenantID, id)
	require.NoError(t, err)
	return doc.SIIStatus
}

func TestLifecycle_SandboxAcceptance(t *testing.T) {
	skipShort(t)

	s := newStack(t)
	s.onboard(t, true)

	doc := s.draft(t)
	sent := s.lifecycle.ProcessDocument(s.ctx, s.tenantID, doc.ID)
	require.True(t, sent.Success, sent.Message)
	assert.Equal(t, compliance.SIIStatusSent, sent.Status)
	require.NotEmpty(t, sent.TrackID)

	sub, ok := s.sandbox.Submission(sent.TrackID)
	require.True(t, ok)
	assert.Equal(t, int64(1), sub.Folio)

	queried := s.lifecycle.QueryDocumentStatus(s.ctx, s.tenantID, doc.ID)
	require.True(t, queried.Success, queried.Message)
	assert.Equal(t, compliance.SIIStatusAccepted, s.status(t, doc.ID))

	t.Run("promotion to production once certified", func(t *testing.T) {
		_, err := s.lifecycle.ConfigureEnvironment(s.ctx, complianceapp.ConfigureEnvironmentRequest{
			TenantID:         s.tenantID,
			EmitterRUT:       sandboxEmitterRUT,
			ResolutionNumber: ptr("0"),
		})
		require.NoError(t, err)

		require.NoError(t, s.lifecycle.SwitchEnvironment(s.ctx, s.tenantID, compliance.EnvironmentProduction))

		entries, err := s.events.List(s.ctx, s.tenantID, compliance.EventLogFilter{EventType: compliance.EventEnvironmentSwitched})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestLifecycle_SandboxRejectionAndRetry(t *testing.T) {
	skipShort(t)

	s := newStack(t)
	s.onboard(t, false)

	t.Run("rejected folio is final", func(t *testing.T) {
		doc := s.draft(t)
		signed := s.lifecycle.SignDocument(s.ctx, s.tenantID, doc.ID)
		require.True(t, signed.Success, signed.Message)

		reloaded, err := s.docs.FindByID(s.ctx, s.tenantID, doc.ID)
		require.NoError(t, err)
		s.sandbox.RejectFolio(reloaded.Folio, "monto total no cuadra")

		sent := s.lifecycle.SendDocument(s.ctx, s.tenantID, doc.ID)
		require.True(t, sent.Success, sent.Message)
		s.lifecycle.QueryDocumentStatus(s.ctx, s.tenantID, doc.ID)

		assert.Equal(t, compliance.SIIStatusRejected, s.status(t, doc.ID))
		resend := s.lifecycle.SendDocument(s.ctx, s.tenantID, doc.ID)
		assert.False(t, resend.Success)
		assert.Equal(t, compliance.CodeInvalidState, resend.Code)
	})

	t.Run("transient upload failures are retried", func(t *testing.T) {
		doc := s.draft(t)
		require.True(t, s.lifecycle.SignDocument(s.ctx, s.tenantID, doc.ID).Success)
		s.sandbox.FailUploads(2)

		result := s.lifecycle.SendWithRetry(s.ctx, s.tenantID, doc.ID)
		require.True(t, result.Success, result.Message)

		reloaded, err := s.docs.FindByID(s.ctx, s.tenantID, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, compliance.SIIStatusSent, reloaded.SIIStatus)
		assert.Equal(t, 2, reloaded.RetryCount)
	})
}

func TestStatusPoller_Sandbox(t *testing.T) {
	skipShort(t)

	s := newStack(t)
	s.onboard(t, true)
	s.sandbox.SetPollsBeforeAccept(1)

	doc := s.draft(t)
	require.True(t, s.lifecycle.ProcessDocument(s.ctx, s.tenantID, doc.ID).Success)

	pollerCfg := scheduler.DefaultStatusPollerConfig()
	pollerCfg.Interval = 50 * time.Millisecond
	pollerCfg.TimeBox = 5 * time.Second
	poller, err := scheduler.NewStatusPoller(pollerCfg, s.docs, s.lifecycle, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, poller.Start(s.ctx))
	t.Cleanup(func() { _ = poller.Stop(context.Background()) })

	assert.Eventually(t, func() bool {
		return s.status(t, doc.ID) == compliance.SIIStatusAccepted
	}, 10*time.Second, 50*time.Millisecond)
}

func ptr[T any](v T) *T {
	return &v
}
