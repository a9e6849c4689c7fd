package compliance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/keystore"
	"github.com/erp/dte/internal/infrastructure/persistence"
	"github.com/erp/dte/internal/infrastructure/persistence/models"
	"github.com/erp/dte/internal/infrastructure/policy"
	"github.com/erp/dte/internal/infrastructure/signer"
	"github.com/erp/dte/tests/testutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const testEmitterRUT = "76543210-3"

// ============================================================================
// Mocks
// ============================================================================

// MockGateway is a mock implementation of TaxAuthorityGateway
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Authenticate(ctx context.Context, creds compliance.TenantCredentials) (*compliance.SessionToken, error) {
	args := m.Called(ctx, creds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*compliance.SessionToken), args.Error(1)
}

func (m *MockGateway) Submit(ctx context.Context, doc *compliance.SignedPayload, token *compliance.SessionToken) (*compliance.SubmitReceipt, error) {
	args := m.Called(ctx, doc, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*compliance.SubmitReceipt), args.Error(1)
}

func (m *MockGateway) QueryStatus(ctx context.Context, trackID string, token *compliance.SessionToken) (*compliance.StatusReport, error) {
	args := m.Called(ctx, trackID, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*compliance.StatusReport), args.Error(1)
}

func (m *MockGateway) RequestFolios(ctx context.Context, req compliance.FolioRequest, token *compliance.SessionToken) (*compliance.FolioRequestResult, error) {
	args := m.Called(ctx, req, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*compliance.FolioRequestResult), args.Error(1)
}

func (m *MockGateway) DownloadFolios(ctx context.Context, req compliance.FolioDownload, token *compliance.SessionToken) (*compliance.FolioRange, error) {
	args := m.Called(ctx, req, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*compliance.FolioRange), args.Error(1)
}

func (m *MockGateway) Ping(ctx context.Context, env compliance.Environment) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

var _ compliance.TaxAuthorityGateway = (*MockGateway)(nil)

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, events ...shared.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func sessionToken(env compliance.Environment) *compliance.SessionToken {
	return &compliance.SessionToken{
		Value:       "TOKEN-" + string(env),
		Environment: env,
		IssuedAt:    testNow,
		ExpiresAt:   testNow.Add(time.Hour),
	}
}

func transportError(op compliance.GatewayOp) error {
	return &compliance.GatewayError{Op: op, Retryable: true, StatusCode: 503, Message: "service unavailable"}
}

func protocolError(op compliance.GatewayOp, msg string) error {
	return &compliance.GatewayError{Op: op, Retryable: false, StatusCode: 200, Message: msg}
}

func unauthorizedError(op compliance.GatewayOp) error {
	return &compliance.GatewayError{Op: op, StatusCode: 401, Message: "Unauthorized", Err: compliance.ErrAuthFailure}
}

// ============================================================================
// Harness
// ============================================================================

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *shared.FakeClock
	tenantID  uuid.UUID
	tempDir   string
	store     *keystore.FileStore
	tenants   *persistence.GormTenantCertificateRepository
	events    *persistence.GormEventLogRepository
	docs      *persistence.GormTaxDocumentRepository
	folios    *persistence.GormFolioRangeRepository
	envs      *persistence.GormEnvironmentConfigRepository
	gateway   *MockGateway
	publisher *recordingPublisher
	certs     *CertificateService
	svc       *LifecycleService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ctx := context.Background()
	db := testutil.NewSQLiteDB(t, models.ComplianceModels()...)
	clock := shared.NewFakeClock(testNow)

	store, err := keystore.NewFileStore(t.TempDir(), keystore.WithClock(clock))
	require.NoError(t, err)
	gate, err := policy.NewPromotionGate(ctx)
	require.NoError(t, err)

	h := &harness{
		t:         t,
		ctx:       ctx,
		clock:     clock,
		tenantID:  testutil.TestTenantID(),
		tempDir:   t.TempDir(),
		store:     store,
		tenants:   persistence.NewGormTenantCertificateRepository(db),
		events:    persistence.NewGormEventLogRepository(db),
		docs:      persistence.NewGormTaxDocumentRepository(db),
		folios:    persistence.NewGormFolioRangeRepository(db, clock),
		envs:      persistence.NewGormEnvironmentConfigRepository(db),
		gateway:   new(MockGateway),
		publisher: &recordingPublisher{},
	}
	sign := signer.New(signer.WithClock(clock))
	h.certs = NewCertificateService(store, sign, h.tenants, h.events,
		WithCertificateClock(clock),
		WithUploadTempDir(h.tempDir),
	)

	cfg := DefaultLifecycleConfig()
	cfg.RequestTimeout = 5 * time.Second
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.PollTimeBox = 10 * time.Second
	h.svc = NewLifecycleService(LifecycleDependencies{
		Documents:    h.docs,
		Folios:       h.folios,
		Environments: h.envs,
		Identities:   h.certs,
		Signer:       sign,
		Gateway:      h.gateway,
		Gate:         gate,
		Events:       h.events,
		Publisher:    h.publisher,
		Clock:        clock,
	}, cfg)
	return h
}

// newLifecycleHarness adds an installed certificate, a certification
// configuration and folio ranges for invoices and credit notes.
func newLifecycleHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	h.installCertificate()

	env := compliance.NewEnvironmentConfig(h.tenantID, testEmitterRUT, testNow)
	require.NoError(t, h.envs.Save(h.ctx, env))
	h.addFolioRange(compliance.DocumentTypeInvoice, 1, 100)
	h.addFolioRange(compliance.DocumentTypeCreditNote, 1, 10)
	return h
}

func (h *harness) installCertificate() *testutil.CertFixture {
	h.t.Helper()
	fixture := testutil.NewCertFixture(h.t, h.clock.Now())
	result := h.certs.Upload(h.ctx, UploadCertificateRequest{
		TenantID:  h.tenantID,
		Container: fixture.PKCS12,
		Password:  fixture.Password,
	})
	require.True(h.t, result.Success, result.Message)
	return fixture
}

func (h *harness) addFolioRange(docType compliance.DocumentType, from, to int64) *compliance.FolioRange {
	h.t.Helper()
	rng, err := compliance.NewFolioRange(h.tenantID, docType, from, to, "<AUTORIZACION/>", testNow)
	require.NoError(h.t, err)
	require.NoError(h.t, h.folios.Save(h.ctx, rng))
	return rng
}

func (h *harness) updateEnv(fn func(*compliance.EnvironmentConfig)) {
	h.t.Helper()
	cfg, err := h.envs.Find(h.ctx, h.tenantID)
	require.NoError(h.t, err)
	fn(cfg)
	require.NoError(h.t, h.envs.Save(h.ctx, cfg))
}

func (h *harness) draft() *compliance.TaxDocument {
	h.t.Helper()
	doc, err := compliance.NewTaxDocument(h.tenantID, compliance.DocumentTypeInvoice, testNow,
		compliance.Receiver{RUT: "12345678-5", Name: "Cliente de Prueba"},
		[]compliance.DocumentLine{{
			Description: "Servicio",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.NewFromInt(100000),
			Amount:      decimal.NewFromInt(100000),
		}},
		compliance.Totals{
			Subtotal:  decimal.NewFromInt(100000),
			TaxAmount: decimal.NewFromInt(19000),
			Total:     decimal.NewFromInt(119000),
		},
		testNow)
	require.NoError(h.t, err)
	require.NoError(h.t, h.docs.Save(h.ctx, doc))
	return doc
}

func (h *harness) signed() *compliance.TaxDocument {
	h.t.Helper()
	doc := h.draft()
	result := h.svc.SignDocument(h.ctx, h.tenantID, doc.ID)
	require.True(h.t, result.Success, result.Message)
	return h.reload(doc.ID)
}

func (h *harness) expectAuth() {
	h.gateway.On("Authenticate", mock.Anything, mock.Anything).
		Return(sessionToken(compliance.EnvironmentCertification), nil)
}

// sent signs and submits a document that the authority tracks as trackID
func (h *harness) sent(trackID string) *compliance.TaxDocument {
	h.t.Helper()
	doc := h.signed()
	h.gateway.On("Submit", mock.Anything, mock.MatchedBy(func(p *compliance.SignedPayload) bool {
		return p.Folio == doc.Folio
	}), mock.Anything).Return(&compliance.SubmitReceipt{TrackID: trackID, ReceivedAt: testNow}, nil).Once()
	result := h.svc.SendDocument(h.ctx, h.tenantID, doc.ID)
	require.True(h.t, result.Success, result.Message)
	return h.reload(doc.ID)
}

func (h *harness) reload(id uuid.UUID) *compliance.TaxDocument {
	h.t.Helper()
	doc, err := h.docs.FindByID(h.ctx, h.tenantID, id)
	require.NoError(h.t, err)
	return doc
}

func (h *harness) activeRange(docType compliance.DocumentType) *compliance.FolioRange {
	h.t.Helper()
	rng, err := h.folios.FindActive(h.ctx, h.tenantID, docType)
	require.NoError(h.t, err)
	return rng
}

func (h *harness) auditEvents(eventType string) []*compliance.EventLogEntry {
	h.t.Helper()
	entries, err := h.events.List(h.ctx, h.tenantID, compliance.EventLogFilter{EventType: eventType})
	require.NoError(h.t, err)
	return entries
}
