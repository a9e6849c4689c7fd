package sii_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/erp/dte/internal/infrastructure/signer"
	"github.com/erp/dte/internal/infrastructure/sii"
	"github.com/erp/dte/internal/infrastructure/sii/sandbox"
	"github.com/erp/dte/internal/infrastructure/telemetry"
	"github.com/erp/dte/tests/testutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const emitterRUT = "76543210-3"

var clientNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

type gatewayHarness struct {
	client   *sii.Client
	sandbox  *sandbox.Server
	signer   *signer.Signer
	clock    *shared.FakeClock
	fixture  *testutil.CertFixture
	tenantID uuid.UUID
	registry *prometheus.Registry
}

func newGatewayHarness(t *testing.T, opts ...sandbox.Option) *gatewayHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := shared.NewFakeClock(clientNow)
	box := sandbox.New(append([]sandbox.Option{sandbox.WithClock(clock)}, opts...)...)
	srv := httptest.NewServer(box.Handler())
	t.Cleanup(srv.Close)

	sgn := signer.New(signer.WithClock(clock))
	registry := prometheus.NewRegistry()
	metrics, err := telemetry.NewComplianceMetrics(registry)
	require.NoError(t, err)
	client, err := sii.NewClient(config.AuthorityConfig{
		CertificationURL: srv.URL,
		ProductionURL:    srv.URL,
		RequestTimeout:   2 * time.Second,
		TokenTTL:         5 * time.Minute,
		UserAgent:        "dte-test",
	}, sgn, sii.WithClock(clock), sii.WithMetrics(metrics))
	require.NoError(t, err)

	return &gatewayHarness{
		client:   client,
		sandbox:  box,
		signer:   sgn,
		clock:    clock,
		fixture:  testutil.NewCertFixture(t, clientNow),
		tenantID: uuid.New(),
		registry: registry,
	}
}

func (h *gatewayHarness) credentials() compliance.TenantCredentials {
	return compliance.TenantCredentials{
		TenantID:    h.tenantID,
		Environment: compliance.EnvironmentCertification,
		EmitterRUT:  emitterRUT,
		Identity:    h.fixture.Identity(h.tenantID),
	}
}

func (h *gatewayHarness) authenticate(t *testing.T) *compliance.SessionToken {
	t.Helper()
	token, err := h.client.Authenticate(context.Background(), h.credentials())
	require.NoError(t, err)
	return token
}

func (h *gatewayHarness) sign(t *testing.T, folio int64) *compliance.SignedPayload {
	t.Helper()
	payload := compliance.DocumentPayload{
		ID:           compliance.DocumentElementID(compliance.DocumentTypeInvoice, folio),
		DocumentType: compliance.DocumentTypeInvoice,
		Folio:        folio,
		IssueDate:    clientNow,
		EmitterRUT:   emitterRUT,
		Receiver:     compliance.Receiver{RUT: "11111111-1", Name: "Cliente"},
		Lines: []compliance.DocumentLine{{
			Description: "Asesoría",
			Quantity:    decimal.NewFromInt(2),
			UnitPrice:   decimal.NewFromInt(50000),
			Amount:      decimal.NewFromInt(100000),
		}},
		Totals: compliance.Totals{
			Subtotal:  decimal.NewFromInt(100000),
			TaxAmount: decimal.NewFromInt(19000),
			Total:     decimal.NewFromInt(119000),
		},
	}
	signed, err := h.signer.Sign(payload, h.fixture.Identity(h.tenantID))
	require.NoError(t, err)
	return signed
}

func TestNewClient_Validation(t *testing.T) {
	_, err := sii.NewClient(config.AuthorityConfig{CertificationURL: "http://x"}, nil)
	assert.Error(t, err)

	_, err = sii.NewClient(config.AuthorityConfig{}, signer.New())
	assert.Error(t, err)
}

func TestClient_Authenticate(t *testing.T) {
	h := newGatewayHarness(t)

	token := h.authenticate(t)
	assert.NotEmpty(t, token.Value)
	assert.Equal(t, compliance.EnvironmentCertification, token.Environment)
	assert.Equal(t, clientNow, token.IssuedAt)
	assert.Equal(t, clientNow.Add(5*time.Minute), token.ExpiresAt)
	count, err := promtest.GatherAndCount(h.registry, "dte_gateway_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	t.Run("expired certificate is refused", func(t *testing.T) {
		expired := testutil.NewCertFixtureWith(t, testutil.CertOptions{
			NotBefore: clientNow.AddDate(-2, 0, 0),
			NotAfter:  clientNow.AddDate(0, 0, -1),
		})
		creds := h.credentials()
		creds.Identity = expired.Identity(h.tenantID)

		_, err := h.client.Authenticate(context.Background(), creds)
		require.Error(t, err)
		assert.ErrorIs(t, err, compliance.ErrAuthFailure)
		assert.False(t, compliance.IsRetryable(err))
	})

	t.Run("unusable identity", func(t *testing.T) {
		creds := h.credentials()
		creds.Identity.PrivateKeyPEM = nil

		_, err := h.client.Authenticate(context.Background(), creds)
		assert.ErrorIs(t, err, compliance.ErrAuthFailure)
		assert.ErrorIs(t, err, compliance.ErrSigningFailure)
	})

	t.Run("unknown environment", func(t *testing.T) {
		creds := h.credentials()
		creds.Environment = "staging"

		_, err := h.client.Authenticate(context.Background(), creds)
		assert.ErrorIs(t, err, compliance.ErrInvalidEnvironment)
	})
}

func TestClient_SubmitAndQuery(t *testing.T) {
	h := newGatewayHarness(t, sandbox.WithTokenTTL(time.Hour))
	token := h.authenticate(t)
	ctx := context.Background()

	receipt, err := h.client.Submit(ctx, h.sign(t, 1042), token)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.TrackID)
	assert.Contains(t, receipt.Raw, "trk_id")

	sub, ok := h.sandbox.Submission(receipt.TrackID)
	require.True(t, ok)
	assert.Equal(t, emitterRUT, sub.EmitterRUT)
	assert.Equal(t, int64(1042), sub.Folio)
	assert.Equal(t, 33, sub.DocumentType)
	assert.Empty(t, sub.Errors)

	report, err := h.client.QueryStatus(ctx, receipt.TrackID, token)
	require.NoError(t, err)
	assert.Equal(t, compliance.OutcomeAccepted, report.Outcome)
	assert.Equal(t, "EPR", report.AuthorityStatus)
	assert.Equal(t, receipt.TrackID, report.TrackID)

	t.Run("duplicate folio is not retryable", func(t *testing.T) {
		_, err := h.client.Submit(ctx, h.sign(t, 1042), token)
		require.Error(t, err)
		assert.ErrorIs(t, err, compliance.ErrSubmitFailure)
		assert.False(t, compliance.IsRetryable(err))
		assert.Contains(t, err.Error(), sii.ErrorCodeDuplicateFolio)
	})

	t.Run("unknown track id", func(t *testing.T) {
		_, err := h.client.QueryStatus(ctx, "999999", token)
		assert.ErrorIs(t, err, compliance.ErrQueryFailure)
		assert.False(t, compliance.IsRetryable(err))
	})

	t.Run("empty track id", func(t *testing.T) {
		_, err := h.client.QueryStatus(ctx, " ", token)
		assert.ErrorIs(t, err, compliance.ErrTrackIDMissing)
	})
}

func TestClient_StatusProgression(t *testing.T) {
	h := newGatewayHarness(t)
	h.sandbox.SetPollsBeforeAccept(2)
	token := h.authenticate(t)
	ctx := context.Background()

	receipt, err := h.client.Submit(ctx, h.sign(t, 5), token)
	require.NoError(t, err)

	for range 2 {
		report, err := h.client.QueryStatus(ctx, receipt.TrackID, token)
		require.NoError(t, err)
		assert.Equal(t, compliance.OutcomeProcessing, report.Outcome)
	}
	report, err := h.client.QueryStatus(ctx, receipt.TrackID, token)
	require.NoError(t, err)
	assert.Equal(t, compliance.OutcomeAccepted, report.Outcome)
}

func TestClient_RejectedFolio(t *testing.T) {
	h := newGatewayHarness(t)
	h.sandbox.RejectFolio(13, "monto total no cuadra")
	token := h.authenticate(t)
	ctx := context.Background()

	receipt, err := h.client.Submit(ctx, h.sign(t, 13), token)
	require.NoError(t, err)

	report, err := h.client.QueryStatus(ctx, receipt.TrackID, token)
	require.NoError(t, err)
	assert.Equal(t, compliance.OutcomeRejected, report.Outcome)
	assert.Equal(t, "RCH", report.AuthorityStatus)
	assert.Contains(t, report.Message, "monto total no cuadra")
}

func TestClient_TamperedSignatureIsRejected(t *testing.T) {
	h := newGatewayHarness(t)
	token := h.authenticate(t)
	ctx := context.Background()

	signed := h.sign(t, 21)
	signed.XML = bytes.Replace(signed.XML, []byte("<MntTotal>119000</MntTotal>"), []byte("<MntTotal>119001</MntTotal>"), 1)

	receipt, err := h.client.Submit(ctx, signed, token)
	require.NoError(t, err)

	report, err := h.client.QueryStatus(ctx, receipt.TrackID, token)
	require.NoError(t, err)
	assert.Equal(t, compliance.OutcomeRejected, report.Outcome)
	assert.Contains(t, report.Message, "firma")
}

func TestClient_RetryableFailures(t *testing.T) {
	t.Run("upload unavailable", func(t *testing.T) {
		h := newGatewayHarness(t)
		h.sandbox.FailUploads(1)
		token := h.authenticate(t)

		_, err := h.client.Submit(context.Background(), h.sign(t, 1), token)
		require.Error(t, err)
		assert.True(t, compliance.IsRetryable(err))
		assert.ErrorIs(t, err, compliance.ErrSubmitFailure)

		receipt, err := h.client.Submit(context.Background(), h.sign(t, 1), token)
		require.NoError(t, err)
		assert.NotEmpty(t, receipt.TrackID)

		// authenticate/success, submit/retryable_error, submit/success
		count, err := promtest.GatherAndCount(h.registry, "dte_gateway_requests_total")
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("status unavailable", func(t *testing.T) {
		h := newGatewayHarness(t)
		token := h.authenticate(t)
		receipt, err := h.client.Submit(context.Background(), h.sign(t, 2), token)
		require.NoError(t, err)

		h.sandbox.FailStatusQueries(1)
		_, err = h.client.QueryStatus(context.Background(), receipt.TrackID, token)
		assert.True(t, compliance.IsRetryable(err))
		assert.ErrorIs(t, err, compliance.ErrQueryFailure)
	})

	t.Run("timeout is never success", func(t *testing.T) {
		h := newGatewayHarness(t)
		token := h.authenticate(t)
		h.sandbox.SetResponseDelay(time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		receipt, err := h.client.Submit(ctx, h.sign(t, 3), token)
		require.Error(t, err)
		assert.Nil(t, receipt)
		assert.True(t, compliance.IsRetryable(err))
	})

	t.Run("unreachable authority", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		client, err := sii.NewClient(config.AuthorityConfig{CertificationURL: url, RequestTimeout: time.Second}, signer.New())
		require.NoError(t, err)
		err = client.Ping(context.Background(), compliance.EnvironmentCertification)
		require.Error(t, err)
		assert.True(t, compliance.IsRetryable(err))
	})
}

func TestClient_SessionChecks(t *testing.T) {
	h := newGatewayHarness(t)
	token := h.authenticate(t)
	ctx := context.Background()

	t.Run("missing token", func(t *testing.T) {
		_, err := h.client.Submit(ctx, h.sign(t, 1), nil)
		assert.ErrorIs(t, err, compliance.ErrAuthFailure)
		assert.False(t, compliance.IsRetryable(err))
	})

	t.Run("token rejected by authority", func(t *testing.T) {
		h.sandbox.ExpireTokens()
		_, err := h.client.Submit(ctx, h.sign(t, 1), token)
		require.Error(t, err)
		assert.ErrorIs(t, err, compliance.ErrAuthFailure)
		assert.ErrorIs(t, err, compliance.ErrSubmitFailure)
		assert.False(t, compliance.IsRetryable(err))
	})

	t.Run("locally expired token", func(t *testing.T) {
		h.clock.Advance(6 * time.Minute)
		_, err := h.client.QueryStatus(ctx, "1001", token)
		assert.ErrorIs(t, err, compliance.ErrAuthFailure)
		assert.True(t, compliance.IsRetryable(err))
		assert.Equal(t, 0, h.sandbox.SubmissionCount())
	})
}

func TestClient_MissingTrackID(t *testing.T) {
	h := newGatewayHarness(t)
	h.sandbox.OmitTrackID(true)
	token := h.authenticate(t)

	receipt, err := h.client.Submit(context.Background(), h.sign(t, 8), token)
	require.Error(t, err)
	assert.Nil(t, receipt)
	assert.ErrorIs(t, err, compliance.ErrTrackIDMissing)
	assert.False(t, compliance.IsRetryable(err))
}

func TestClient_Folios(t *testing.T) {
	h := newGatewayHarness(t)
	token := h.authenticate(t)
	ctx := context.Background()

	res, err := h.client.RequestFolios(ctx, compliance.FolioRequest{
		EmitterRUT:   emitterRUT,
		DocumentType: compliance.DocumentTypeCreditNote,
		Quantity:     50,
	}, token)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, "APROBADA", res.Status)

	r, err := h.client.DownloadFolios(ctx, compliance.FolioDownload{
		TenantID:     h.tenantID,
		EmitterRUT:   emitterRUT,
		DocumentType: compliance.DocumentTypeCreditNote,
		RequestID:    res.RequestID,
	}, token)
	require.NoError(t, err)
	assert.Equal(t, h.tenantID, r.TenantID)
	assert.Equal(t, compliance.DocumentTypeCreditNote, r.DocumentType)
	assert.Equal(t, int64(1), r.From)
	assert.Equal(t, int64(50), r.To)
	assert.Equal(t, int64(1), r.NextFolio)
	assert.Contains(t, r.AuthorizationXML, "<TD>61</TD>")

	t.Run("second request continues the sequence", func(t *testing.T) {
		res, err := h.client.RequestFolios(ctx, compliance.FolioRequest{
			EmitterRUT: emitterRUT, DocumentType: compliance.DocumentTypeCreditNote, Quantity: 10,
		}, token)
		require.NoError(t, err)
		r, err := h.client.DownloadFolios(ctx, compliance.FolioDownload{
			TenantID: h.tenantID, EmitterRUT: emitterRUT, DocumentType: compliance.DocumentTypeCreditNote, RequestID: res.RequestID,
		}, token)
		require.NoError(t, err)
		assert.Equal(t, int64(51), r.From)
		assert.Equal(t, int64(60), r.To)
	})

	t.Run("type mismatch", func(t *testing.T) {
		_, err := h.client.DownloadFolios(ctx, compliance.FolioDownload{
			TenantID: h.tenantID, EmitterRUT: emitterRUT, DocumentType: compliance.DocumentTypeInvoice, RequestID: res.RequestID,
		}, token)
		assert.ErrorIs(t, err, compliance.ErrGatewayFailure)
	})

	t.Run("unknown request", func(t *testing.T) {
		_, err := h.client.DownloadFolios(ctx, compliance.FolioDownload{
			TenantID: h.tenantID, DocumentType: compliance.DocumentTypeInvoice, RequestID: "SOL-404",
		}, token)
		assert.ErrorIs(t, err, compliance.ErrGatewayFailure)
		assert.False(t, compliance.IsRetryable(err))
	})

	t.Run("invalid request", func(t *testing.T) {
		_, err := h.client.RequestFolios(ctx, compliance.FolioRequest{EmitterRUT: emitterRUT, DocumentType: compliance.DocumentTypeInvoice}, token)
		assert.ErrorIs(t, err, compliance.ErrInvalidDocument)
	})
}

func TestClient_Ping(t *testing.T) {
	h := newGatewayHarness(t)
	require.NoError(t, h.client.Ping(context.Background(), compliance.EnvironmentCertification))
	require.NoError(t, h.client.Ping(context.Background(), compliance.EnvironmentProduction))
}
