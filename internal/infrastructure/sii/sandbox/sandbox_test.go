package sandbox

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/signer"
	"github.com/erp/dte/internal/infrastructure/sii"
	"github.com/erp/dte/tests/testutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var sandboxNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, http.Handler, *shared.FakeClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := shared.NewFakeClock(sandboxNow)
	s := New(WithClock(clock), WithTokenTTL(time.Minute))
	return s, s.Handler(), clock
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func respuestaField(t *testing.T, body []byte, path string) string {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(body))
	el := doc.FindElement("RESPUESTA/" + path)
	if el == nil {
		return ""
	}
	return el.Text()
}

// issueToken runs the handshake directly against the handler
func issueToken(t *testing.T, h http.Handler) string {
	t.Helper()
	w := serve(h, httptest.NewRequest(http.MethodGet, sii.PathSeed, nil))
	require.Equal(t, http.StatusOK, w.Code)
	seed := respuestaField(t, w.Body.Bytes(), "RESP_BODY/SEMILLA")
	require.Len(t, seed, 12)

	fixture := testutil.NewCertFixture(t, sandboxNow)
	signed, err := signer.New().SignSeed(seed, fixture.Identity(uuid.New()))
	require.NoError(t, err)

	w = serve(h, httptest.NewRequest(http.MethodPost, sii.PathToken, strings.NewReader(string(signed))))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, sii.EstadoOK, respuestaField(t, w.Body.Bytes(), "RESP_HDR/ESTADO"))
	token := respuestaField(t, w.Body.Bytes(), "RESP_BODY/TOKEN")
	require.NotEmpty(t, token)
	return token
}

func withToken(req *http.Request, token string) *http.Request {
	req.AddCookie(&http.Cookie{Name: sii.TokenCookie, Value: token})
	return req
}

func TestSandbox_Ping(t *testing.T) {
	_, h, _ := newTestServer(t)

	w := serve(h, httptest.NewRequest(http.MethodGet, sii.PathPing, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, sii.PathPing, nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w = serve(h, req)
	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}

func TestSandbox_TracesRequests(t *testing.T) {
	original := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(original) })
	exporter := tracetest.NewInMemoryExporter()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)))

	_, h, _ := newTestServer(t)
	w := serve(h, httptest.NewRequest(http.MethodGet, sii.PathPing, nil))
	require.Equal(t, http.StatusOK, w.Code)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Contains(t, spans[0].Name, sii.PathPing)
}

func TestSandbox_TokenHandshake(t *testing.T) {
	t.Run("issues a token for a signed seed", func(t *testing.T) {
		_, h, _ := newTestServer(t)
		token := issueToken(t, h)

		w := serve(h, withToken(httptest.NewRequest(http.MethodGet, "/api/v1/dte/status/1", nil), token))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("seed can be used once", func(t *testing.T) {
		_, h, _ := newTestServer(t)
		w := serve(h, httptest.NewRequest(http.MethodGet, sii.PathSeed, nil))
		seed := respuestaField(t, w.Body.Bytes(), "RESP_BODY/SEMILLA")
		signed, err := signer.New().SignSeed(seed, testutil.NewCertFixture(t, sandboxNow).Identity(uuid.New()))
		require.NoError(t, err)

		w = serve(h, httptest.NewRequest(http.MethodPost, sii.PathToken, strings.NewReader(string(signed))))
		require.Equal(t, http.StatusOK, w.Code)
		w = serve(h, httptest.NewRequest(http.MethodPost, sii.PathToken, strings.NewReader(string(signed))))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "-07", respuestaField(t, w.Body.Bytes(), "RESP_HDR/ESTADO"))
	})

	t.Run("unknown seed", func(t *testing.T) {
		_, h, _ := newTestServer(t)
		signed, err := signer.New().SignSeed("000000000001", testutil.NewCertFixture(t, sandboxNow).Identity(uuid.New()))
		require.NoError(t, err)

		w := serve(h, httptest.NewRequest(http.MethodPost, sii.PathToken, strings.NewReader(string(signed))))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("tampered seed signature", func(t *testing.T) {
		_, h, _ := newTestServer(t)
		w := serve(h, httptest.NewRequest(http.MethodGet, sii.PathSeed, nil))
		seed := respuestaField(t, w.Body.Bytes(), "RESP_BODY/SEMILLA")
		signed, err := signer.New().SignSeed(seed, testutil.NewCertFixture(t, sandboxNow).Identity(uuid.New()))
		require.NoError(t, err)
		tampered := strings.Replace(string(signed), "<Semilla>"+seed+"<", "<Semilla>"+seed+"0<", 1)
		require.NotEqual(t, string(signed), tampered)

		w = serve(h, httptest.NewRequest(http.MethodPost, sii.PathToken, strings.NewReader(tampered)))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token expires", func(t *testing.T) {
		s, h, clock := newTestServer(t)
		token := issueToken(t, h)
		assert.True(t, s.validToken(token))

		clock.Advance(time.Minute)
		assert.False(t, s.validToken(token))
		w := serve(h, withToken(httptest.NewRequest(http.MethodGet, "/api/v1/dte/status/1", nil), token))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestSandbox_RequiresToken(t *testing.T) {
	_, h, _ := newTestServer(t)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, sii.PathUpload, nil),
		httptest.NewRequest(http.MethodGet, sii.PathStatus+"1", nil),
		httptest.NewRequest(http.MethodPost, sii.PathFolioRequests, nil),
		withToken(httptest.NewRequest(http.MethodGet, sii.PathFolioCAF("SOL-1"), nil), "forged"),
	} {
		w := serve(h, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, req.URL.Path)
		assert.Contains(t, w.Body.String(), sii.ErrorCodeUnauthorized)
	}
}

func TestSandbox_UploadValidation(t *testing.T) {
	_, h, _ := newTestServer(t)
	token := issueToken(t, h)

	t.Run("missing file", func(t *testing.T) {
		req := withToken(httptest.NewRequest(http.MethodPost, sii.PathUpload, strings.NewReader("")), token)
		req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
		w := serve(h, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), sii.ErrorCodeSchema)
	})

	t.Run("oversized body", func(t *testing.T) {
		req := withToken(httptest.NewRequest(http.MethodPost, sii.PathUpload, strings.NewReader(strings.Repeat("a", maxBodyBytes+1))), token)
		w := serve(h, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestSandbox_FolioRequestValidation(t *testing.T) {
	_, h, _ := newTestServer(t)
	token := issueToken(t, h)

	req := withToken(httptest.NewRequest(http.MethodPost, sii.PathFolioRequests, strings.NewReader(`{"rut_emisor":"76543210-3","tipo_dte":33,"cantidad":0}`)), token)
	req.Header.Set("Content-Type", "application/json")
	w := serve(h, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(h, withToken(httptest.NewRequest(http.MethodGet, sii.PathFolioCAF("SOL-999999"), nil), token))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSandbox_SubmissionCopy(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.submissions["1"] = &Submission{TrackID: "1", Errors: []sii.StatusDetail{{Descripcion: "x"}}}

	sub, ok := s.Submission("1")
	require.True(t, ok)
	sub.Errors[0].Descripcion = "changed"

	again, _ := s.Submission("1")
	assert.Equal(t, "x", again.Errors[0].Descripcion)
	assert.Equal(t, 1, s.SubmissionCount())

	_, ok = s.Submission("2")
	assert.False(t, ok)
}
