package signer

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/tests/testutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var signNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func testPayload() compliance.DocumentPayload {
	return compliance.DocumentPayload{
		ID:           compliance.DocumentElementID(compliance.DocumentTypeInvoice, 1042),
		DocumentType: compliance.DocumentTypeInvoice,
		Folio:        1042,
		IssueDate:    signNow,
		EmitterRUT:   "76543210-3",
		Receiver:     compliance.Receiver{RUT: "12345678-5", Name: "Comercial Ñandú & Cía", Address: "Av. Providencia 123"},
		Lines: []compliance.DocumentLine{{
			Description: "Servicio de consultoría",
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
}

func newTestSigner() *Signer {
	return New(WithClock(shared.NewFakeClock(signNow)))
}

func TestSigner_SignAndVerify(t *testing.T) {
	fixture := testutil.NewCertFixture(t, signNow)
	s := newTestSigner()

	signed, err := s.Sign(testPayload(), fixture.Identity(uuid.New()))
	require.NoError(t, err)

	assert.Equal(t, "DTE-T33F1042", signed.DocumentID)
	assert.Equal(t, int64(1042), signed.Folio)
	assert.Equal(t, signNow, signed.SignedAt)
	assert.NotEmpty(t, signed.DigestValue)
	assert.NotEmpty(t, signed.SignatureValue)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed.XML))
	assert.Equal(t, "DTE", doc.Root().Tag)
	assert.Equal(t, "33", doc.FindElement("//IdDoc/TipoDTE").Text())
	assert.Equal(t, "1042", doc.FindElement("//IdDoc/Folio").Text())
	assert.Equal(t, "119000", doc.FindElement("//Totales/MntTotal").Text())
	assert.Equal(t, "2026-03-10T09:30:00", doc.FindElement("//TmstFirma").Text())
	assert.NotNil(t, doc.FindElement("//Signature/KeyInfo/X509Data/X509Certificate"))
	assert.Equal(t, "#DTE-T33F1042", doc.FindElement("//Signature/SignedInfo/Reference").SelectAttrValue("URI", ""))

	ok, err := s.Verify(signed, fixture.CertificatePEM)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSigner_CreditNoteReference(t *testing.T) {
	fixture := testutil.NewCertFixture(t, signNow)
	payload := testPayload()
	payload.DocumentType = compliance.DocumentTypeCreditNote
	payload.ID = compliance.DocumentElementID(compliance.DocumentTypeCreditNote, 7)
	payload.Folio = 7
	payload.Reference = &compliance.DocumentReference{
		DocumentType: compliance.DocumentTypeInvoice,
		Folio:        1042,
		Reason:       "Anula factura",
	}

	signed, err := newTestSigner().Sign(payload, fixture.Identity(uuid.New()))
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed.XML))
	assert.Equal(t, "61", doc.FindElement("//IdDoc/TipoDTE").Text())
	assert.Equal(t, "33", doc.FindElement("//Referencia/TpoDocRef").Text())
	assert.Equal(t, "1042", doc.FindElement("//Referencia/FolioRef").Text())
}

func TestSigner_VerifyDetectsTampering(t *testing.T) {
	fixture := testutil.NewCertFixture(t, signNow)
	s := newTestSigner()

	signed, err := s.Sign(testPayload(), fixture.Identity(uuid.New()))
	require.NoError(t, err)

	t.Run("modified content", func(t *testing.T) {
		tampered := *signed
		tampered.XML = bytes.Replace(signed.XML, []byte("<MntTotal>119000<"), []byte("<MntTotal>1<"), 1)
		require.NotEqual(t, signed.XML, tampered.XML)

		ok, err := s.Verify(&tampered, fixture.CertificatePEM)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("different certificate", func(t *testing.T) {
		other := testutil.NewCertFixture(t, signNow)

		ok, err := s.Verify(signed, other.CertificatePEM)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed xml", func(t *testing.T) {
		ok, err := s.Verify(&compliance.SignedPayload{XML: []byte("<DTE><Documento")}, fixture.CertificatePEM)
		assert.ErrorIs(t, err, compliance.ErrSigningFailure)
		assert.False(t, ok)
	})

	t.Run("unsigned document", func(t *testing.T) {
		ok, err := s.Verify(&compliance.SignedPayload{XML: []byte(`<DTE><Documento ID="x"/></DTE>`)}, fixture.CertificatePEM)
		assert.ErrorIs(t, err, compliance.ErrSigningFailure)
		assert.False(t, ok)
	})
}

func TestVerifyEmbedded(t *testing.T) {
	fixture := testutil.NewCertFixture(t, signNow)
	signed, err := newTestSigner().Sign(testPayload(), fixture.Identity(uuid.New()))
	require.NoError(t, err)

	ok, err := VerifyEmbedded(signed.XML)
	require.NoError(t, err)
	assert.True(t, ok)

	tampered := bytes.Replace(signed.XML, []byte("<FchEmis>"), []byte("<FchEmis>1"), 1)
	ok, err = VerifyEmbedded(tampered)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSigner_SignFailures(t *testing.T) {
	fixture := testutil.NewCertFixture(t, signNow)
	s := newTestSigner()

	t.Run("incomplete identity", func(t *testing.T) {
		_, err := s.Sign(testPayload(), compliance.SigningIdentity{CertificatePEM: fixture.CertificatePEM})
		assert.ErrorIs(t, err, compliance.ErrSigningFailure)
	})

	t.Run("mismatched key", func(t *testing.T) {
		other := testutil.NewCertFixture(t, signNow)
		identity := compliance.SigningIdentity{CertificatePEM: fixture.CertificatePEM, PrivateKeyPEM: other.PrivateKeyPEM}

		_, err := s.Sign(testPayload(), identity)
		assert.ErrorIs(t, err, compliance.ErrSigningFailure)
	})

	t.Run("payload without id", func(t *testing.T) {
		payload := testPayload()
		payload.ID = ""

		_, err := s.Sign(payload, fixture.Identity(uuid.New()))
		assert.ErrorIs(t, err, compliance.ErrSigningFailure)
	})
}

func TestSigner_RejectsNonRSAKeys(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    signNow.Add(-time.Hour),
		NotAfter:     signNow.AddDate(1, 0, 0),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	identity := compliance.SigningIdentity{
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PrivateKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}

	_, err = newTestSigner().Sign(testPayload(), identity)
	assert.ErrorIs(t, err, compliance.ErrSigningFailure)
}

func TestSigner_SignTestPayload(t *testing.T) {
	fixture := testutil.NewCertFixture(t, signNow)
	s := newTestSigner()
	tenantID := uuid.New()

	signed, err := s.SignTestPayload(tenantID, fixture.Identity(tenantID))
	require.NoError(t, err)
	assert.Equal(t, "DTE-SELFTEST-"+tenantID.String(), signed.DocumentID)

	ok, err := s.Verify(signed, fixture.CertificatePEM)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSeed_SignAndVerify(t *testing.T) {
	fixture := testutil.NewCertFixture(t, signNow)
	s := newTestSigner()

	data, err := s.SignSeed("031245009812", fixture.Identity(uuid.New()))
	require.NoError(t, err)

	seed, cert, err := VerifySeed(data)
	require.NoError(t, err)
	assert.Equal(t, "031245009812", seed)
	assert.Equal(t, fixture.Certificate.SerialNumber, cert.SerialNumber)

	t.Run("tampered seed", func(t *testing.T) {
		tampered := bytes.Replace(data, []byte("031245009812"), []byte("999999999999"), 1)
		_, _, err := VerifySeed(tampered)
		assert.ErrorIs(t, err, ErrInvalidSeedSignature)
	})

	t.Run("empty seed", func(t *testing.T) {
		_, err := s.SignSeed("  ", fixture.Identity(uuid.New()))
		assert.ErrorIs(t, err, compliance.ErrSigningFailure)
	})

	t.Run("unsigned request", func(t *testing.T) {
		_, _, err := VerifySeed([]byte("<getToken><item><Semilla>1</Semilla></item></getToken>"))
		assert.Error(t, err)
	})
}
