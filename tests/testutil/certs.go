package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

// DefaultCertPassword is the password of generated PKCS#12 fixtures
const DefaultCertPassword = "secret123"

// CertOptions customizes a generated signing certificate
type CertOptions struct {
	CommonName string
	Serial     int64
	NotBefore  time.Time
	NotAfter   time.Time
	KeyUsage   x509.KeyUsage
	Password   string
}

// CertFixture is a generated self-signed signing identity in every shape the tests need
type CertFixture struct {
	Certificate    *x509.Certificate
	PrivateKey     *rsa.PrivateKey
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	PKCS12         []byte
	Password       string
}

// NewCertFixture generates an RSA-2048 certificate valid for two years from now
func NewCertFixture(t *testing.T, now time.Time) *CertFixture {
	t.Helper()
	return NewCertFixtureWith(t, CertOptions{NotBefore: now.Add(-time.Hour), NotAfter: now.AddDate(2, 0, 0)})
}

// NewCertFixtureWith generates a certificate with the given options
func NewCertFixtureWith(t *testing.T, opts CertOptions) *CertFixture {
	t.Helper()

	if opts.CommonName == "" {
		opts.CommonName = "Contribuyente de Prueba"
	}
	if opts.Serial == 0 {
		opts.Serial = time.Now().UnixNano()
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = opts.NotBefore.AddDate(2, 0, 0)
	}
	if opts.KeyUsage == 0 {
		opts.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
	}
	if opts.Password == "" {
		opts.Password = DefaultCertPassword
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(opts.Serial),
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			SerialNumber: "11111111-1",
			Country:      []string{"CL"},
		},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		KeyUsage:              opts.KeyUsage,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	p12, err := pkcs12.Modern.Encode(key, cert, nil, opts.Password)
	require.NoError(t, err)

	return &CertFixture{
		Certificate:    cert,
		PrivateKey:     key,
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PrivateKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		PKCS12:         p12,
		Password:       opts.Password,
	}
}

// Identity returns the fixture as a tenant signing identity
func (f *CertFixture) Identity(tenantID uuid.UUID) compliance.SigningIdentity {
	return compliance.SigningIdentity{
		TenantID:       tenantID,
		CertificatePEM: f.CertificatePEM,
		PrivateKeyPEM:  f.PrivateKeyPEM,
	}
}
