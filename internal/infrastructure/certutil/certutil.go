// Package certutil converts PKCS#12 containers into PEM encoded certificate
// and private key pairs and parses them back.
package certutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/erp/dte/internal/domain/compliance"
	"software.sslmate.com/src/go-pkcs12"
)

// PEM block types
const (
	BlockCertificate   = "CERTIFICATE"
	BlockPrivateKey    = "PRIVATE KEY"
	BlockRSAPrivateKey = "RSA PRIVATE KEY"
	BlockECPrivateKey  = "EC PRIVATE KEY"
)

var (
	ErrInvalidPEM         = errors.New("certutil: invalid PEM block")
	ErrUnsupportedKey     = errors.New("certutil: unsupported private key type")
	ErrKeyCertificatePair = errors.New("certutil: private key does not match certificate")
	ErrMissingCertificate = errors.New("certutil: container has no certificate")
	ErrMissingPrivateKey  = errors.New("certutil: container has no private key")
)

// Bundle is the decoded content of a PKCS#12 container
type Bundle struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	CACerts     []*x509.Certificate
}

// DecodePKCS12 opens a password protected container. A wrong password maps to
// compliance.ErrInvalidCredentials; anything else unreadable maps to
// compliance.ErrCorruptContainer.
func DecodePKCS12(data []byte, password string) (*Bundle, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty container", compliance.ErrCorruptContainer)
	}
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, compliance.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", compliance.ErrCorruptContainer, err)
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: %w", compliance.ErrCorruptContainer, ErrMissingCertificate)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %w", compliance.ErrCorruptContainer, ErrMissingPrivateKey)
	}
	signer, err := asSigner(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", compliance.ErrCorruptContainer, err)
	}
	if !KeyMatchesCertificate(signer, cert) {
		return nil, fmt.Errorf("%w: %w", compliance.ErrCorruptContainer, ErrKeyCertificatePair)
	}
	return &Bundle{Certificate: cert, PrivateKey: signer, CACerts: caCerts}, nil
}

// ToPEM converts the bundle into the certificate and PKCS#8 private key PEM pair
func (b *Bundle) ToPEM() (certPEM, keyPEM []byte, err error) {
	keyPEM, err = EncodePrivateKeyPEM(b.PrivateKey)
	if err != nil {
		return nil, nil, err
	}
	return EncodeCertificatePEM(b.Certificate), keyPEM, nil
}

// EncodeCertificatePEM encodes a certificate as PEM
func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: BlockCertificate, Bytes: cert.Raw})
}

// EncodePrivateKeyPEM encodes a private key as PKCS#8 PEM
func EncodePrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: BlockPrivateKey, Bytes: der}), nil
}

// ParseCertificatePEM parses the first certificate block of data
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != BlockCertificate {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// ParsePrivateKeyPEM parses a PKCS#8, PKCS#1 or SEC 1 private key
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case BlockRSAPrivateKey:
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case BlockECPrivateKey:
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			// Try PKCS1 format
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return asSigner(key)
}

// ParseIdentity parses both halves of a signing identity and checks they belong together
func ParseIdentity(identity compliance.SigningIdentity) (*x509.Certificate, crypto.Signer, error) {
	cert, err := ParseCertificatePEM(identity.CertificatePEM)
	if err != nil {
		return nil, nil, err
	}
	key, err := ParsePrivateKeyPEM(identity.PrivateKeyPEM)
	if err != nil {
		return nil, nil, err
	}
	if !KeyMatchesCertificate(key, cert) {
		return nil, nil, ErrKeyCertificatePair
	}
	return cert, key, nil
}

// KeyMatchesCertificate reports whether key is the private half of cert's public key
func KeyMatchesCertificate(key crypto.Signer, cert *x509.Certificate) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	pub, ok := key.Public().(equaler)
	if !ok {
		return false
	}
	return pub.Equal(cert.PublicKey)
}

func asSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}
