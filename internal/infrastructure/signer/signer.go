// Package signer produces and verifies XMLDSig signatures over DTE documents
// and authentication seeds.
package signer

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/certutil"
	"github.com/google/uuid"
)

// Ensure Signer implements DocumentSigner
var _ compliance.DocumentSigner = (*Signer)(nil)

// Signer holds no key material. Every call receives the identity to sign with.
type Signer struct {
	clock shared.Clock
}

// Option configures a Signer
type Option func(*Signer)

// WithClock sets the clock used for signature timestamps
func WithClock(c shared.Clock) Option {
	return func(s *Signer) {
		s.clock = c
	}
}

// New creates a Signer
func New(opts ...Option) *Signer {
	s := &Signer{clock: shared.SystemClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign renders the payload as a DTE and signs its Documento element
func (s *Signer) Sign(payload compliance.DocumentPayload, identity compliance.SigningIdentity) (*compliance.SignedPayload, error) {
	if payload.ID == "" {
		return nil, fmt.Errorf("%w: payload has no ID", compliance.ErrSigningFailure)
	}
	cert, key, err := certutil.ParseIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", compliance.ErrSigningFailure, err)
	}

	now := s.clock.Now()
	doc, documento := buildDTE(payload, now)
	sig, err := buildSignature(documento, NamespaceDTE, "#"+payload.ID, false, cert, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", compliance.ErrSigningFailure, err)
	}
	doc.Root().AddChild(sig.element)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: serialize: %v", compliance.ErrSigningFailure, err)
	}

	return &compliance.SignedPayload{
		DocumentID:     payload.ID,
		DocumentType:   payload.DocumentType,
		Folio:          payload.Folio,
		EmitterRUT:     payload.EmitterRUT,
		XML:            out,
		DigestValue:    sig.digestValue,
		SignatureValue: sig.signatureValue,
		SignedAt:       now,
	}, nil
}

// Verify checks the signature of a signed DTE against certificatePEM.
// A well-formed document whose signature does not match returns false and no error.
func (s *Signer) Verify(signed *compliance.SignedPayload, certificatePEM []byte) (bool, error) {
	if signed == nil || len(signed.XML) == 0 {
		return false, fmt.Errorf("%w: nothing to verify", compliance.ErrSigningFailure)
	}
	cert, err := certutil.ParseCertificatePEM(certificatePEM)
	if err != nil {
		return false, fmt.Errorf("%w: %v", compliance.ErrSigningFailure, err)
	}
	return verifyDTE(signed.XML, func(*etree.Element) (*x509.Certificate, error) {
		return cert, nil
	})
}

// VerifyEmbedded checks a signed DTE against the certificate carried in its own KeyInfo
func VerifyEmbedded(data []byte) (bool, error) {
	return verifyDTE(data, embeddedCertificate)
}

func verifyDTE(data []byte, certOf func(sig *etree.Element) (*x509.Certificate, error)) (bool, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return false, fmt.Errorf("%w: parse: %v", compliance.ErrSigningFailure, err)
	}
	root := doc.Root()
	if root == nil {
		return false, fmt.Errorf("%w: empty document", compliance.ErrSigningFailure)
	}
	documento := root.SelectElement("Documento")
	sig := root.SelectElement(elementSignature)
	if documento == nil || sig == nil {
		return false, fmt.Errorf("%w: %v", compliance.ErrSigningFailure, errMissingSignature)
	}
	if uri := sig.FindElement("SignedInfo/Reference"); uri == nil || uri.SelectAttrValue("URI", "") != "#"+documento.SelectAttrValue("ID", "") {
		return false, nil
	}

	cert, err := certOf(sig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", compliance.ErrSigningFailure, err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false, fmt.Errorf("%w: certificate key is not RSA", compliance.ErrSigningFailure)
	}

	if err := verifySignature(documento, NamespaceDTE, sig, pub); err != nil {
		if errors.Is(err, errDigestMismatch) || errors.Is(err, rsa.ErrVerification) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", compliance.ErrSigningFailure, err)
	}
	return true, nil
}

// SignTestPayload signs the fixed self-test payload of a tenant
func (s *Signer) SignTestPayload(tenantID uuid.UUID, identity compliance.SigningIdentity) (*compliance.SignedPayload, error) {
	return s.Sign(compliance.SelfTestPayload(tenantID, s.clock.Now()), identity)
}
