package signer

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/infrastructure/certutil"
)

// ErrInvalidSeedSignature is returned when a signed seed does not verify
var ErrInvalidSeedSignature = errors.New("invalid seed signature")

// SignSeed builds the signed getToken request for an authentication seed
func (s *Signer) SignSeed(seed string, identity compliance.SigningIdentity) ([]byte, error) {
	if strings.TrimSpace(seed) == "" {
		return nil, fmt.Errorf("%w: empty seed", compliance.ErrSigningFailure)
	}
	cert, key, err := certutil.ParseIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", compliance.ErrSigningFailure, err)
	}

	doc := etree.NewDocument()
	root := doc.CreateElement("getToken")
	root.CreateElement("item").CreateElement("Semilla").SetText(seed)

	sig, err := buildSignature(root, "", "", true, cert, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", compliance.ErrSigningFailure, err)
	}
	root.AddChild(sig.element)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: serialize: %v", compliance.ErrSigningFailure, err)
	}
	return out, nil
}

// VerifySeed checks a signed getToken request against the certificate it
// carries and returns the seed and that certificate.
func VerifySeed(data []byte) (string, *x509.Certificate, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return "", nil, fmt.Errorf("parse seed request: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "getToken" {
		return "", nil, errors.New("seed request root must be getToken")
	}
	seedEl := root.FindElement("item/Semilla")
	if seedEl == nil || strings.TrimSpace(seedEl.Text()) == "" {
		return "", nil, errors.New("seed request has no Semilla")
	}
	sig := root.SelectElement(elementSignature)
	if sig == nil {
		return "", nil, errMissingSignature
	}
	cert, err := embeddedCertificate(sig)
	if err != nil {
		return "", nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return "", nil, errors.New("seed certificate key is not RSA")
	}
	if err := verifySignature(root, "", sig, pub); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidSeedSignature, err)
	}
	return strings.TrimSpace(seedEl.Text()), cert, nil
}
