package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// XML Signature algorithm identifiers
const (
	NamespaceDS      = "http://www.w3.org/2000/09/xmldsig#"
	AlgC14N          = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	AlgRSASHA256     = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgSHA256        = "http://www.w3.org/2001/04/xmlenc#sha256"
	AlgEnveloped     = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	elementSignature = "Signature"
)

var (
	errMissingSignature = errors.New("signature element not found")
	errDigestMismatch   = errors.New("digest mismatch")
)

var canonicalizer = dsig.MakeC14N10RecCanonicalizer()

// canonicalize returns the inclusive C14N form of el as a standalone
// document. ns is the default namespace in scope at el.
func canonicalize(el *etree.Element, ns string) ([]byte, error) {
	c := el.Copy()
	if ns != "" && c.SelectAttr("xmlns") == nil {
		c.CreateAttr("xmlns", ns)
	}
	return canonicalizer.Canonicalize(c)
}

func digestOf(el *etree.Element, ns string) (string, error) {
	canonical, err := canonicalize(el, ns)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", el.Tag, err)
	}
	sum := sha256.Sum256(canonical)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

type signature struct {
	element        *etree.Element
	digestValue    string
	signatureValue string
}

// buildSignature signs target, referenced by uri, and returns the detached
// Signature element. Enveloped references digest target without any Signature.
func buildSignature(target *etree.Element, targetNS, uri string, enveloped bool, cert *x509.Certificate, key crypto.Signer) (*signature, error) {
	pub, ok := key.Public().(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T, RSA required", key.Public())
	}

	digest, err := digestOf(withoutSignature(target), targetNS)
	if err != nil {
		return nil, err
	}

	sig := etree.NewElement(elementSignature)
	sig.CreateAttr("xmlns", NamespaceDS)

	signedInfo := sig.CreateElement("SignedInfo")
	signedInfo.CreateElement("CanonicalizationMethod").CreateAttr("Algorithm", AlgC14N)
	signedInfo.CreateElement("SignatureMethod").CreateAttr("Algorithm", AlgRSASHA256)
	ref := signedInfo.CreateElement("Reference")
	ref.CreateAttr("URI", uri)
	transforms := ref.CreateElement("Transforms")
	if enveloped {
		transforms.CreateElement("Transform").CreateAttr("Algorithm", AlgEnveloped)
	}
	transforms.CreateElement("Transform").CreateAttr("Algorithm", AlgC14N)
	ref.CreateElement("DigestMethod").CreateAttr("Algorithm", AlgSHA256)
	ref.CreateElement("DigestValue").SetText(digest)

	canonicalSignedInfo, err := canonicalize(signedInfo, NamespaceDS)
	if err != nil {
		return nil, fmt.Errorf("canonicalize SignedInfo: %w", err)
	}
	hash := sha256.Sum256(canonicalSignedInfo)
	raw, err := key.Sign(rand.Reader, hash[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("sign SignedInfo: %w", err)
	}
	signatureValue := base64.StdEncoding.EncodeToString(raw)
	sig.CreateElement("SignatureValue").SetText(signatureValue)

	keyInfo := sig.CreateElement("KeyInfo")
	rsaKey := keyInfo.CreateElement("KeyValue").CreateElement("RSAKeyValue")
	rsaKey.CreateElement("Modulus").SetText(base64.StdEncoding.EncodeToString(pub.N.Bytes()))
	rsaKey.CreateElement("Exponent").SetText(base64.StdEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()))
	keyInfo.CreateElement("X509Data").CreateElement("X509Certificate").SetText(base64.StdEncoding.EncodeToString(cert.Raw))

	return &signature{element: sig, digestValue: digest, signatureValue: signatureValue}, nil
}

// verifySignature checks sig against target with pub. A mismatch is reported
// as an error wrapping errDigestMismatch or rsa.ErrVerification.
func verifySignature(target *etree.Element, targetNS string, sig *etree.Element, pub *rsa.PublicKey) error {
	signedInfo := sig.SelectElement("SignedInfo")
	if signedInfo == nil {
		return errors.New("SignedInfo element not found")
	}
	digestEl := signedInfo.FindElement("Reference/DigestValue")
	if digestEl == nil {
		return errors.New("DigestValue element not found")
	}
	digest, err := digestOf(withoutSignature(target), targetNS)
	if err != nil {
		return err
	}
	if digest != digestEl.Text() {
		return errDigestMismatch
	}

	sigValueEl := sig.SelectElement("SignatureValue")
	if sigValueEl == nil {
		return errors.New("SignatureValue element not found")
	}
	raw, err := base64.StdEncoding.DecodeString(sigValueEl.Text())
	if err != nil {
		return fmt.Errorf("decode SignatureValue: %w", err)
	}
	canonicalSignedInfo, err := canonicalize(signedInfo, NamespaceDS)
	if err != nil {
		return fmt.Errorf("canonicalize SignedInfo: %w", err)
	}
	hash := sha256.Sum256(canonicalSignedInfo)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, hash[:], raw)
}

// embeddedCertificate returns the certificate carried in the signature's KeyInfo
func embeddedCertificate(sig *etree.Element) (*x509.Certificate, error) {
	el := sig.FindElement("KeyInfo/X509Data/X509Certificate")
	if el == nil {
		return nil, errors.New("X509Certificate element not found")
	}
	der, err := base64.StdEncoding.DecodeString(el.Text())
	if err != nil {
		return nil, fmt.Errorf("decode X509Certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

func withoutSignature(el *etree.Element) *etree.Element {
	if el.SelectElement(elementSignature) == nil {
		return el
	}
	c := el.Copy()
	for _, s := range c.SelectElements(elementSignature) {
		c.RemoveChild(s)
	}
	return c
}
