package compliance

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"math"
	"time"

	"github.com/google/uuid"
)

// ExpiryWarningDays is the window in which a certificate is reported as expiring soon
const ExpiryWarningDays = 30

// LatestBackup is the alias handle of the most recent backup of a tenant
const LatestBackup = "latest"

// SigningIdentity is the active certificate/key pair of a tenant, both PEM encoded.
// An identity is either fully present or absent.
type SigningIdentity struct {
	TenantID       uuid.UUID
	CertificatePEM []byte
	PrivateKeyPEM  []byte
}

// IsComplete reports whether both halves of the pair are present
func (s *SigningIdentity) IsComplete() bool {
	return s != nil && len(s.CertificatePEM) > 0 && len(s.PrivateKeyPEM) > 0
}

// BackupHandle identifies a timestamped backup slot of a tenant's identity
type BackupHandle struct {
	ID        string
	CreatedAt time.Time
}

// IsLatest reports whether the handle is the "most recent" alias
func (h BackupHandle) IsLatest() bool {
	return h.ID == LatestBackup
}

// CertificateInfo is the derived view of a tenant's active certificate
type CertificateInfo struct {
	SerialNumber             string    `json:"serial_number"`
	Subject                  string    `json:"subject"`
	Issuer                   string    `json:"issuer"`
	ValidFrom                time.Time `json:"valid_from"`
	ValidTo                  time.Time `json:"valid_to"`
	FingerprintSHA256        string    `json:"fingerprint_sha256"`
	DaysUntilExpiry          int       `json:"days_until_expiry"`
	ExpiresSoon              bool      `json:"expires_soon"`
	IsExpired                bool      `json:"is_expired"`
	IsNotYetValid            bool      `json:"is_not_yet_valid"`
	HasDigitalSignatureUsage bool      `json:"has_digital_signature_usage"`
}

// NewCertificateInfo derives certificate info relative to now
func NewCertificateInfo(cert *x509.Certificate, now time.Time) CertificateInfo {
	sum := sha256.Sum256(cert.Raw)
	days := DaysUntil(cert.NotAfter, now)
	return CertificateInfo{
		SerialNumber:             cert.SerialNumber.String(),
		Subject:                  cert.Subject.String(),
		Issuer:                   cert.Issuer.String(),
		ValidFrom:                cert.NotBefore.UTC(),
		ValidTo:                  cert.NotAfter.UTC(),
		FingerprintSHA256:        hex.EncodeToString(sum[:]),
		DaysUntilExpiry:          days,
		ExpiresSoon:              days >= 0 && days <= ExpiryWarningDays,
		IsExpired:                now.After(cert.NotAfter),
		IsNotYetValid:            now.Before(cert.NotBefore),
		HasDigitalSignatureUsage: cert.KeyUsage&x509.KeyUsageDigitalSignature != 0,
	}
}

// DaysUntil returns the whole days from now until t, rounded down
func DaysUntil(t, now time.Time) int {
	return int(math.Floor(t.Sub(now).Hours() / 24))
}

// CertificateMetadata is the certificate summary cached on the tenant record
type CertificateMetadata struct {
	SerialNumber string
	Subject      string
	Issuer       string
	ValidFrom    time.Time
	ValidTo      time.Time
	Alias        string
	UploadedAt   time.Time
}

// MetadataFromInfo builds the tenant metadata for an uploaded certificate
func MetadataFromInfo(info CertificateInfo, alias string, uploadedAt time.Time) CertificateMetadata {
	return CertificateMetadata{
		SerialNumber: info.SerialNumber,
		Subject:      info.Subject,
		Issuer:       info.Issuer,
		ValidFrom:    info.ValidFrom,
		ValidTo:      info.ValidTo,
		Alias:        alias,
		UploadedAt:   uploadedAt,
	}
}

// OperationResult is the outcome of a Certificate Manager operation.
// Expected failures are reported here instead of as errors.
type OperationResult struct {
	Success  bool             `json:"success"`
	Code     ErrorCode        `json:"code,omitempty"`
	Message  string           `json:"message"`
	Warnings []string         `json:"warnings,omitempty"`
	Info     *CertificateInfo `json:"info,omitempty"`
	Backup   *BackupHandle    `json:"backup,omitempty"`
}

// Succeeded builds a successful result
func Succeeded(message string) OperationResult {
	return OperationResult{Success: true, Message: message}
}

// Failed builds a failed result classified from err
func Failed(err error) OperationResult {
	return OperationResult{Success: false, Code: CodeOf(err), Message: err.Error()}
}
