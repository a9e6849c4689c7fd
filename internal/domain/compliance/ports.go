package compliance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// KeyMaterialStore holds exactly one active signing identity per tenant plus
// its backup history. Put overwrites the active pair; callers back up first
// when the prior pair must be preserved.
type KeyMaterialStore interface {
	Put(ctx context.Context, tenantID uuid.UUID, certificatePEM, privateKeyPEM []byte) error
	Get(ctx context.Context, tenantID uuid.UUID) (*SigningIdentity, error)
	Backup(ctx context.Context, tenantID uuid.UUID) (BackupHandle, error)
	Restore(ctx context.Context, tenantID uuid.UUID, handle BackupHandle) error
	Delete(ctx context.Context, tenantID uuid.UUID) error
	ListBackups(ctx context.Context, tenantID uuid.UUID) ([]BackupHandle, error)
}

// DocumentSigner signs document payloads with an explicitly passed identity
type DocumentSigner interface {
	Sign(payload DocumentPayload, identity SigningIdentity) (*SignedPayload, error)
	Verify(signed *SignedPayload, certificatePEM []byte) (bool, error)
}

// TenantCredentials are what the gateway needs to open a session for a tenant
type TenantCredentials struct {
	TenantID    uuid.UUID
	Environment Environment
	EmitterRUT  string
	Identity    SigningIdentity
}

// SessionToken is a short-lived authority session
type SessionToken struct {
	Value       string
	Environment Environment
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// SubmitReceipt is the authority's acknowledgement of a submission
type SubmitReceipt struct {
	TrackID    string
	ReceivedAt time.Time
	Raw        string
}

// StatusOutcome is the document state an authority status maps onto
type StatusOutcome string

const (
	OutcomeProcessing StatusOutcome = "processing"
	OutcomeAccepted   StatusOutcome = "accepted"
	OutcomeRejected   StatusOutcome = "rejected"
)

// StatusReport is the authority's answer to a status query
type StatusReport struct {
	TrackID         string
	Outcome         StatusOutcome
	AuthorityStatus string
	Message         string
	Raw             string
}

// FolioRequest asks the authority for a new range of folios
type FolioRequest struct {
	EmitterRUT   string
	DocumentType DocumentType
	Quantity     int
}

// FolioRequestResult is the authority's answer to a folio request
type FolioRequestResult struct {
	RequestID string
	Status    string
	Message   string
}

// FolioDownload fetches an authorized folio range
type FolioDownload struct {
	TenantID     uuid.UUID
	EmitterRUT   string
	DocumentType DocumentType
	RequestID    string
}

// TaxAuthorityGateway is every interaction with the remote authority.
// Implementations never retry; tokens are not assumed to be long-lived.
type TaxAuthorityGateway interface {
	Authenticate(ctx context.Context, creds TenantCredentials) (*SessionToken, error)
	Submit(ctx context.Context, doc *SignedPayload, token *SessionToken) (*SubmitReceipt, error)
	QueryStatus(ctx context.Context, trackID string, token *SessionToken) (*StatusReport, error)
	RequestFolios(ctx context.Context, req FolioRequest, token *SessionToken) (*FolioRequestResult, error)
	DownloadFolios(ctx context.Context, req FolioDownload, token *SessionToken) (*FolioRange, error)
	Ping(ctx context.Context, env Environment) error
}

// TaxDocumentRepository is the business document store as seen by the core
type TaxDocumentRepository interface {
	FindByID(ctx context.Context, tenantID, id uuid.UUID) (*TaxDocument, error)
	Save(ctx context.Context, doc *TaxDocument) error
	// SaveSigned persists a freshly signed document and consumes its folio
	// from the tenant's active range in one transaction.
	SaveSigned(ctx context.Context, doc *TaxDocument) error
	FindByStatus(ctx context.Context, tenantID uuid.UUID, statuses []SIIStatus, limit int) ([]*TaxDocument, error)
	CountAccepted(ctx context.Context, tenantID uuid.UUID, env Environment) (int64, error)
	ListTenantsWithPending(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// FolioRangeRepository stores authority-granted folio ranges
type FolioRangeRepository interface {
	FindActive(ctx context.Context, tenantID uuid.UUID, docType DocumentType) (*FolioRange, error)
	Save(ctx context.Context, r *FolioRange) error
}

// EnvironmentConfigRepository stores per-tenant environment configuration
type EnvironmentConfigRepository interface {
	Find(ctx context.Context, tenantID uuid.UUID) (*EnvironmentConfig, error)
	Save(ctx context.Context, cfg *EnvironmentConfig) error
}

// TenantDirectory holds the certificate metadata cached on the tenant record
type TenantDirectory interface {
	GetCertificateMetadata(ctx context.Context, tenantID uuid.UUID) (*CertificateMetadata, error)
	SaveCertificateMetadata(ctx context.Context, tenantID uuid.UUID, meta CertificateMetadata) error
	ClearCertificateMetadata(ctx context.Context, tenantID uuid.UUID) error
}

// EventLog is the append-only audit sink
type EventLog interface {
	Append(ctx context.Context, entry *EventLogEntry) error
	List(ctx context.Context, tenantID uuid.UUID, filter EventLogFilter) ([]*EventLogEntry, error)
}
