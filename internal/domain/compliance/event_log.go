package compliance

import (
	"time"

	"github.com/google/uuid"
)

// Severity of an audit entry
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// SystemActor is recorded when no caller identity is known
const SystemActor = "system"

// Audit event types
const (
	EventCertificateUploaded      = "certificate.uploaded"
	EventCertificateUploadFailed  = "certificate.upload_failed"
	EventCertificateDeleted       = "certificate.deleted"
	EventCertificateTested        = "certificate.tested"
	EventCertificateBackedUp      = "certificate.backed_up"
	EventCertificateRestored      = "certificate.restored"
	EventDocumentSigned           = "document.signed"
	EventDocumentSignFailed       = "document.sign_failed"
	EventDocumentSent             = "document.sent"
	EventDocumentSendFailed       = "document.send_failed"
	EventDocumentAccepted         = "document.accepted"
	EventDocumentRejected         = "document.rejected"
	EventDocumentQueryFailed      = "document.query_failed"
	EventDocumentVoided           = "document.voided"
	EventCreditNoteIssued         = "document.credit_note_issued"
	EventConnectionTested         = "environment.connection_tested"
	EventEnvironmentSwitched      = "environment.switched"
	EventEnvironmentSwitchBlocked = "environment.switch_blocked"
	EventFoliosRequested          = "folios.requested"
	EventFoliosDownloaded         = "folios.downloaded"
)

// EventLogEntry is an append-only audit record
type EventLogEntry struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	EventType string
	Severity  Severity
	Message   string
	Context   map[string]any
	Actor     string
	Timestamp time.Time
}

// NewEventLogEntry creates an audit entry
func NewEventLogEntry(tenantID uuid.UUID, eventType string, severity Severity, message string, fields map[string]any, actor string, now time.Time) *EventLogEntry {
	if actor == "" {
		actor = SystemActor
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return &EventLogEntry{
		ID:        uuid.New(),
		TenantID:  tenantID,
		EventType: eventType,
		Severity:  severity,
		Message:   message,
		Context:   fields,
		Actor:     actor,
		Timestamp: now,
	}
}

// EventLogFilter narrows an audit log listing
type EventLogFilter struct {
	EventType string
	Severity  Severity
	Since     *time.Time
	Limit     int
}
