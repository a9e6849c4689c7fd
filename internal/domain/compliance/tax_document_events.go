package compliance

import (
	"time"

	"github.com/erp/dte/internal/domain/shared"
	"github.com/google/uuid"
)

// Event type constants
const (
	EventTypeTaxDocumentCreated       = "TaxDocumentCreated"
	EventTypeTaxDocumentStatusChanged = "TaxDocumentStatusChanged"
	EventTypeCreditNoteIssued         = "CreditNoteIssued"
)

// TaxDocumentCreatedEvent is raised when a draft document is created
type TaxDocumentCreatedEvent struct {
	shared.BaseDomainEvent
	DocumentType DocumentType `json:"document_type"`
}

// NewTaxDocumentCreatedEvent creates a new TaxDocumentCreatedEvent
func NewTaxDocumentCreatedEvent(doc *TaxDocument, at time.Time) *TaxDocumentCreatedEvent {
	return &TaxDocumentCreatedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeTaxDocumentCreated, AggregateTypeTaxDocument, doc.ID, doc.TenantID, at),
		DocumentType:    doc.DocumentType,
	}
}

// TaxDocumentStatusChangedEvent is raised on every authority status transition
type TaxDocumentStatusChangedEvent struct {
	shared.BaseDomainEvent
	DocumentType DocumentType `json:"document_type"`
	Folio        int64        `json:"folio"`
	From         SIIStatus    `json:"from"`
	To           SIIStatus    `json:"to"`
	TrackID      string       `json:"track_id,omitempty"`
}

// NewTaxDocumentStatusChangedEvent creates a new TaxDocumentStatusChangedEvent
func NewTaxDocumentStatusChangedEvent(doc *TaxDocument, from, to SIIStatus, at time.Time) *TaxDocumentStatusChangedEvent {
	return &TaxDocumentStatusChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeTaxDocumentStatusChanged, AggregateTypeTaxDocument, doc.ID, doc.TenantID, at),
		DocumentType:    doc.DocumentType,
		Folio:           doc.Folio,
		From:            from,
		To:              to,
		TrackID:         doc.TrackID,
	}
}

// CreditNoteIssuedEvent is raised on the original document when a credit note is issued against it
type CreditNoteIssuedEvent struct {
	shared.BaseDomainEvent
	CreditNoteID uuid.UUID `json:"credit_note_id"`
	Reason       string    `json:"reason"`
}

// NewCreditNoteIssuedEvent creates a new CreditNoteIssuedEvent
func NewCreditNoteIssuedEvent(original, note *TaxDocument, at time.Time) *CreditNoteIssuedEvent {
	return &CreditNoteIssuedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeCreditNoteIssued, AggregateTypeTaxDocument, original.ID, original.TenantID, at),
		CreditNoteID:    note.ID,
		Reason:          note.ReferenceReason,
	}
}
