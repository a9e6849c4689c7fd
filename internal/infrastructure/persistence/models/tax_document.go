package models

import (
	"time"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TaxDocumentModel is the persistence model for the TaxDocument aggregate root
type TaxDocumentModel struct {
	TenantAggregateModel
	DocumentType string                    `gorm:"type:varchar(20);not null"`
	Folio        int64                     `gorm:"not null;default:0"`
	IssueDate    time.Time                 `gorm:"not null"`
	Receiver     compliance.Receiver       `gorm:"serializer:json;type:jsonb;not null"`
	Lines        []compliance.DocumentLine `gorm:"serializer:json;type:jsonb"`
	Subtotal     decimal.Decimal           `gorm:"type:decimal(18,2);not null"`
	TaxAmount    decimal.Decimal           `gorm:"type:decimal(18,2);not null"`
	Total        decimal.Decimal           `gorm:"type:decimal(18,2);not null"`

	SIIStatus   string `gorm:"column:sii_status;type:varchar(20);not null;index"`
	TrackID     string `gorm:"column:track_id;type:varchar(50);index"`
	SIIResponse string `gorm:"column:sii_response;type:text"`
	SignedXML   string `gorm:"column:signed_xml;type:text"`
	Environment string `gorm:"type:varchar(20)"`

	SendAttempts     int    `gorm:"not null;default:0"`
	RetryCount       int    `gorm:"not null;default:0"`
	PermanentFailure bool   `gorm:"not null;default:false"`
	LastError        string `gorm:"type:text"`

	SignedAt   *time.Time
	SentAt     *time.Time
	AcceptedAt *time.Time
	RejectedAt *time.Time
	FailedAt   *time.Time
	VoidedAt   *time.Time

	ReferenceDocumentID *uuid.UUID `gorm:"type:uuid;index"`
	ReferenceType       string     `gorm:"type:varchar(20)"`
	ReferenceFolio      int64      `gorm:"not null;default:0"`
	ReferenceReason     string     `gorm:"type:text"`
	VoidedByID          *uuid.UUID `gorm:"column:voided_by_id;type:uuid"`
}

// TableName returns the table name for GORM
func (TaxDocumentModel) TableName() string {
	return "tax_documents"
}

// ToDomain converts the persistence model to a domain TaxDocument
func (m *TaxDocumentModel) ToDomain() *compliance.TaxDocument {
	doc := &compliance.TaxDocument{
		DocumentType: compliance.DocumentType(m.DocumentType),
		Folio:        m.Folio,
		IssueDate:    m.IssueDate,
		Receiver:     m.Receiver,
		Lines:        m.Lines,
		Totals: compliance.Totals{
			Subtotal:  m.Subtotal,
			TaxAmount: m.TaxAmount,
			Total:     m.Total,
		},
		SIIStatus:           compliance.SIIStatus(m.SIIStatus),
		TrackID:             m.TrackID,
		SIIResponse:         m.SIIResponse,
		SignedXML:           m.SignedXML,
		Environment:         compliance.Environment(m.Environment),
		SendAttempts:        m.SendAttempts,
		RetryCount:          m.RetryCount,
		PermanentFailure:    m.PermanentFailure,
		LastError:           m.LastError,
		SignedAt:            m.SignedAt,
		SentAt:              m.SentAt,
		AcceptedAt:          m.AcceptedAt,
		RejectedAt:          m.RejectedAt,
		FailedAt:            m.FailedAt,
		VoidedAt:            m.VoidedAt,
		ReferenceDocumentID: m.ReferenceDocumentID,
		ReferenceType:       compliance.DocumentType(m.ReferenceType),
		ReferenceFolio:      m.ReferenceFolio,
		ReferenceReason:     m.ReferenceReason,
		VoidedByID:          m.VoidedByID,
	}
	m.PopulateTenantAggregateRoot(&doc.TenantAggregateRoot)
	return doc
}

// TaxDocumentModelFromDomain converts a domain TaxDocument to its persistence model
func TaxDocumentModelFromDomain(d *compliance.TaxDocument) *TaxDocumentModel {
	m := &TaxDocumentModel{
		DocumentType:        string(d.DocumentType),
		Folio:               d.Folio,
		IssueDate:           d.IssueDate,
		Receiver:            d.Receiver,
		Lines:               d.Lines,
		Subtotal:            d.Totals.Subtotal,
		TaxAmount:           d.Totals.TaxAmount,
		Total:               d.Totals.Total,
		SIIStatus:           string(d.SIIStatus),
		TrackID:             d.TrackID,
		SIIResponse:         d.SIIResponse,
		SignedXML:           d.SignedXML,
		Environment:         string(d.Environment),
		SendAttempts:        d.SendAttempts,
		RetryCount:          d.RetryCount,
		PermanentFailure:    d.PermanentFailure,
		LastError:           d.LastError,
		SignedAt:            d.SignedAt,
		SentAt:              d.SentAt,
		AcceptedAt:          d.AcceptedAt,
		RejectedAt:          d.RejectedAt,
		FailedAt:            d.FailedAt,
		VoidedAt:            d.VoidedAt,
		ReferenceDocumentID: d.ReferenceDocumentID,
		ReferenceType:       string(d.ReferenceType),
		ReferenceFolio:      d.ReferenceFolio,
		ReferenceReason:     d.ReferenceReason,
		VoidedByID:          d.VoidedByID,
	}
	m.FromDomainTenantAggregateRoot(d.TenantAggregateRoot)
	return m
}
