package compliance

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DocumentReference links a credit or debit note to the document it amends
type DocumentReference struct {
	DocumentType DocumentType
	Folio        int64
	Reason       string
}

// DocumentPayload is the content handed to the signer
type DocumentPayload struct {
	ID           string
	DocumentType DocumentType
	Folio        int64
	IssueDate    time.Time
	EmitterRUT   string
	Receiver     Receiver
	Lines        []DocumentLine
	Totals       Totals
	Reference    *DocumentReference
}

// SignedPayload is a signed DTE artifact
type SignedPayload struct {
	DocumentID     string
	DocumentType   DocumentType
	Folio          int64
	EmitterRUT     string
	XML            []byte
	DigestValue    string
	SignatureValue string
	SignedAt       time.Time
}

// DocumentElementID returns the XML ID attribute used for a document folio
func DocumentElementID(docType DocumentType, folio int64) string {
	return fmt.Sprintf("DTE-T%dF%d", docType.AuthorityCode(), folio)
}

// BuildPayload assembles the signer input of a document for the given folio
func BuildPayload(doc *TaxDocument, emitterRUT string, folio int64) DocumentPayload {
	p := DocumentPayload{
		ID:           DocumentElementID(doc.DocumentType, folio),
		DocumentType: doc.DocumentType,
		Folio:        folio,
		IssueDate:    doc.IssueDate,
		EmitterRUT:   emitterRUT,
		Receiver:     doc.Receiver,
		Lines:        doc.Lines,
		Totals:       doc.Totals,
	}
	if doc.ReferenceDocumentID != nil {
		p.Reference = &DocumentReference{
			DocumentType: doc.ReferenceType,
			Folio:        doc.ReferenceFolio,
			Reason:       doc.ReferenceReason,
		}
	}
	return p
}

// SignedPayloadFromDocument rebuilds the submission artifact of a signed document
func SignedPayloadFromDocument(doc *TaxDocument, emitterRUT string) *SignedPayload {
	signedAt := doc.UpdatedAt
	if doc.SignedAt != nil {
		signedAt = *doc.SignedAt
	}
	return &SignedPayload{
		DocumentID:   DocumentElementID(doc.DocumentType, doc.Folio),
		DocumentType: doc.DocumentType,
		Folio:        doc.Folio,
		EmitterRUT:   emitterRUT,
		XML:          []byte(doc.SignedXML),
		SignedAt:     signedAt,
	}
}

// SelfTestPayload is the fixed payload signed to prove an identity can sign
func SelfTestPayload(tenantID uuid.UUID, now time.Time) DocumentPayload {
	return DocumentPayload{
		ID:           "DTE-SELFTEST-" + tenantID.String(),
		DocumentType: DocumentTypeInvoice,
		Folio:        1,
		IssueDate:    now,
		EmitterRUT:   "66666666-6",
		Receiver:     Receiver{RUT: "66666666-6", Name: "SELF TEST"},
		Lines: []DocumentLine{{
			Description: "self test",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.NewFromInt(100),
			Amount:      decimal.NewFromInt(100),
		}},
		Totals: Totals{
			Subtotal:  decimal.NewFromInt(100),
			TaxAmount: decimal.NewFromInt(19),
			Total:     decimal.NewFromInt(119),
		},
	}
}
