package compliance

import (
	"fmt"
	"strings"
	"time"

	"github.com/erp/dte/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AggregateTypeTaxDocument is the aggregate type name used in events
const AggregateTypeTaxDocument = "TaxDocument"

// TotalsTolerance is the rounding tolerance allowed between total and subtotal + tax
var TotalsTolerance = decimal.NewFromFloat(0.01)

// DocumentType is the kind of tax document
type DocumentType string

const (
	DocumentTypeInvoice    DocumentType = "invoice"
	DocumentTypeCreditNote DocumentType = "credit_note"
	DocumentTypeDebitNote  DocumentType = "debit_note"
	DocumentTypeReceipt    DocumentType = "receipt"
)

// IsValid checks if the document type is known
func (t DocumentType) IsValid() bool {
	switch t {
	case DocumentTypeInvoice, DocumentTypeCreditNote, DocumentTypeDebitNote, DocumentTypeReceipt:
		return true
	}
	return false
}

// AuthorityCode returns the authority's numeric code for the type
func (t DocumentType) AuthorityCode() int {
	switch t {
	case DocumentTypeInvoice:
		return 33
	case DocumentTypeCreditNote:
		return 61
	case DocumentTypeDebitNote:
		return 56
	case DocumentTypeReceipt:
		return 39
	}
	return 0
}

// DocumentTypeFromCode resolves an authority code back to a document type
func DocumentTypeFromCode(code int) (DocumentType, bool) {
	for _, t := range []DocumentType{DocumentTypeInvoice, DocumentTypeCreditNote, DocumentTypeDebitNote, DocumentTypeReceipt} {
		if t.AuthorityCode() == code {
			return t, true
		}
	}
	return "", false
}

// SIIStatus is the authority status of a document
type SIIStatus string

const (
	SIIStatusDraft    SIIStatus = "draft"
	SIIStatusSigned   SIIStatus = "signed"
	SIIStatusSent     SIIStatus = "sent"
	SIIStatusAccepted SIIStatus = "accepted"
	SIIStatusRejected SIIStatus = "rejected"
	SIIStatusFailed   SIIStatus = "failed"
	SIIStatusVoided   SIIStatus = "voided"
)

// IsValid checks if the status is known
func (s SIIStatus) IsValid() bool {
	switch s {
	case SIIStatusDraft, SIIStatusSigned, SIIStatusSent, SIIStatusAccepted,
		SIIStatusRejected, SIIStatusFailed, SIIStatusVoided:
		return true
	}
	return false
}

// String returns the string representation of the status
func (s SIIStatus) String() string {
	return string(s)
}

// CanTransitionTo checks the document state machine.
// signed -> failed covers a submission that never reached the authority.
func (s SIIStatus) CanTransitionTo(target SIIStatus) bool {
	switch s {
	case SIIStatusDraft:
		return target == SIIStatusSigned
	case SIIStatusSigned:
		return target == SIIStatusSent || target == SIIStatusFailed
	case SIIStatusSent:
		return target == SIIStatusAccepted || target == SIIStatusRejected || target == SIIStatusFailed
	case SIIStatusFailed:
		// accepted and rejected are reachable only by a document the authority already holds
		return target == SIIStatusSent || target == SIIStatusFailed ||
			target == SIIStatusAccepted || target == SIIStatusRejected
	case SIIStatusAccepted:
		return target == SIIStatusVoided
	}
	return false
}

// DocumentLine is one line of the document content produced upstream
type DocumentLine struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

// Receiver identifies the party the document is issued to
type Receiver struct {
	RUT     string `json:"rut"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// Totals are the monetary totals of a document
type Totals struct {
	Subtotal  decimal.Decimal `json:"subtotal"`
	TaxAmount decimal.Decimal `json:"tax_amount"`
	Total     decimal.Decimal `json:"total"`
}

// Validate enforces non-negative amounts and total == subtotal + tax within tolerance
func (t Totals) Validate() error {
	if t.Subtotal.IsNegative() || t.TaxAmount.IsNegative() || t.Total.IsNegative() {
		return fmt.Errorf("%w: amounts must be non-negative", ErrInvalidDocument)
	}
	if t.Total.Sub(t.Subtotal.Add(t.TaxAmount)).Abs().GreaterThan(TotalsTolerance) {
		return fmt.Errorf("%w: total %s does not equal subtotal %s plus tax %s",
			ErrInvalidDocument, t.Total, t.Subtotal, t.TaxAmount)
	}
	return nil
}

// TaxDocument is an invoice, receipt, credit note or debit note tracked through
// the authority lifecycle. Line items and totals are owned upstream; this
// aggregate owns the authority status and its timestamps.
type TaxDocument struct {
	shared.TenantAggregateRoot
	DocumentType DocumentType
	Folio        int64
	IssueDate    time.Time
	Receiver     Receiver
	Lines        []DocumentLine
	Totals       Totals

	SIIStatus   SIIStatus
	TrackID     string
	SIIResponse string
	SignedXML   string
	Environment Environment

	SendAttempts     int
	RetryCount       int
	PermanentFailure bool
	LastError        string

	SignedAt   *time.Time
	SentAt     *time.Time
	AcceptedAt *time.Time
	RejectedAt *time.Time
	FailedAt   *time.Time
	VoidedAt   *time.Time

	ReferenceDocumentID *uuid.UUID
	ReferenceType       DocumentType
	ReferenceFolio      int64
	ReferenceReason     string
	VoidedByID          *uuid.UUID
}

// NewTaxDocument creates a draft document from upstream content
func NewTaxDocument(tenantID uuid.UUID, docType DocumentType, issueDate time.Time, receiver Receiver, lines []DocumentLine, totals Totals, now time.Time) (*TaxDocument, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidDocument)
	}
	if !docType.IsValid() {
		return nil, fmt.Errorf("%w: unknown document type %q", ErrInvalidDocument, docType)
	}
	if strings.TrimSpace(receiver.RUT) == "" {
		return nil, fmt.Errorf("%w: receiver RUT is required", ErrInvalidDocument)
	}
	if err := totals.Validate(); err != nil {
		return nil, err
	}
	if issueDate.IsZero() {
		issueDate = now
	}
	doc := &TaxDocument{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(tenantID, now),
		DocumentType:        docType,
		IssueDate:           issueDate,
		Receiver:            receiver,
		Lines:               lines,
		Totals:              totals,
		SIIStatus:           SIIStatusDraft,
	}
	doc.AddDomainEvent(NewTaxDocumentCreatedEvent(doc, now))
	return doc, nil
}

// NewCreditNote creates a draft credit note compensating an accepted document.
// The original is only linked to the note; its content is left untouched.
func NewCreditNote(original *TaxDocument, reason string, now time.Time) (*TaxDocument, error) {
	if !original.CanVoid() {
		return nil, fmt.Errorf("%w: document %s is %s", ErrNotVoidable, original.ID, original.SIIStatus)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: credit note reason is required", ErrInvalidDocument)
	}
	lines := make([]DocumentLine, len(original.Lines))
	copy(lines, original.Lines)

	note, err := NewTaxDocument(original.TenantID, DocumentTypeCreditNote, now, original.Receiver, lines, original.Totals, now)
	if err != nil {
		return nil, err
	}
	originalID := original.ID
	note.ReferenceDocumentID = &originalID
	note.ReferenceType = original.DocumentType
	note.ReferenceFolio = original.Folio
	note.ReferenceReason = reason

	noteID := note.ID
	original.VoidedByID = &noteID
	original.Touch(now)
	original.AddDomainEvent(NewCreditNoteIssuedEvent(original, note, now))
	return note, nil
}

// CanVoid reports whether a compensating credit note may be issued
func (d *TaxDocument) CanVoid() bool {
	if d.SIIStatus != SIIStatusAccepted || d.VoidedByID != nil {
		return false
	}
	return d.DocumentType == DocumentTypeInvoice || d.DocumentType == DocumentTypeDebitNote || d.DocumentType == DocumentTypeReceipt
}

// IsCreditNote reports whether the document compensates another one
func (d *TaxDocument) IsCreditNote() bool {
	return d.DocumentType == DocumentTypeCreditNote && d.ReferenceDocumentID != nil
}

// CanRetry reports whether a failed document may be re-sent under limit
func (d *TaxDocument) CanRetry(limit int) bool {
	return d.SIIStatus == SIIStatusFailed && !d.PermanentFailure && d.RetryCount < limit
}

// CanSend reports whether the document may be submitted now
func (d *TaxDocument) CanSend(retryLimit int) bool {
	return d.SIIStatus == SIIStatusSigned || d.CanRetry(retryLimit)
}

// MarkSigned records a successful signature and the folio it consumed
func (d *TaxDocument) MarkSigned(folio int64, signedXML string, now time.Time) error {
	if err := d.transition(SIIStatusSigned, "sign"); err != nil {
		return err
	}
	if folio <= 0 {
		return fmt.Errorf("%w: folio must be positive", ErrInvalidDocument)
	}
	from := d.SIIStatus
	d.Folio = folio
	d.SignedXML = signedXML
	d.SignedAt = &now
	d.LastError = ""
	d.apply(from, SIIStatusSigned, now)
	return nil
}

// RecordSigningFailure keeps the document in draft and records the error
func (d *TaxDocument) RecordSigningFailure(reason string, now time.Time) {
	d.LastError = reason
	d.Touch(now)
}

// MarkSent records a successful submission. A resend from failed counts as a retry.
func (d *TaxDocument) MarkSent(trackID string, env Environment, now time.Time) error {
	if err := d.transition(SIIStatusSent, "send"); err != nil {
		return err
	}
	if strings.TrimSpace(trackID) == "" {
		return fmt.Errorf("%w: %w", ErrSubmitFailure, ErrTrackIDMissing)
	}
	from := d.SIIStatus
	if from == SIIStatusFailed {
		d.RetryCount++
	}
	d.SendAttempts++
	d.TrackID = trackID
	d.Environment = env
	d.SentAt = &now
	d.LastError = ""
	d.apply(from, SIIStatusSent, now)
	return nil
}

// AwaitsQuery reports whether a failed document already reached the authority
// and must be retried by querying its track id rather than re-submitting it.
func (d *TaxDocument) AwaitsQuery() bool {
	return d.SIIStatus == SIIStatusFailed && d.TrackID != ""
}

// MarkResumed returns a failed document the authority still holds to sent.
// The query that found it in process counts as a retry.
func (d *TaxDocument) MarkResumed(rawResponse string, now time.Time) error {
	if !d.AwaitsQuery() {
		return fmt.Errorf("%w: cannot resume document in %s status without a track id", ErrInvalidTransition, d.SIIStatus)
	}
	from := d.SIIStatus
	d.RetryCount++
	d.SIIResponse = rawResponse
	d.LastError = ""
	d.apply(from, SIIStatusSent, now)
	return nil
}

// MarkFailed records a submission or query failure. Non-retryable failures are
// terminal and require operator intervention. Only failures before the
// authority issued a track id count as send attempts.
func (d *TaxDocument) MarkFailed(reason string, retryable bool, now time.Time) error {
	if err := d.transition(SIIStatusFailed, "fail"); err != nil {
		return err
	}
	from := d.SIIStatus
	if d.TrackID == "" {
		d.SendAttempts++
	}
	if from == SIIStatusFailed && d.PermanentFailure {
		retryable = false
	}
	if from == SIIStatusFailed {
		d.RetryCount++
	}
	d.PermanentFailure = !retryable
	d.LastError = reason
	d.FailedAt = &now
	d.apply(from, SIIStatusFailed, now)
	return nil
}

// MarkAccepted records the authority's acceptance
func (d *TaxDocument) MarkAccepted(rawResponse string, now time.Time) error {
	if err := d.transition(SIIStatusAccepted, "accept"); err != nil {
		return err
	}
	if err := d.requireTrackID("accept"); err != nil {
		return err
	}
	from := d.SIIStatus
	d.SIIResponse = rawResponse
	d.AcceptedAt = &now
	d.LastError = ""
	d.apply(from, SIIStatusAccepted, now)
	return nil
}

// MarkRejected records the authority's rejection. Rejected documents are terminal.
func (d *TaxDocument) MarkRejected(rawResponse, reason string, now time.Time) error {
	if err := d.transition(SIIStatusRejected, "reject"); err != nil {
		return err
	}
	if err := d.requireTrackID("reject"); err != nil {
		return err
	}
	from := d.SIIStatus
	d.SIIResponse = rawResponse
	d.LastError = reason
	d.RejectedAt = &now
	d.apply(from, SIIStatusRejected, now)
	return nil
}

// RecordStatusResponse stores an in-process authority response without a transition
func (d *TaxDocument) RecordStatusResponse(rawResponse string, now time.Time) {
	d.SIIResponse = rawResponse
	d.Touch(now)
}

// MarkVoided closes an accepted document once its credit note was accepted
func (d *TaxDocument) MarkVoided(creditNote *TaxDocument, now time.Time) error {
	if creditNote == nil || !creditNote.IsCreditNote() || *creditNote.ReferenceDocumentID != d.ID {
		return fmt.Errorf("%w: voiding requires a credit note referencing %s", ErrNotVoidable, d.ID)
	}
	if creditNote.SIIStatus != SIIStatusAccepted {
		return fmt.Errorf("%w: credit note %s is %s", ErrNotVoidable, creditNote.ID, creditNote.SIIStatus)
	}
	if err := d.transition(SIIStatusVoided, "void"); err != nil {
		return err
	}
	from := d.SIIStatus
	noteID := creditNote.ID
	d.VoidedByID = &noteID
	d.VoidedAt = &now
	d.apply(from, SIIStatusVoided, now)
	return nil
}

func (d *TaxDocument) transition(target SIIStatus, action string) error {
	if !d.SIIStatus.CanTransitionTo(target) {
		return fmt.Errorf("%w: cannot %s document in %s status", ErrInvalidTransition, action, d.SIIStatus)
	}
	return nil
}

func (d *TaxDocument) requireTrackID(action string) error {
	if d.SIIStatus == SIIStatusFailed && d.TrackID == "" {
		return fmt.Errorf("%w: cannot %s failed document without a track id", ErrInvalidTransition, action)
	}
	return nil
}

func (d *TaxDocument) apply(from, to SIIStatus, now time.Time) {
	d.SIIStatus = to
	d.Touch(now)
	d.AddDomainEvent(NewTaxDocumentStatusChangedEvent(d, from, to, now))
}
