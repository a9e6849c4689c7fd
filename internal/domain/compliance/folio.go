package compliance

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FolioRange is an authority-granted range of document numbers (CAF) for one
// tenant and document type. Numbers are handed out strictly increasing and a
// consumed number is never handed out again, even if its document was rejected.
type FolioRange struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	DocumentType     DocumentType
	From             int64
	To               int64
	NextFolio        int64
	AuthorizationXML string
	ReceivedAt       time.Time
}

// NewFolioRange creates a range covering [from, to]
func NewFolioRange(tenantID uuid.UUID, docType DocumentType, from, to int64, authorizationXML string, now time.Time) (*FolioRange, error) {
	if !docType.IsValid() {
		return nil, fmt.Errorf("%w: unknown document type %q", ErrInvalidDocument, docType)
	}
	if from <= 0 || to < from {
		return nil, fmt.Errorf("%w: invalid folio range %d-%d", ErrInvalidDocument, from, to)
	}
	return &FolioRange{
		ID:               uuid.New(),
		TenantID:         tenantID,
		DocumentType:     docType,
		From:             from,
		To:               to,
		NextFolio:        from,
		AuthorizationXML: authorizationXML,
		ReceivedAt:       now,
	}, nil
}

// Peek returns the next folio without consuming it
func (r *FolioRange) Peek() (int64, error) {
	if r.Exhausted() {
		return 0, fmt.Errorf("%w: %s %d-%d", ErrFoliosExhausted, r.DocumentType, r.From, r.To)
	}
	return r.NextFolio, nil
}

// Next consumes and returns the next folio
func (r *FolioRange) Next() (int64, error) {
	folio, err := r.Peek()
	if err != nil {
		return 0, err
	}
	r.NextFolio++
	return folio, nil
}

// Consume marks folio as used. Only the current next folio can be consumed.
func (r *FolioRange) Consume(folio int64) error {
	next, err := r.Peek()
	if err != nil {
		return err
	}
	if folio != next {
		return fmt.Errorf("%w: folio %d, next is %d", ErrFolioConflict, folio, next)
	}
	r.NextFolio++
	return nil
}

// Exhausted reports whether every folio in the range was consumed
func (r *FolioRange) Exhausted() bool {
	return r.NextFolio > r.To
}

// Remaining returns how many folios are still available
func (r *FolioRange) Remaining() int64 {
	if r.Exhausted() {
		return 0
	}
	return r.To - r.NextFolio + 1
}
