package compliance

import "github.com/google/uuid"

// DocumentResult is the outcome of a lifecycle operation on one document
type DocumentResult struct {
	DocumentID uuid.UUID `json:"document_id"`
	Success    bool      `json:"success"`
	Status     SIIStatus `json:"status,omitempty"`
	TrackID    string    `json:"track_id,omitempty"`
	Code       ErrorCode `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Retryable  bool      `json:"retryable,omitempty"`
}

// DocumentSucceeded builds a successful result from the document's current state
func DocumentSucceeded(doc *TaxDocument, message string) DocumentResult {
	return DocumentResult{
		DocumentID: doc.ID,
		Success:    true,
		Status:     doc.SIIStatus,
		TrackID:    doc.TrackID,
		Message:    message,
	}
}

// DocumentFailed builds a failed result; doc may be nil when it could not be loaded
func DocumentFailed(id uuid.UUID, doc *TaxDocument, err error) DocumentResult {
	r := DocumentResult{
		DocumentID: id,
		Code:       CodeOf(err),
		Message:    err.Error(),
		Retryable:  IsRetryable(err),
	}
	if doc != nil {
		r.Status = doc.SIIStatus
		r.TrackID = doc.TrackID
	}
	return r
}

// BulkResult collects independent per-document results
type BulkResult struct {
	Results   []DocumentResult `json:"results"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// Add records one document result
func (b *BulkResult) Add(r DocumentResult) {
	b.Results = append(b.Results, r)
	if r.Success {
		b.Succeeded++
	} else {
		b.Failed++
	}
}
