package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy of the compliance core
var (
	ErrInvalidCredentials = errors.New("compliance: invalid certificate password")
	ErrCorruptContainer   = errors.New("compliance: corrupt PKCS#12 container")
	ErrCertificateExpired = errors.New("compliance: certificate expired")
	ErrIdentityNotFound   = errors.New("compliance: signing identity not found")
	ErrBackupNotFound     = errors.New("compliance: certificate backup not found")
	ErrTrackIDMissing     = errors.New("compliance: document has no tracking token")
	ErrStorageIO          = errors.New("compliance: key material storage unavailable")
	ErrSigningFailure     = errors.New("compliance: signing failed")
	ErrAuthFailure        = errors.New("compliance: tax authority authentication failed")
	ErrSubmitFailure      = errors.New("compliance: document submission failed")
	ErrQueryFailure       = errors.New("compliance: status query failed")
	ErrGatewayFailure     = errors.New("compliance: tax authority request failed")
	ErrEnvironmentGate    = errors.New("compliance: production promotion blocked")

	ErrDocumentNotFound     = errors.New("compliance: tax document not found")
	ErrEnvironmentNotFound  = errors.New("compliance: environment configuration not found")
	ErrInvalidTransition    = errors.New("compliance: invalid document status transition")
	ErrInvalidDocument      = errors.New("compliance: invalid tax document")
	ErrRetryLimitReached    = errors.New("compliance: retry limit reached")
	ErrNotVoidable          = errors.New("compliance: document cannot be voided")
	ErrNoFolioRange         = errors.New("compliance: no folio range available")
	ErrFoliosExhausted      = errors.New("compliance: folio range exhausted")
	ErrFolioConflict        = errors.New("compliance: folio already consumed")
	ErrInvalidEnvironment   = errors.New("compliance: invalid environment")
	ErrInvalidUploadRequest = errors.New("compliance: invalid certificate upload request")
	ErrInvalidRequest       = errors.New("compliance: invalid request")
)

// ErrorCode is the stable, user facing classification of a failure
type ErrorCode string

const (
	CodeNone               ErrorCode = ""
	CodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	CodeCorruptContainer   ErrorCode = "CORRUPT_CONTAINER"
	CodeExpired            ErrorCode = "EXPIRED"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeIOFailure          ErrorCode = "IO_FAILURE"
	CodeSigningFailure     ErrorCode = "SIGNING_FAILURE"
	CodeAuthFailure        ErrorCode = "AUTH_FAILURE"
	CodeSubmitFailure      ErrorCode = "SUBMIT_FAILURE"
	CodeQueryFailure       ErrorCode = "QUERY_FAILURE"
	CodeEnvironmentGate    ErrorCode = "ENVIRONMENT_GATE"
	CodeInvalidState       ErrorCode = "INVALID_STATE"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeInternal           ErrorCode = "INTERNAL"
)

// CodeOf maps an error onto the taxonomy. A failed authority call keeps the
// code of its phase even when the cause is a missing resource.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, ErrCorruptContainer):
		return CodeCorruptContainer
	case errors.Is(err, ErrCertificateExpired):
		return CodeExpired
	case errors.Is(err, ErrAuthFailure):
		return CodeAuthFailure
	case errors.Is(err, ErrSubmitFailure):
		return CodeSubmitFailure
	case errors.Is(err, ErrQueryFailure):
		return CodeQueryFailure
	case errors.Is(err, ErrIdentityNotFound), errors.Is(err, ErrBackupNotFound),
		errors.Is(err, ErrTrackIDMissing), errors.Is(err, ErrDocumentNotFound),
		errors.Is(err, ErrEnvironmentNotFound), errors.Is(err, ErrNoFolioRange):
		return CodeNotFound
	case errors.Is(err, ErrStorageIO):
		return CodeIOFailure
	case errors.Is(err, ErrSigningFailure):
		return CodeSigningFailure
	case errors.Is(err, ErrEnvironmentGate):
		return CodeEnvironmentGate
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrRetryLimitReached),
		errors.Is(err, ErrNotVoidable), errors.Is(err, ErrFoliosExhausted), errors.Is(err, ErrFolioConflict):
		return CodeInvalidState
	case errors.Is(err, ErrInvalidDocument), errors.Is(err, ErrInvalidEnvironment),
		errors.Is(err, ErrInvalidUploadRequest), errors.Is(err, ErrInvalidRequest):
		return CodeInvalidInput
	default:
		return CodeInternal
	}
}

// GatewayOp names a tax authority operation
type GatewayOp string

const (
	GatewayOpAuthenticate   GatewayOp = "authenticate"
	GatewayOpSubmit         GatewayOp = "submit"
	GatewayOpQueryStatus    GatewayOp = "query_status"
	GatewayOpRequestFolios  GatewayOp = "request_folios"
	GatewayOpDownloadFolios GatewayOp = "download_folios"
	GatewayOpPing           GatewayOp = "ping"
)

// GatewayError is the typed failure of a tax authority call.
// Retryable is true for network errors, timeouts, throttling and server faults;
// it is false for malformed documents, duplicate folios and rejected credentials.
type GatewayError struct {
	Op         GatewayOp
	Retryable  bool
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	var b strings.Builder
	b.WriteString("sii ")
	b.WriteString(string(e.Op))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause
func (e *GatewayError) Unwrap() []error {
	errs := []error{e.kind()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *GatewayError) kind() error {
	switch e.Op {
	case GatewayOpAuthenticate:
		return ErrAuthFailure
	case GatewayOpSubmit:
		return ErrSubmitFailure
	case GatewayOpQueryStatus:
		return ErrQueryFailure
	default:
		return ErrGatewayFailure
	}
}

// IsRetryable reports whether err is a transient failure worth retrying.
// Deadline expiry counts as retryable; explicit cancellation does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// GateViolation is one failed condition of the production promotion gate
type GateViolation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EnvironmentGateError lists every condition that blocked a promotion
type EnvironmentGateError struct {
	Violations []GateViolation
}

// Error implements the error interface
func (e *EnvironmentGateError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return ErrEnvironmentGate.Error() + ": " + strings.Join(msgs, "; ")
}

// Unwrap returns ErrEnvironmentGate
func (e *EnvironmentGateError) Unwrap() error {
	return ErrEnvironmentGate
}

// HasViolation reports whether the gate failed on the given condition code
func (e *EnvironmentGateError) HasViolation(code string) bool {
	for _, v := range e.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}
