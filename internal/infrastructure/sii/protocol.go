package sii

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/erp/dte/internal/domain/compliance"
)

// Authority endpoints, relative to the environment base URL
const (
	PathSeed          = "/api/v1/auth/seed"
	PathToken         = "/api/v1/auth/token"
	PathUpload        = "/api/v1/dte/upload"
	PathStatus        = "/api/v1/dte/status/"
	PathFolioRequests = "/api/v1/folios/requests"
	PathPing          = "/api/v1/ping"

	// TokenCookie carries the session token on authenticated calls
	TokenCookie = "TOKEN"

	// EstadoOK is the header status of a successful seed or token response
	EstadoOK = "00"
)

// Error codes returned in ErrorResponse
const (
	ErrorCodeDuplicateFolio = "DUPLICATE_FOLIO"
	ErrorCodeSchema         = "SCHEMA"
	ErrorCodeUnauthorized   = "UNAUTHORIZED"
	ErrorCodeNotFound       = "NOT_FOUND"
	ErrorCodeUnavailable    = "UNAVAILABLE"
)

// PathFolioCAF returns the download path of an authorized folio range
func PathFolioCAF(requestID string) string {
	return PathFolioRequests + "/" + requestID + "/caf"
}

// UploadResponse acknowledges an envelope upload
type UploadResponse struct {
	RutEmisor      string      `json:"rut_emisor"`
	RutEnvia       string      `json:"rut_envia"`
	TrackID        json.Number `json:"trk_id"`
	Estado         string      `json:"estado"`
	FechaRecepcion string      `json:"fecha_recepcion"`
	Glosa          string      `json:"glosa,omitempty"`
}

// StatusResponse reports the processing state of an upload
type StatusResponse struct {
	TrackID json.Number    `json:"trk_id"`
	Estado  string         `json:"estado"`
	Glosa   string         `json:"glosa,omitempty"`
	Errores []StatusDetail `json:"errores,omitempty"`
}

// StatusDetail is one validation finding of a rejected upload
type StatusDetail struct {
	Seccion     string `json:"seccion"`
	Linea       int    `json:"linea"`
	Descripcion string `json:"descripcion"`
}

// FolioRequestBody asks for a folio range
type FolioRequestBody struct {
	RutEmisor string `json:"rut_emisor" binding:"required"`
	TipoDTE   int    `json:"tipo_dte" binding:"required"`
	Cantidad  int    `json:"cantidad" binding:"required,min=1"`
}

// FolioRequestResponse answers a folio request
type FolioRequestResponse struct {
	IDSolicitud string `json:"id_solicitud"`
	Estado      string `json:"estado"`
	Glosa       string `json:"glosa,omitempty"`
}

// ErrorResponse is the body of a failed call
type ErrorResponse struct {
	Codigo string `json:"codigo"`
	Glosa  string `json:"glosa"`
}

// Authority processing codes
var (
	acceptedStatuses   = []string{"EPR", "ACD", "ACEPTADO", "RLV"}
	rejectedStatuses   = []string{"RCH", "RFR", "RSC", "RCT", "RECHAZADO"}
	processingStatuses = []string{"REC", "SOK", "CRT", "FOK", "PRD", "RCP"}
)

// MapStatus maps an authority processing code onto the document state machine.
// Unknown codes are reported as still processing with known=false.
func MapStatus(estado string) (outcome compliance.StatusOutcome, known bool) {
	code := strings.ToUpper(strings.TrimSpace(estado))
	switch {
	case slices.Contains(acceptedStatuses, code):
		return compliance.OutcomeAccepted, true
	case slices.Contains(rejectedStatuses, code):
		return compliance.OutcomeRejected, true
	case slices.Contains(processingStatuses, code):
		return compliance.OutcomeProcessing, true
	default:
		return compliance.OutcomeProcessing, false
	}
}

// SplitRUT separates a RUT "76543210-3" into its body and check digit
func SplitRUT(rut string) (body, dv string) {
	rut = strings.ReplaceAll(strings.TrimSpace(rut), ".", "")
	if i := strings.LastIndex(rut, "-"); i >= 0 {
		return rut[:i], strings.ToUpper(rut[i+1:])
	}
	if len(rut) < 2 {
		return rut, ""
	}
	return rut[:len(rut)-1], strings.ToUpper(rut[len(rut)-1:])
}
