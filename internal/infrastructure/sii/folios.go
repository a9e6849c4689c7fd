package sii

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/compliance"
)

// RequestFolios asks the authority to authorize a new folio range
func (c *Client) RequestFolios(ctx context.Context, req compliance.FolioRequest, token *compliance.SessionToken) (*compliance.FolioRequestResult, error) {
	op := compliance.GatewayOpRequestFolios
	if !req.DocumentType.IsValid() || req.Quantity <= 0 || req.EmitterRUT == "" {
		return nil, protocolError(op, "invalid folio request", compliance.ErrInvalidDocument)
	}
	if err := c.requireSession(op, token); err != nil {
		return nil, err
	}

	body, err := json.Marshal(FolioRequestBody{
		RutEmisor: req.EmitterRUT,
		TipoDTE:   req.DocumentType.AuthorityCode(),
		Cantidad:  req.Quantity,
	})
	if err != nil {
		return nil, protocolError(op, "failed to encode folio request", err)
	}

	resp, err := c.call(ctx, op, token.Environment, http.MethodPost, PathFolioRequests, body, "application/json", token)
	if err != nil {
		return nil, err
	}
	var out FolioRequestResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, protocolError(op, "invalid folio request response", err)
	}
	if out.IDSolicitud == "" {
		return nil, protocolError(op, "folio request has no id_solicitud", nil)
	}
	return &compliance.FolioRequestResult{
		RequestID: out.IDSolicitud,
		Status:    out.Estado,
		Message:   out.Glosa,
	}, nil
}

// DownloadFolios fetches the CAF of an authorized request and turns it into a
// folio range. The CAF must belong to the requested emitter and document type.
func (c *Client) DownloadFolios(ctx context.Context, req compliance.FolioDownload, token *compliance.SessionToken) (*compliance.FolioRange, error) {
	op := compliance.GatewayOpDownloadFolios
	if req.RequestID == "" || !req.DocumentType.IsValid() {
		return nil, protocolError(op, "invalid folio download", compliance.ErrInvalidDocument)
	}
	if err := c.requireSession(op, token); err != nil {
		return nil, err
	}

	resp, err := c.call(ctx, op, token.Environment, http.MethodGet, PathFolioCAF(url.PathEscape(req.RequestID)), nil, "", token)
	if err != nil {
		return nil, err
	}

	caf, err := ParseCAF(resp.body)
	if err != nil {
		return nil, protocolError(op, "invalid CAF", err)
	}
	if caf.DocumentType != req.DocumentType.AuthorityCode() {
		return nil, protocolError(op, fmt.Sprintf("CAF is for type %d, requested %d", caf.DocumentType, req.DocumentType.AuthorityCode()), nil)
	}
	if req.EmitterRUT != "" && !strings.EqualFold(caf.EmitterRUT, req.EmitterRUT) {
		return nil, protocolError(op, fmt.Sprintf("CAF belongs to %s", caf.EmitterRUT), nil)
	}

	r, err := compliance.NewFolioRange(req.TenantID, req.DocumentType, caf.From, caf.To, string(resp.body), c.clock.Now())
	if err != nil {
		return nil, protocolError(op, "invalid CAF range", err)
	}
	return r, nil
}

// CAF is the decoded authorization data of a folio range
type CAF struct {
	EmitterRUT   string
	DocumentType int
	From         int64
	To           int64
	AuthorizedOn string
}

// ParseCAF reads AUTORIZACION/CAF/DA
func ParseCAF(data []byte) (*CAF, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charsetReader
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, err
	}
	da := doc.FindElement("AUTORIZACION/CAF/DA")
	if da == nil {
		return nil, fmt.Errorf("missing AUTORIZACION/CAF/DA")
	}
	td, err := strconv.Atoi(text(da, "TD"))
	if err != nil {
		return nil, fmt.Errorf("TD: %w", err)
	}
	from, err := strconv.ParseInt(text(da, "RNG/D"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("RNG/D: %w", err)
	}
	to, err := strconv.ParseInt(text(da, "RNG/H"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("RNG/H: %w", err)
	}
	return &CAF{
		EmitterRUT:   text(da, "RE"),
		DocumentType: td,
		From:         from,
		To:           to,
		AuthorizedOn: text(da, "FA"),
	}, nil
}
