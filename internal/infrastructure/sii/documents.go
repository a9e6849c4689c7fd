package sii

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/erp/dte/internal/domain/compliance"
	"go.uber.org/zap"
)

// Submit uploads one signed document inside an EnvioDTE envelope
func (c *Client) Submit(ctx context.Context, doc *compliance.SignedPayload, token *compliance.SessionToken) (*compliance.SubmitReceipt, error) {
	op := compliance.GatewayOpSubmit
	if err := c.requireSession(op, token); err != nil {
		return nil, err
	}

	sender := c.cfg.SenderRUT
	if sender == "" {
		sender = doc.EmitterRUT
	}
	envelope, err := BuildEnvelope(doc, sender, c.clock.Now())
	if err != nil {
		return nil, protocolError(op, "failed to build envelope", err)
	}

	body, contentType, err := uploadForm(sender, doc.EmitterRUT, doc.DocumentID, envelope)
	if err != nil {
		return nil, protocolError(op, "failed to encode upload", err)
	}

	resp, err := c.call(ctx, op, token.Environment, http.MethodPost, PathUpload, body, contentType, token)
	if err != nil {
		return nil, err
	}

	var upload UploadResponse
	if err := json.Unmarshal(resp.body, &upload); err != nil {
		return nil, protocolError(op, "invalid upload response", err)
	}
	trackID := strings.TrimSpace(upload.TrackID.String())
	if trackID == "" || trackID == "0" {
		return nil, protocolError(op, "upload accepted without trk_id", compliance.ErrTrackIDMissing)
	}

	c.logger.Info("document uploaded",
		zap.String("document_id", doc.DocumentID),
		zap.Int64("folio", doc.Folio),
		zap.String("track_id", trackID),
	)
	return &compliance.SubmitReceipt{
		TrackID:    trackID,
		ReceivedAt: c.clock.Now(),
		Raw:        string(resp.body),
	}, nil
}

// uploadForm encodes the envelope as the multipart form the upload endpoint expects
func uploadForm(senderRUT, companyRUT, documentID string, envelope []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	rutSender, dvSender := SplitRUT(senderRUT)
	rutCompany, dvCompany := SplitRUT(companyRUT)
	fields := [][2]string{
		{"rutSender", rutSender},
		{"dvSender", dvSender},
		{"rutCompany", rutCompany},
		{"dvCompany", dvCompany},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="archivo"; filename="%s.xml"`, documentID))
	h.Set("Content-Type", "application/xml; charset=ISO-8859-1")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(envelope); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// QueryStatus asks for the processing state of an upload
func (c *Client) QueryStatus(ctx context.Context, trackID string, token *compliance.SessionToken) (*compliance.StatusReport, error) {
	op := compliance.GatewayOpQueryStatus
	if strings.TrimSpace(trackID) == "" {
		return nil, protocolError(op, "empty track id", compliance.ErrTrackIDMissing)
	}
	if err := c.requireSession(op, token); err != nil {
		return nil, err
	}

	resp, err := c.call(ctx, op, token.Environment, http.MethodGet, PathStatus+trackID, nil, "", token)
	if err != nil {
		return nil, err
	}

	var status StatusResponse
	if err := json.Unmarshal(resp.body, &status); err != nil {
		return nil, protocolError(op, "invalid status response", err)
	}
	outcome, known := MapStatus(status.Estado)
	if !known {
		c.logger.Warn("unknown authority status, treating as in process",
			zap.String("track_id", trackID),
			zap.String("estado", status.Estado),
		)
	}

	message := status.Glosa
	for _, d := range status.Errores {
		message += fmt.Sprintf("; %s linea %d: %s", d.Seccion, d.Linea, d.Descripcion)
	}
	return &compliance.StatusReport{
		TrackID:         trackID,
		Outcome:         outcome,
		AuthorityStatus: status.Estado,
		Message:         strings.TrimPrefix(message, "; "),
		Raw:             string(resp.body),
	}, nil
}
