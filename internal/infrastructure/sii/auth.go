package sii

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/compliance"
	"go.uber.org/zap"
)

// Authenticate runs the seed/token handshake: fetch a seed, sign it with the
// tenant identity and exchange it for a session token.
func (c *Client) Authenticate(ctx context.Context, creds compliance.TenantCredentials) (*compliance.SessionToken, error) {
	op := compliance.GatewayOpAuthenticate
	if !creds.Environment.IsValid() {
		return nil, protocolError(op, "unknown environment", compliance.ErrInvalidEnvironment)
	}

	seedResp, err := c.call(ctx, op, creds.Environment, http.MethodGet, PathSeed, nil, "", nil)
	if err != nil {
		return nil, err
	}
	seed, err := readRespuesta(seedResp.body, "SEMILLA")
	if err != nil {
		return nil, protocolError(op, "invalid seed response", err)
	}

	signed, err := c.signer.SignSeed(seed, creds.Identity)
	if err != nil {
		return nil, protocolError(op, "failed to sign seed", err)
	}

	tokenResp, err := c.call(ctx, op, creds.Environment, http.MethodPost, PathToken, signed, "application/xml", nil)
	if err != nil {
		return nil, err
	}
	value, err := readRespuesta(tokenResp.body, "TOKEN")
	if err != nil {
		return nil, protocolError(op, "invalid token response", err)
	}

	now := c.clock.Now()
	c.logger.Info("authority session opened",
		zap.String("tenant_id", creds.TenantID.String()),
		zap.String("environment", string(creds.Environment)),
	)
	return &compliance.SessionToken{
		Value:       value,
		Environment: creds.Environment,
		IssuedAt:    now,
		ExpiresAt:   now.Add(c.cfg.TokenTTL),
	}, nil
}

// readRespuesta extracts RESP_BODY/<field> from a RESPUESTA document whose
// header status is EstadoOK.
func readRespuesta(body []byte, field string) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return "", err
	}
	root := doc.Root()
	if root == nil || root.Tag != "RESPUESTA" {
		return "", errors.New("root must be RESPUESTA")
	}
	if estado := text(root, "RESP_HDR/ESTADO"); estado != EstadoOK {
		glosa := text(root, "RESP_HDR/GLOSA")
		return "", fmt.Errorf("estado %s: %s", estado, glosa)
	}
	value := text(root, "RESP_BODY/"+field)
	if value == "" {
		return "", fmt.Errorf("%s is empty", field)
	}
	return value, nil
}

// requireSession rejects calls without a live token. An expired token is
// retryable since a fresh handshake fixes it.
func (c *Client) requireSession(op compliance.GatewayOp, token *compliance.SessionToken) error {
	if token == nil || strings.TrimSpace(token.Value) == "" {
		return &compliance.GatewayError{Op: op, Message: "missing session token", Err: compliance.ErrAuthFailure}
	}
	if !token.ExpiresAt.IsZero() && !c.clock.Now().Before(token.ExpiresAt) {
		return &compliance.GatewayError{Op: op, Retryable: true, Message: "session token expired", Err: compliance.ErrAuthFailure}
	}
	return nil
}
