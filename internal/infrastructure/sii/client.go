// Package sii implements the tax authority gateway over the authority's HTTP
// API: seed/token authentication, envelope upload, status queries and folio
// provisioning.
package sii

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/erp/dte/internal/infrastructure/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultTokenTTL  = 10 * time.Minute
	maxResponseBytes = 10 << 20
)

// Ensure Client implements TaxAuthorityGateway
var _ compliance.TaxAuthorityGateway = (*Client)(nil)

// SeedSigner signs authentication seeds with a tenant identity
type SeedSigner interface {
	SignSeed(seed string, identity compliance.SigningIdentity) ([]byte, error)
}

// Client talks to the authority. It never retries; retry policy belongs to the caller.
type Client struct {
	cfg        config.AuthorityConfig
	httpClient *http.Client
	signer     SeedSigner
	clock      shared.Clock
	logger     *zap.Logger
	metrics    *telemetry.ComplianceMetrics
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithClock sets the clock used for token expiry and timestamps
func WithClock(c shared.Clock) Option {
	return func(cl *Client) {
		cl.clock = c
	}
}

// WithLogger sets a custom logger
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// WithMetrics records call counts and latencies
func WithMetrics(m *telemetry.ComplianceMetrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

// NewClient creates a gateway client
func NewClient(cfg config.AuthorityConfig, signer SeedSigner, opts ...Option) (*Client, error) {
	if signer == nil {
		return nil, errors.New("sii: seed signer is required")
	}
	if cfg.CertificationURL == "" {
		return nil, errors.New("sii: certification URL is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		signer:     signer,
		clock:      shared.SystemClock{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) baseURL(env compliance.Environment) (string, error) {
	base := strings.TrimRight(c.cfg.BaseURL(string(env)), "/")
	if base == "" {
		return "", fmt.Errorf("no authority URL configured for %s", env)
	}
	return base, nil
}

// Ping checks that the authority answers in env
func (c *Client) Ping(ctx context.Context, env compliance.Environment) error {
	_, err := c.call(ctx, compliance.GatewayOpPing, env, http.MethodGet, PathPing, nil, "", nil)
	return err
}

type response struct {
	status int
	body   []byte
}

// call performs one request under the configured timeout. Transport failures,
// timeouts, throttling and server faults come back as retryable GatewayErrors.
func (c *Client) call(ctx context.Context, op compliance.GatewayOp, env compliance.Environment, method, path string, body []byte, contentType string, token *compliance.SessionToken) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "sii."+string(op),
		telemetry.WithSpanKind(trace.SpanKindClient),
		telemetry.WithAttribute("http.method", method),
		telemetry.WithAttribute(telemetry.AttrEnvironment, string(env)),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.roundTrip(ctx, op, env, method, path, body, contentType, token)
	c.metrics.ObserveGatewayCall(op, time.Since(start), err)

	if err != nil {
		telemetry.RecordError(span, err)
		c.logger.Warn("authority call failed",
			zap.String("op", string(op)),
			zap.String("environment", string(env)),
			zap.Bool("retryable", compliance.IsRetryable(err)),
			zap.Error(err),
		)
		return nil, err
	}
	telemetry.SetAttributes(span, "http.status_code", resp.status)
	telemetry.SetOK(span)
	c.logger.Debug("authority call succeeded",
		zap.String("op", string(op)),
		zap.Int("status", resp.status),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, op compliance.GatewayOp, env compliance.Environment, method, path string, body []byte, contentType string, token *compliance.SessionToken) (*response, error) {
	base, err := c.baseURL(env)
	if err != nil {
		return nil, &compliance.GatewayError{Op: op, Message: err.Error()}
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reqBody)
	if err != nil {
		return nil, &compliance.GatewayError{Op: op, Message: "failed to create request", Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json, application/xml")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if token != nil {
		req.AddCookie(&http.Cookie{Name: TokenCookie, Value: token.Value})
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(op, err)
	}
	if resp.StatusCode >= 300 {
		return nil, statusError(op, resp.StatusCode, respBody)
	}
	return &response{status: resp.StatusCode, body: respBody}, nil
}

// transportError classifies a failure to complete the exchange.
// Everything but explicit cancellation is worth another attempt.
func transportError(op compliance.GatewayOp, err error) error {
	if errors.Is(err, context.Canceled) {
		return &compliance.GatewayError{Op: op, Message: "request cancelled", Err: err}
	}
	msg := "transport error"
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		msg = "request timed out"
	}
	return &compliance.GatewayError{Op: op, Retryable: true, Message: msg, Err: err}
}

// statusError classifies an HTTP error response
func statusError(op compliance.GatewayOp, status int, body []byte) error {
	gwErr := &compliance.GatewayError{Op: op, StatusCode: status}

	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Glosa != "" {
		gwErr.Message = errResp.Codigo + ": " + errResp.Glosa
	} else {
		gwErr.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		gwErr.Err = compliance.ErrAuthFailure
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		gwErr.Retryable = true
	case status >= 500:
		gwErr.Retryable = true
	}
	return gwErr
}

func protocolError(op compliance.GatewayOp, msg string, err error) error {
	return &compliance.GatewayError{Op: op, Message: msg, Err: err}
}
