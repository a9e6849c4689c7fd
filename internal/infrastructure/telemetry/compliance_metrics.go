package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/prometheus/client_golang/prometheus"
)

// Gateway call outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeRetryable = "retryable_error"
	OutcomeFailure   = "error"
)

// ComplianceMetrics records authority gateway and document lifecycle signals
type ComplianceMetrics struct {
	gatewayRequests *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	certificateOps  *prometheus.CounterVec
}

// NewComplianceMetrics registers the collectors with registerer.
// A nil registerer uses the default registry.
func NewComplianceMetrics(registerer prometheus.Registerer) (*ComplianceMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &ComplianceMetrics{
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dte_gateway_requests_total",
			Help: "Tax authority calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dte_gateway_request_duration_seconds",
			Help:    "Tax authority call latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dte_document_transitions_total",
			Help: "Document authority status transitions.",
		}, []string{"from", "to"}),
		certificateOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dte_certificate_operations_total",
			Help: "Certificate manager operations by result code.",
		}, []string{"op", "code"}),
	}

	for _, c := range []prometheus.Collector{m.gatewayRequests, m.gatewayDuration, m.transitions, m.certificateOps} {
		if err := registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
		}
	}
	return m, nil
}

// ObserveGatewayCall records one gateway call
func (m *ComplianceMetrics) ObserveGatewayCall(op compliance.GatewayOp, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
		if compliance.IsRetryable(err) {
			outcome = OutcomeRetryable
		}
	}
	m.gatewayRequests.WithLabelValues(string(op), outcome).Inc()
	m.gatewayDuration.WithLabelValues(string(op)).Observe(d.Seconds())
}

// RecordTransition counts one document status transition
func (m *ComplianceMetrics) RecordTransition(from, to compliance.SIIStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordCertificateOperation counts one certificate manager operation
func (m *ComplianceMetrics) RecordCertificateOperation(op string, code compliance.ErrorCode) {
	if m == nil {
		return
	}
	if code == compliance.CodeNone {
		code = "OK"
	}
	m.certificateOps.WithLabelValues(op, string(code)).Inc()
}

// TransitionMetricsHandler counts status transitions published on the event bus
type TransitionMetricsHandler struct {
	metrics *ComplianceMetrics
}

// NewTransitionMetricsHandler creates the handler
func NewTransitionMetricsHandler(m *ComplianceMetrics) *TransitionMetricsHandler {
	return &TransitionMetricsHandler{metrics: m}
}

// EventTypes implements shared.EventHandler
func (h *TransitionMetricsHandler) EventTypes() []string {
	return []string{compliance.EventTypeTaxDocumentStatusChanged}
}

// Handle implements shared.EventHandler
func (h *TransitionMetricsHandler) Handle(_ context.Context, event shared.DomainEvent) error {
	if e, ok := event.(*compliance.TaxDocumentStatusChangedEvent); ok {
		h.metrics.RecordTransition(e.From, e.To)
	}
	return nil
}
