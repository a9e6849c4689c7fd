package models

import (
	"time"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/google/uuid"
)

// EventLogModel is one append-only audit record
type EventLogModel struct {
	ID        uuid.UUID      `gorm:"type:uuid;primary_key"`
	TenantID  uuid.UUID      `gorm:"type:uuid;not null;index:idx_event_logs_tenant_time,priority:1"`
	EventType string         `gorm:"type:varchar(60);not null;index"`
	Severity  string         `gorm:"type:varchar(10);not null"`
	Message   string         `gorm:"type:text;not null"`
	Context   map[string]any `gorm:"serializer:json;type:jsonb"`
	Actor     string         `gorm:"type:varchar(100);not null"`
	Timestamp time.Time      `gorm:"column:occurred_at;not null;index:idx_event_logs_tenant_time,priority:2"`
}

// TableName returns the table name for GORM
func (EventLogModel) TableName() string {
	return "compliance_event_logs"
}

// ToDomain converts the persistence model to a domain EventLogEntry
func (m *EventLogModel) ToDomain() *compliance.EventLogEntry {
	ctx := m.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return &compliance.EventLogEntry{
		ID:        m.ID,
		TenantID:  m.TenantID,
		EventType: m.EventType,
		Severity:  compliance.Severity(m.Severity),
		Message:   m.Message,
		Context:   ctx,
		Actor:     m.Actor,
		Timestamp: m.Timestamp,
	}
}

// EventLogModelFromDomain converts a domain EventLogEntry to its persistence model
func EventLogModelFromDomain(e *compliance.EventLogEntry) *EventLogModel {
	return &EventLogModel{
		ID:        e.ID,
		TenantID:  e.TenantID,
		EventType: e.EventType,
		Severity:  string(e.Severity),
		Message:   e.Message,
		Context:   e.Context,
		Actor:     e.Actor,
		Timestamp: e.Timestamp,
	}
}

// ComplianceModels lists every model of the compliance schema, in dependency order
func ComplianceModels() []any {
	return []any{
		&TenantCertificateModel{},
		&EnvironmentConfigModel{},
		&FolioRangeModel{},
		&TaxDocumentModel{},
		&EventLogModel{},
	}
}
