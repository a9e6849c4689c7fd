package models

import (
	"time"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/google/uuid"
)

// EnvironmentConfigModel is the persistence model for a tenant's authority configuration
type EnvironmentConfigModel struct {
	TenantID            uuid.UUID  `gorm:"type:uuid;primary_key"`
	Environment         string     `gorm:"type:varchar(20);not null"`
	EmitterRUT          string     `gorm:"column:emitter_rut;type:varchar(12);not null"`
	ResolutionNumber    string     `gorm:"type:varchar(50)"`
	ResolutionDate      *time.Time `gorm:"type:date"`
	AutoSend            bool       `gorm:"not null;default:false"`
	AutoRetry           bool       `gorm:"not null"`
	RetryAttempts       int        `gorm:"not null"`
	ConnectionStatus    string     `gorm:"type:varchar(20);not null"`
	ConnectionMessage   string     `gorm:"type:text"`
	LastTestAt          *time.Time
	LastTestEnvironment string    `gorm:"type:varchar(20)"`
	UpdatedAt           time.Time `gorm:"not null;autoUpdateTime:false"`
}

// TableName returns the table name for GORM
func (EnvironmentConfigModel) TableName() string {
	return "tenant_environment_configs"
}

// ToDomain converts the persistence model to a domain EnvironmentConfig
func (m *EnvironmentConfigModel) ToDomain() *compliance.EnvironmentConfig {
	return &compliance.EnvironmentConfig{
		TenantID:            m.TenantID,
		Environment:         compliance.Environment(m.Environment),
		EmitterRUT:          m.EmitterRUT,
		ResolutionNumber:    m.ResolutionNumber,
		ResolutionDate:      m.ResolutionDate,
		AutoSend:            m.AutoSend,
		AutoRetry:           m.AutoRetry,
		RetryAttempts:       m.RetryAttempts,
		ConnectionStatus:    compliance.ConnectionStatus(m.ConnectionStatus),
		ConnectionMessage:   m.ConnectionMessage,
		LastTestAt:          m.LastTestAt,
		LastTestEnvironment: compliance.Environment(m.LastTestEnvironment),
		UpdatedAt:           m.UpdatedAt,
	}
}

// EnvironmentConfigModelFromDomain converts a domain EnvironmentConfig to its persistence model
func EnvironmentConfigModelFromDomain(c *compliance.EnvironmentConfig) *EnvironmentConfigModel {
	return &EnvironmentConfigModel{
		TenantID:            c.TenantID,
		Environment:         string(c.Environment),
		EmitterRUT:          c.EmitterRUT,
		ResolutionNumber:    c.ResolutionNumber,
		ResolutionDate:      c.ResolutionDate,
		AutoSend:            c.AutoSend,
		AutoRetry:           c.AutoRetry,
		RetryAttempts:       c.RetryAttempts,
		ConnectionStatus:    string(c.ConnectionStatus),
		ConnectionMessage:   c.ConnectionMessage,
		LastTestAt:          c.LastTestAt,
		LastTestEnvironment: string(c.LastTestEnvironment),
		UpdatedAt:           c.UpdatedAt,
	}
}

// TenantCertificateModel caches the metadata of a tenant's active certificate
type TenantCertificateModel struct {
	TenantID     uuid.UUID `gorm:"type:uuid;primary_key"`
	SerialNumber string    `gorm:"type:varchar(100);not null"`
	Subject      string    `gorm:"type:text;not null"`
	Issuer       string    `gorm:"type:text;not null"`
	ValidFrom    time.Time `gorm:"not null"`
	ValidTo      time.Time `gorm:"not null;index"`
	Alias        string    `gorm:"type:varchar(200)"`
	UploadedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (TenantCertificateModel) TableName() string {
	return "tenant_certificates"
}

// ToDomain converts the persistence model to domain certificate metadata
func (m *TenantCertificateModel) ToDomain() *compliance.CertificateMetadata {
	return &compliance.CertificateMetadata{
		SerialNumber: m.SerialNumber,
		Subject:      m.Subject,
		Issuer:       m.Issuer,
		ValidFrom:    m.ValidFrom,
		ValidTo:      m.ValidTo,
		Alias:        m.Alias,
		UploadedAt:   m.UploadedAt,
	}
}

// TenantCertificateModelFromDomain converts certificate metadata to its persistence model
func TenantCertificateModelFromDomain(tenantID uuid.UUID, meta compliance.CertificateMetadata) *TenantCertificateModel {
	return &TenantCertificateModel{
		TenantID:     tenantID,
		SerialNumber: meta.SerialNumber,
		Subject:      meta.Subject,
		Issuer:       meta.Issuer,
		ValidFrom:    meta.ValidFrom,
		ValidTo:      meta.ValidTo,
		Alias:        meta.Alias,
		UploadedAt:   meta.UploadedAt,
	}
}
