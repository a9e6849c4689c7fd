package models

import (
	"time"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/google/uuid"
)

// FolioRangeModel is the persistence model for an authority-granted folio range
type FolioRangeModel struct {
	BaseModel
	TenantID         uuid.UUID `gorm:"type:uuid;not null;index:idx_folio_ranges_lookup,priority:1"`
	DocumentType     string    `gorm:"type:varchar(20);not null;index:idx_folio_ranges_lookup,priority:2"`
	FolioFrom        int64     `gorm:"not null"`
	FolioTo          int64     `gorm:"not null"`
	NextFolio        int64     `gorm:"not null"`
	AuthorizationXML string    `gorm:"column:authorization_xml;type:text"`
	ReceivedAt       time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (FolioRangeModel) TableName() string {
	return "folio_ranges"
}

// ToDomain converts the persistence model to a domain FolioRange
func (m *FolioRangeModel) ToDomain() *compliance.FolioRange {
	return &compliance.FolioRange{
		ID:               m.ID,
		TenantID:         m.TenantID,
		DocumentType:     compliance.DocumentType(m.DocumentType),
		From:             m.FolioFrom,
		To:               m.FolioTo,
		NextFolio:        m.NextFolio,
		AuthorizationXML: m.AuthorizationXML,
		ReceivedAt:       m.ReceivedAt,
	}
}

// FolioRangeModelFromDomain converts a domain FolioRange to its persistence model
func FolioRangeModelFromDomain(r *compliance.FolioRange, now time.Time) *FolioRangeModel {
	return &FolioRangeModel{
		BaseModel: BaseModel{
			ID:        r.ID,
			CreatedAt: r.ReceivedAt,
			UpdatedAt: now,
		},
		TenantID:         r.TenantID,
		DocumentType:     string(r.DocumentType),
		FolioFrom:        r.From,
		FolioTo:          r.To,
		NextFolio:        r.NextFolio,
		AuthorizationXML: r.AuthorizationXML,
		ReceivedAt:       r.ReceivedAt,
	}
}
