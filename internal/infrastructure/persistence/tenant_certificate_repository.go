package persistence

import (
	"context"
	"errors"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ensure GormTenantCertificateRepository implements TenantDirectory
var _ compliance.TenantDirectory = (*GormTenantCertificateRepository)(nil)

// GormTenantCertificateRepository stores the certificate metadata written back to the tenant record
type GormTenantCertificateRepository struct {
	db *gorm.DB
}

// NewGormTenantCertificateRepository creates a new GormTenantCertificateRepository
func NewGormTenantCertificateRepository(db *gorm.DB) *GormTenantCertificateRepository {
	return &GormTenantCertificateRepository{db: db}
}

// GetCertificateMetadata returns the cached metadata, or ErrIdentityNotFound
func (r *GormTenantCertificateRepository) GetCertificateMetadata(ctx context.Context, tenantID uuid.UUID) (*compliance.CertificateMetadata, error) {
	var model models.TenantCertificateModel
	if err := r.db.WithContext(ctx).First(&model, "tenant_id = ?", tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, compliance.ErrIdentityNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// SaveCertificateMetadata replaces the cached metadata
func (r *GormTenantCertificateRepository) SaveCertificateMetadata(ctx context.Context, tenantID uuid.UUID, meta compliance.CertificateMetadata) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			UpdateAll: true,
		}).
		Create(models.TenantCertificateModelFromDomain(tenantID, meta)).Error
}

// ClearCertificateMetadata removes the cached metadata; clearing twice is not an error
func (r *GormTenantCertificateRepository) ClearCertificateMetadata(ctx context.Context, tenantID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Delete(&models.TenantCertificateModel{}).Error
}
