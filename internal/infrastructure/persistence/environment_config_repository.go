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

// Ensure GormEnvironmentConfigRepository implements EnvironmentConfigRepository
var _ compliance.EnvironmentConfigRepository = (*GormEnvironmentConfigRepository)(nil)

// GormEnvironmentConfigRepository implements EnvironmentConfigRepository using GORM
type GormEnvironmentConfigRepository struct {
	db *gorm.DB
}

// NewGormEnvironmentConfigRepository creates a new GormEnvironmentConfigRepository
func NewGormEnvironmentConfigRepository(db *gorm.DB) *GormEnvironmentConfigRepository {
	return &GormEnvironmentConfigRepository{db: db}
}

// Find returns the configuration of a tenant
func (r *GormEnvironmentConfigRepository) Find(ctx context.Context, tenantID uuid.UUID) (*compliance.EnvironmentConfig, error) {
	var model models.EnvironmentConfigModel
	if err := r.db.WithContext(ctx).First(&model, "tenant_id = ?", tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, compliance.ErrEnvironmentNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Save upserts the configuration of a tenant
func (r *GormEnvironmentConfigRepository) Save(ctx context.Context, cfg *compliance.EnvironmentConfig) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			UpdateAll: true,
		}).
		Create(models.EnvironmentConfigModelFromDomain(cfg)).Error
}
