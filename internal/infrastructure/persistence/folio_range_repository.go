package persistence

import (
	"context"
	"errors"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Ensure GormFolioRangeRepository implements FolioRangeRepository
var _ compliance.FolioRangeRepository = (*GormFolioRangeRepository)(nil)

// GormFolioRangeRepository implements FolioRangeRepository using GORM
type GormFolioRangeRepository struct {
	db    *gorm.DB
	clock shared.Clock
}

// NewGormFolioRangeRepository creates a new GormFolioRangeRepository
func NewGormFolioRangeRepository(db *gorm.DB, clock shared.Clock) *GormFolioRangeRepository {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &GormFolioRangeRepository{db: db, clock: clock}
}

// FindActive returns the lowest range of a document type that still has folios
func (r *GormFolioRangeRepository) FindActive(ctx context.Context, tenantID uuid.UUID, docType compliance.DocumentType) (*compliance.FolioRange, error) {
	var model models.FolioRangeModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND document_type = ? AND next_folio <= folio_to", tenantID, string(docType)).
		Order("folio_from ASC").
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, compliance.ErrNoFolioRange
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Save inserts or replaces a folio range
func (r *GormFolioRangeRepository) Save(ctx context.Context, fr *compliance.FolioRange) error {
	return r.db.WithContext(ctx).Save(models.FolioRangeModelFromDomain(fr, r.clock.Now())).Error
}
