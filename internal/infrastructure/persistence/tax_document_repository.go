package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrOptimisticLock is returned when a document was modified concurrently
var ErrOptimisticLock = shared.NewDomainError("OPTIMISTIC_LOCK_FAILED", "tax document was modified by another transaction")

// Ensure GormTaxDocumentRepository implements TaxDocumentRepository
var _ compliance.TaxDocumentRepository = (*GormTaxDocumentRepository)(nil)

// GormTaxDocumentRepository implements TaxDocumentRepository using GORM
type GormTaxDocumentRepository struct {
	db *gorm.DB
}

// NewGormTaxDocumentRepository creates a new GormTaxDocumentRepository
func NewGormTaxDocumentRepository(db *gorm.DB) *GormTaxDocumentRepository {
	return &GormTaxDocumentRepository{db: db}
}

// FindByID finds a document within a tenant
func (r *GormTaxDocumentRepository) FindByID(ctx context.Context, tenantID, id uuid.UUID) (*compliance.TaxDocument, error) {
	var model models.TaxDocumentModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, compliance.ErrDocumentNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Save creates the document or updates it under optimistic locking
func (r *GormTaxDocumentRepository) Save(ctx context.Context, doc *compliance.TaxDocument) error {
	return r.save(r.db.WithContext(ctx), doc)
}

// SaveSigned persists a freshly signed document and consumes its folio in one
// transaction. The folio is only consumed when it is the range's next folio,
// so concurrent signers cannot hand out the same number twice.
func (r *GormTaxDocumentRepository) SaveSigned(ctx context.Context, doc *compliance.TaxDocument) error {
	if doc.SIIStatus != compliance.SIIStatusSigned || doc.Folio <= 0 {
		return fmt.Errorf("%w: document %s is not freshly signed", compliance.ErrInvalidTransition, doc.ID)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.FolioRangeModel{}).
			Where("tenant_id = ? AND document_type = ? AND next_folio = ? AND next_folio <= folio_to",
				doc.TenantID, string(doc.DocumentType), doc.Folio).
			Updates(map[string]any{
				"next_folio": gorm.Expr("next_folio + 1"),
				"updated_at": doc.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: folio %d of %s", compliance.ErrFolioConflict, doc.Folio, doc.DocumentType)
		}
		return r.save(tx, doc)
	})
}

func (r *GormTaxDocumentRepository) save(db *gorm.DB, doc *compliance.TaxDocument) error {
	currentVersion := doc.Version
	model := models.TaxDocumentModelFromDomain(doc)
	model.Version = currentVersion + 1

	result := db.Model(&models.TaxDocumentModel{}).
		Select("*").
		Omit("id", "tenant_id", "created_at").
		Where("id = ? AND tenant_id = ? AND version = ?", doc.ID, doc.TenantID, currentVersion).
		Updates(model)
	if result.Error != nil {
		return translateWriteError(result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := db.Model(&models.TaxDocumentModel{}).Where("id = ?", doc.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrOptimisticLock
		}
		model.Version = currentVersion
		if err := db.Create(model).Error; err != nil {
			return translateWriteError(err)
		}
		return nil
	}
	doc.IncrementVersion()
	return nil
}

// FindByStatus lists a tenant's documents in the given statuses, oldest update first
func (r *GormTaxDocumentRepository) FindByStatus(ctx context.Context, tenantID uuid.UUID, statuses []compliance.SIIStatus, limit int) ([]*compliance.TaxDocument, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	query := r.db.WithContext(ctx).
		Where("tenant_id = ? AND sii_status IN ?", tenantID, values).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []models.TaxDocumentModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	docs := make([]*compliance.TaxDocument, len(rows))
	for i := range rows {
		docs[i] = rows[i].ToDomain()
	}
	return docs, nil
}

// CountAccepted counts documents the authority accepted in env, including later voided ones
func (r *GormTaxDocumentRepository) CountAccepted(ctx context.Context, tenantID uuid.UUID, env compliance.Environment) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TaxDocumentModel{}).
		Where("tenant_id = ? AND environment = ? AND accepted_at IS NOT NULL", tenantID, string(env)).
		Count(&count).Error
	return count, err
}

// ListTenantsWithPending returns tenants with documents awaiting a status poll or a retry
func (r *GormTaxDocumentRepository) ListTenantsWithPending(ctx context.Context, limit int) ([]uuid.UUID, error) {
	query := r.db.WithContext(ctx).Model(&models.TaxDocumentModel{}).
		Distinct("tenant_id").
		Where("sii_status = ? OR (sii_status = ? AND permanent_failure = ?)",
			string(compliance.SIIStatusSent), string(compliance.SIIStatusFailed), false).
		Order("tenant_id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var tenants []uuid.UUID
	if err := query.Pluck("tenant_id", &tenants).Error; err != nil {
		return nil, err
	}
	return tenants, nil
}

// translateWriteError maps unique violations on (tenant, type, folio) onto ErrFolioConflict
func translateWriteError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", compliance.ErrFolioConflict, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key") {
		return fmt.Errorf("%w: %v", compliance.ErrFolioConflict, err)
	}
	return err
}
