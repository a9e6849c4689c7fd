package persistence

import (
	"context"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/infrastructure/masking"
	"github.com/erp/dte/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultEventLogLimit = 100

// Ensure GormEventLogRepository implements EventLog
var _ compliance.EventLog = (*GormEventLogRepository)(nil)

// GormEventLogRepository is the append-only audit log. It has no update or
// delete operations.
type GormEventLogRepository struct {
	db *gorm.DB
}

// NewGormEventLogRepository creates a new GormEventLogRepository
func NewGormEventLogRepository(db *gorm.DB) *GormEventLogRepository {
	return &GormEventLogRepository{db: db}
}

// Append stores an entry with its context masked
func (r *GormEventLogRepository) Append(ctx context.Context, entry *compliance.EventLogEntry) error {
	model := models.EventLogModelFromDomain(entry)
	model.Context = masking.MaskJSON(entry.Context)
	return r.db.WithContext(ctx).Create(model).Error
}

// List returns a tenant's entries, newest first
func (r *GormEventLogRepository) List(ctx context.Context, tenantID uuid.UUID, filter compliance.EventLogFilter) ([]*compliance.EventLogEntry, error) {
	query := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", string(filter.Severity))
	}
	if filter.Since != nil {
		query = query.Where("occurred_at >= ?", *filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLogLimit
	}

	var rows []models.EventLogModel
	if err := query.Order("occurred_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]*compliance.EventLogEntry, len(rows))
	for i := range rows {
		entries[i] = rows[i].ToDomain()
	}
	return entries, nil
}
