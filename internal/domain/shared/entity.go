package shared

import (
	"time"

	"github.com/google/uuid"
)

// BaseEntity provides identity and timestamps for all entities
type BaseEntity struct {
	ID        uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewBaseEntity creates a new base entity with a generated ID stamped at now
func NewBaseEntity(now time.Time) BaseEntity {
	return BaseEntity{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch records a modification at now
func (e *BaseEntity) Touch(now time.Time) {
	e.UpdatedAt = now
}

// TenantAggregateRoot is the base for tenant-scoped aggregates.
// Version is used for optimistic locking; domain events are buffered until the
// aggregate is persisted.
type TenantAggregateRoot struct {
	BaseEntity
	TenantID     uuid.UUID
	Version      int
	domainEvents []DomainEvent
}

// NewTenantAggregateRoot creates a new tenant-scoped aggregate root
func NewTenantAggregateRoot(tenantID uuid.UUID, now time.Time) TenantAggregateRoot {
	return TenantAggregateRoot{
		BaseEntity: NewBaseEntity(now),
		TenantID:   tenantID,
		Version:    1,
	}
}

// IncrementVersion bumps the optimistic lock version
func (a *TenantAggregateRoot) IncrementVersion() {
	a.Version++
}

// AddDomainEvent buffers a domain event
func (a *TenantAggregateRoot) AddDomainEvent(event DomainEvent) {
	a.domainEvents = append(a.domainEvents, event)
}

// GetDomainEvents returns the buffered events
func (a *TenantAggregateRoot) GetDomainEvents() []DomainEvent {
	return a.domainEvents
}

// ClearDomainEvents drops the buffered events
func (a *TenantAggregateRoot) ClearDomainEvents() {
	a.domainEvents = nil
}
