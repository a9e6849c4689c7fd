// Package models contains GORM-specific persistence models that map to database tables.
// These models are separate from domain entities to keep the domain layer pure and free
// from ORM concerns.
//
// Structure:
//   - base.go: base persistence models (BaseModel, TenantAggregateModel)
//   - tax_document.go: tax documents and their authority status
//   - folio_range.go: authority-granted folio ranges (CAF)
//   - environment.go: per-tenant environment configuration and certificate metadata
//   - event_log.go: append-only compliance audit log
package models
