// Package compliance contains the domain model of the electronic tax document
// (DTE) compliance core: tenant signing identities, tax documents and their
// authority status lifecycle, per-tenant environment configuration, folio
// ranges and the append-only audit log.
//
// The package is persistence and transport agnostic. Storage, signing and the
// tax authority are reached through the ports declared in ports.go.
package compliance
