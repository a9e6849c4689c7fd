package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SchemaCheck is a database object the compliance core relies on for
// correctness, not just for speed
type SchemaCheck struct {
	Name  string
	Query string
}

// RequiredObjects are the guarantees enforced by the database: one folio per
// tenant and document type, and an audit log that cannot be rewritten.
var RequiredObjects = []SchemaCheck{
	{
		Name:  "uq_tax_documents_folio",
		Query: `SELECT 1 FROM pg_indexes WHERE indexname = 'uq_tax_documents_folio'`,
	},
	{
		Name:  "trg_compliance_event_logs_immutable",
		Query: `SELECT 1 FROM pg_trigger WHERE tgname = 'trg_compliance_event_logs_immutable' AND NOT tgisinternal`,
	},
}

// ErrSchemaIncomplete is returned by Verify when a required object is missing
var ErrSchemaIncomplete = errors.New("compliance schema incomplete")

// Verify checks that every object in RequiredObjects exists
func Verify(ctx context.Context, db *sql.DB) error {
	var missing []string
	for _, check := range RequiredObjects {
		var one int
		err := db.QueryRowContext(ctx, check.Query).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			missing = append(missing, check.Name)
		case err != nil:
			return fmt.Errorf("check %s: %w", check.Name, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrSchemaIncomplete, missing)
	}
	return nil
}
