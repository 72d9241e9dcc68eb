package store

import (
	"context"
	"embed"
	"fmt"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// applySchema creates any missing tables. Every statement is idempotent.
func (db *DB) applySchema(ctx context.Context) error {
	ddl, err := schemaFS.ReadFile("schema/" + string(db.dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("read %s schema: %w", db.dialect, err)
	}
	if _, err := db.sql.ExecContext(ctx, string(ddl)); err != nil {
		return wrap("apply schema", err)
	}
	return nil
}
