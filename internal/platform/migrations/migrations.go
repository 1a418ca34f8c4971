// Package migrations applies the Persistence Gateway's schema as a small,
// fixed set of forward-only SQL files embedded into the binary.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
)

//go:embed *.sql
var files embed.FS

// Apply executes every embedded *.sql file against db in filename order.
// Migrations are forward-only: there is no down path and no external
// version-tracking table — the gateway owns a small, known schema and
// re-applies these idempotent `CREATE ... IF NOT EXISTS` files on every
// call; existing tables and indexes are left as they are, so changes to
// their definitions are not applied to an existing database.
func Apply(ctx context.Context, db *sql.DB) error {
	entries, err := files.ReadDir(".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		contents, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}
