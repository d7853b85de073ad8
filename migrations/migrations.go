// Package migrations embeds the schema for the Postgres-backed State Store
// Adapter and applies it with goose, grounded on the teacher's
// system/platform/migrations package (embed.FS + a single Apply entry
// point) but delegating the actual execution to goose instead of a
// hand-rolled exec loop, since goose tracks applied versions in its own
// bookkeeping table and supports Down migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var files embed.FS

// Apply runs every pending migration against db in lexical order.
func Apply(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(files)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrations: apply: %w", err)
	}
	return nil
}
