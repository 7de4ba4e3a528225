package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embeddedMigrations embed.FS

// Migrate applies all pending migrations for the connection's dialect.
func Migrate(ctx context.Context, db *DB) error {
	goose.SetBaseFS(embeddedMigrations)
	goose.SetLogger(goose.NopLogger())

	dialect, dir := "postgres", "migrations/postgres"
	if db.Driver == DriverSQLite {
		dialect, dir = "sqlite3", "migrations/sqlite"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB.DB, dir); err != nil {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// MigrationStatus returns the current database version.
func MigrationStatus(ctx context.Context, db *DB) (int64, error) {
	goose.SetBaseFS(embeddedMigrations)
	goose.SetLogger(goose.NopLogger())

	dialect := "postgres"
	if db.Driver == DriverSQLite {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db.DB.DB)
}
