// Package storage provides the embedded sqlite-backed reference
// implementation of AgentIM's persistent-storage collaborator: the
// settings last-known-DB layer and the token-revocation fallback
// table (spec.md §4.9, §4.11). Swappable behind the narrow interfaces
// those packages already define - a production deployment can satisfy
// the same interfaces against Postgres/MySQL instead.
//
// Migration wiring follows the pack's goclaw migrate command
// (cmd/migrate.go): golang-migrate driven off an embedded source,
// adapted here from goclaw's external postgres+file:// directory to an
// embed.FS-backed sqlite source so the migrations ship inside the
// single gateway/server binary.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB wraps a sqlite *sql.DB opened against path, migrated to the
// latest schema version on Open.
type DB struct {
	*sql.DB
}

// Open opens (creating if absent) the sqlite database at path and
// applies every pending migration.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open sqlite database: %w", err)
	}
	conn.SetMaxOpenConns(1) // modernc sqlite: single writer, avoid SQLITE_BUSY under concurrent writes

	if err := migrateUp(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{DB: conn}, nil
}

func migrateUp(conn *sql.DB) error {
	driver, err := sqlite.WithInstance(conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("storage: failed to build migration driver: %w", err)
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("storage: failed to open embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("storage: failed to build migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("storage: migration failed: %w", err)
	}
	return nil
}

// Close releases the underlying sqlite handle.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Ping verifies the database connection, for use in health checks.
func (db *DB) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}
