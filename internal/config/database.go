package config

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jbweber/homelab/hearth/internal/migrations"
)

// InitializeDatabase opens the lease database, applies pragmas, and runs
// migrations. WAL journal mode is load-bearing here: it is what gives
// per-statement writes the crash-safety the lease store contract requires.
func (c *Config) InitializeDatabase() (*sql.DB, error) {
	dbDir := filepath.Dir(c.LeaseDBPath)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", c.LeaseDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open lease database: %w", err)
	}

	// Lease writes all happen inside the engine's critical section, so a
	// single writer connection is enough; readers (API, CLI) share it.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// runMigrations runs all database migrations
func runMigrations(db *sql.DB) error {
	migrator := migrations.NewMigrator(db)

	for _, migration := range migrations.GetInitialMigrations() {
		migrator.AddMigration(migration)
	}

	return migrator.RunMigrations()
}
