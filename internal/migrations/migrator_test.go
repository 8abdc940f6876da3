package migrations

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Logf("Warning: failed to close test database: %v", closeErr)
		}
	})
	return db
}

func TestMigrator_RunMigrations(t *testing.T) {
	db := openTestDB(t, "TestMigrator_RunMigrations")

	migrator := NewMigrator(db)
	for _, migration := range GetInitialMigrations() {
		migrator.AddMigration(migration)
	}
	require.NoError(t, migrator.RunMigrations())

	version, err := migrator.GetCurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='leases'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_leases_expiry'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = 2 AND name = 'add_lease_indices'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMigrator_RunMigrationsIdempotent(t *testing.T) {
	db := openTestDB(t, "TestMigrator_RunMigrationsIdempotent")

	migrator := NewMigrator(db)
	for _, migration := range GetInitialMigrations() {
		migrator.AddMigration(migration)
	}
	require.NoError(t, migrator.RunMigrations())
	require.NoError(t, migrator.RunMigrations())

	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMigrator_AddMigrationSortsByVersion(t *testing.T) {
	db := openTestDB(t, "TestMigrator_AddMigrationSortsByVersion")

	migrator := NewMigrator(db)
	migrator.AddMigration(Migration{Version: 2, Name: "second"})
	migrator.AddMigration(Migration{Version: 1, Name: "first"})

	registered := migrator.GetMigrations()
	require.Len(t, registered, 2)
	assert.Equal(t, int64(1), registered[0].Version)
	assert.Equal(t, int64(2), registered[1].Version)
}

func TestMigrator_SkipsAlreadyAppliedVersions(t *testing.T) {
	db := openTestDB(t, "TestMigrator_SkipsAlreadyAppliedVersions")

	ran := 0
	noop := func(*sql.DB) error { ran++; return nil }

	migrator := NewMigrator(db)
	migrator.AddMigration(Migration{Version: 1, Name: "noop", Up: noop})
	require.NoError(t, migrator.RunMigrations())
	require.Equal(t, 1, ran)

	// A fresh migrator over the same database sees version 1 as applied.
	again := NewMigrator(db)
	again.AddMigration(Migration{Version: 1, Name: "noop", Up: noop})
	require.NoError(t, again.RunMigrations())
	assert.Equal(t, 1, ran)
}
