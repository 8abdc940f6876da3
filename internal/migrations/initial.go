package migrations

import (
	"database/sql"
)

// GetInitialMigrations returns all lease store migrations. The leases table
// keys records by client identity; the unique constraint on ip_address is
// what enforces at most one active lease per address at the storage layer.
func GetInitialMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_leases_table",
			Up: func(db *sql.DB) error {
				_, err := db.Exec(`
					CREATE TABLE IF NOT EXISTS leases (
						client_id TEXT PRIMARY KEY,
						mac TEXT NOT NULL,
						ip_address TEXT NOT NULL UNIQUE,
						state TEXT NOT NULL,
						start_time INTEGER NOT NULL,
						duration_seconds INTEGER NOT NULL,
						xid INTEGER NOT NULL DEFAULT 0,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
					)
				`)
				return err
			},
			Down: func(db *sql.DB) error {
				_, err := db.Exec("DROP TABLE IF EXISTS leases")
				return err
			},
		},
		{
			Version: 2,
			Name:    "add_lease_indices",
			Up: func(db *sql.DB) error {
				indices := []string{
					"CREATE INDEX IF NOT EXISTS idx_leases_ip_address ON leases(ip_address)",
					"CREATE INDEX IF NOT EXISTS idx_leases_state ON leases(state)",
					"CREATE INDEX IF NOT EXISTS idx_leases_expiry ON leases(start_time, duration_seconds)",
				}

				for _, indexSQL := range indices {
					if _, err := db.Exec(indexSQL); err != nil {
						return err
					}
				}

				return nil
			},
			Down: func(db *sql.DB) error {
				indices := []string{
					"DROP INDEX IF EXISTS idx_leases_ip_address",
					"DROP INDEX IF EXISTS idx_leases_state",
					"DROP INDEX IF EXISTS idx_leases_expiry",
				}

				for _, dropSQL := range indices {
					if _, err := db.Exec(dropSQL); err != nil {
						return err
					}
				}

				return nil
			},
		},
	}
}
