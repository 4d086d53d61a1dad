package db

import (
	"database/sql"
	"fmt"
)

// columnExists checks whether a column exists on a table
func (db *DB) columnExists(table, column string) (bool, error) {
	query := fmt.Sprintf("PRAGMA table_info(%s);", table)
	rows, err := db.conn.Query(query)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// GetSchemaVersion returns the current schema version from the database
func (db *DB) GetSchemaVersion() (int, error) {
	var version int
	err := db.conn.QueryRow("SELECT CAST(value AS INTEGER) FROM schema_info WHERE key = 'version'").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (db *DB) setSchemaVersion(version int) error {
	_, err := db.conn.Exec("INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)", fmt.Sprintf("%d", version))
	return err
}

// migrationColumns names the column each migration adds. A fresh database
// already has them from the schema, so those migrations are only recorded.
var migrationColumns = map[int][2]string{
	2: {"import_records", "error_message"},
	3: {"peers", "max_batch_web"},
}

// RunMigrations applies pending migrations and returns how many ran
func (db *DB) RunMigrations() (int, error) {
	currentVersion, err := db.GetSchemaVersion()
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}

	// Fresh database: the schema constant is already current.
	if currentVersion == 0 {
		return 0, db.setSchemaVersion(SchemaVersion)
	}

	migrationsRun := 0
	for _, migration := range Migrations {
		if migration.Version <= currentVersion {
			continue
		}
		if col, ok := migrationColumns[migration.Version]; ok {
			exists, err := db.columnExists(col[0], col[1])
			if err != nil {
				return migrationsRun, fmt.Errorf("check column %s: %w", col[1], err)
			}
			if exists {
				if err := db.setSchemaVersion(migration.Version); err != nil {
					return migrationsRun, fmt.Errorf("set version %d: %w", migration.Version, err)
				}
				migrationsRun++
				continue
			}
		}
		if _, err := db.conn.Exec(migration.SQL); err != nil {
			return migrationsRun, fmt.Errorf("migration %d (%s): %w", migration.Version, migration.Description, err)
		}
		if err := db.setSchemaVersion(migration.Version); err != nil {
			return migrationsRun, fmt.Errorf("set version %d: %w", migration.Version, err)
		}
		migrationsRun++
	}
	return migrationsRun, nil
}
