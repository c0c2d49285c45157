package state

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	sqliteMigrationsPath   = "migrations/sqlite"
	postgresMigrationsPath = "migrations/postgres"

	// Migration versions encode the release that introduced them as
	// major*10000 + minor*100 + patch. Keep these in sync with the SQL
	// files under migrations/.
	versionBaseSchema            = 10000 // v1.0.0
	versionContentHistoryIndexes = 10002 // v1.0.2
	versionVerificationRequestID = 10004 // v1.0.4

	// The binary refuses to run against a database outside this window.
	minSupportedVersion = versionBaseSchema
	maxSupportedVersion = versionVerificationRequestID
)

const migrationsTable = "_meta_schema_version"

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// MigrateSQLite applies pending migrations to a SQLite state database.
func MigrateSQLite(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("migrate sqlite: init db driver: %w", err)
	}
	return migrateUp(sqliteMigrationsPath, "sqlite", driver)
}

// MigratePostgres applies pending migrations to a Postgres state database.
func MigratePostgres(db *sql.DB) error {
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("migrate postgres: init db driver: %w", err)
	}
	return migrateUp(postgresMigrationsPath, "pgx", driver)
}

func migrateUp(fsPath, dbName string, driver migratedb.Driver) error {
	sourceDriver, err := iofs.New(migrationsFS, fsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", fsPath, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("migrate %s: init migrator: %w", fsPath, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", fsPath, err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("migrate %s: read version: %w", fsPath, err)
	}
	if dirty {
		return fmt.Errorf("migrate %s: database is dirty at version %d", fsPath, version)
	}
	if version < minSupportedVersion || version > maxSupportedVersion {
		return fmt.Errorf("migrate %s: schema version %d outside supported window [%d, %d]",
			fsPath, version, minSupportedVersion, maxSupportedVersion)
	}
	return nil
}
