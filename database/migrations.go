// Package database provides database migration tooling for the registry mirror schema.
package database

import (
	"embed"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx migrate driver
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var fs embed.FS

// migrationsFromSource returns a migration source driver from the embedded migrations.
func migrationsFromSource() source.Driver {
	d, err := iofs.New(fs, "migrations")
	if err != nil {
		panic(err)
	}
	return d
}

// Migrator is the interface for the migration tooling.
type Migrator interface {
	Up() error
	Down() error
	Steps(int) error
	Version() (uint, bool, error)
}

// NewFromConnectionString returns a new migration instance from the given connection string.
// postgres:// URLs are rewritten to the pgx5:// scheme the migrate driver registers.
func NewFromConnectionString(connString string) (Migrator, error) {
	d := migrationsFromSource()
	if rest, ok := strings.CutPrefix(connString, "postgres://"); ok {
		connString = "pgx5://" + rest
	}
	return migrate.NewWithSourceInstance("iofs", d, connString)
}

// GetVersion returns the current migration version and whether the schema is dirty.
func GetVersion(connString string) (uint, bool, error) {
	m, err := NewFromConnectionString(connString)
	if err != nil {
		return 0, false, err
	}
	return m.Version()
}
