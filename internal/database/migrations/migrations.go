// Package migrations applies the embedded index schema with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// ErrNeedsMigration is returned by Check for an index without a schema version.
var ErrNeedsMigration = errors.New("index has no schema version (needs migration)")

// Version describes where an index schema stands relative to this binary.
type Version struct {
	Current uint
	Latest  uint
	Dirty   bool
}

// Status reads the schema version of db and the latest embedded version.
// A fresh database reports Current 0.
func Status(db *sql.DB) (Version, error) {
	m, err := newMigrate(db)
	if err != nil {
		return Version{}, err
	}
	// m is not closed: closing it would close db, which the caller owns.

	var v Version
	v.Current, v.Dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Version{}, fmt.Errorf("reading schema version: %w", err)
	}

	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return Version{}, fmt.Errorf("reading migration files: %w", err)
	}
	defer src.Close()

	v.Latest, err = latestVersion(src)
	if err != nil {
		return Version{}, fmt.Errorf("determining latest version: %w", err)
	}
	return v, nil
}

// Check returns nil only when db is exactly at the latest schema version.
func Check(db *sql.DB) error {
	v, err := Status(db)
	if err != nil {
		return err
	}
	switch {
	case v.Current == 0:
		return ErrNeedsMigration
	case v.Dirty:
		return fmt.Errorf("index is dirty at version %d (a migration failed previously)", v.Current)
	case v.Current < v.Latest:
		return fmt.Errorf("index is at version %d but latest is %d (%d migrations behind)", v.Current, v.Latest, v.Latest-v.Current)
	case v.Current > v.Latest:
		return fmt.Errorf("index version %d is ahead of binary version %d (binary needs update)", v.Current, v.Latest)
	}
	return nil
}

// Up applies every pending migration. An up-to-date index is not an error.
func Up(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating index: %w", err)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}

// latestVersion walks the source until Next reports no further migration.
func latestVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			return v, nil
		}
		v = next
	}
}
