package sqlstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies every pending up migration of dialect to dsn.
func Migrate(dialect Dialect, dsn string, logger *zap.Logger) error {
	return withMigrator(dialect, dsn, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("run migrations: %w", err)
		}
		logVersion(m, dialect, logger)
		return nil
	})
}

// Rollback reverts the last applied migration.
func Rollback(dialect Dialect, dsn string, logger *zap.Logger) error {
	return withMigrator(dialect, dsn, func(m *migrate.Migrate) error {
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("roll back migration: %w", err)
		}
		logVersion(m, dialect, logger)
		return nil
	})
}

// withMigrator runs fn on a dedicated connection; closing the migrator
// closes the database it was given.
func withMigrator(dialect Dialect, dsn string, fn func(*migrate.Migrate) error) error {
	if dialect == SQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}

	var driver database.Driver
	switch dialect {
	case Postgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	case SQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		err = fmt.Errorf("unknown sql dialect %q", dialect)
	}
	if err != nil {
		db.Close()
		return fmt.Errorf("create %s migration driver: %w", dialect, err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		driver.Close()
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(dialect), driver)
	if err != nil {
		driver.Close()
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	return fn(m)
}

func logVersion(m *migrate.Migrate, dialect Dialect, logger *zap.Logger) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		logger.Info("sqlstore: schema empty", zap.String("dialect", string(dialect)))
		return
	}
	logger.Info("sqlstore: schema version",
		zap.String("dialect", string(dialect)),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
}
