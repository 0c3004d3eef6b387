// Package postgres is the production storage layer: a sqlx connection pool
// over pgx, migrations via golang-migrate, and the transactional store the
// execution engine runs on. SELECT ... FOR UPDATE on the portfolio row is the
// serialization point for concurrent order execution.
package postgres

import (
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/papertrade-lab/papertrade/pkg/errors"
)

// Connect opens a pooled connection to Postgres and verifies it with a ping.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to open database", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to ping database", err)
	}

	return db, nil
}

// RunMigrations applies all pending migrations from migrationsPath.
func RunMigrations(dsn string, migrationsPath string) error {
	// golang-migrate only accepts the postgres:// scheme.
	migrateDSN := dsn
	if strings.HasPrefix(migrateDSN, "postgresql://") {
		migrateDSN = "postgres://" + strings.TrimPrefix(migrateDSN, "postgresql://")
	}

	m, err := migrate.New("file://"+migrationsPath, migrateDSN)
	if err != nil {
		return errors.Wrap(errors.ErrCodeMigrationFailed, "failed to initialize migrations", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(errors.ErrCodeMigrationFailed, "failed to apply migrations", err)
	}

	return nil
}
