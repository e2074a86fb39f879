// Package repomanager provides a concrete RepositoryManager for PostgreSQL,
// wiring together repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/packhub/packhub/internal/dbx"
	"github.com/packhub/packhub/internal/server/migrations"
	"github.com/packhub/packhub/internal/server/repositories/packages"
	"github.com/packhub/packhub/internal/server/repositories/repos"
	"github.com/packhub/packhub/internal/server/repositories/sources"
	"github.com/packhub/packhub/internal/server/repositories/syncresults"
	"github.com/pressly/goose/v3"
)

// PostgresRepositoryManager vends PostgreSQL-backed repository implementations
// and exposes a schema migration hook.
type PostgresRepositoryManager struct{}

// Packages returns a packages.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Packages(db dbx.DBTX) packages.Repository {
	return packages.NewPostgresRepository(db)
}

// Sources returns a sources.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Sources(db dbx.DBTX) sources.Repository {
	return sources.NewPostgresRepository(db)
}

// Repos returns a repos.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Repos(db dbx.DBTX) repos.Repository {
	return repos.NewPostgresRepository(db)
}

// SyncResults returns a syncresults.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) SyncResults(db dbx.DBTX) syncresults.Repository {
	return syncresults.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetDialect("pgx")
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return err
	}
	return nil
}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
func NewPostgresRepositoryManager(db *sql.DB) (RepositoryManager, error) {
	return &PostgresRepositoryManager{}, nil
}
