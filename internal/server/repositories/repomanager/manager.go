package repomanager

import (
	"context"
	"database/sql"

	"github.com/packhub/packhub/internal/dbx"
	"github.com/packhub/packhub/internal/server/repositories/packages"
	"github.com/packhub/packhub/internal/server/repositories/repos"
	"github.com/packhub/packhub/internal/server/repositories/sources"
	"github.com/packhub/packhub/internal/server/repositories/syncresults"
)

// RepositoryManager vends repository implementations bound to an arbitrary
// DBTX, so callers can run several repositories inside one transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Packages(db dbx.DBTX) packages.Repository
	Sources(db dbx.DBTX) sources.Repository
	Repos(db dbx.DBTX) repos.Repository
	SyncResults(db dbx.DBTX) syncresults.Repository
}
