package content

import (
	"context"
	"database/sql"

	"github.com/packhub/packhub/internal/dbx"
	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/content/bits"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/packhub/packhub/internal/server/repositories/repomanager"
)

// Purger removes package versions left without any owning reference, along
// with their extra-properties configurations, bits rows and stored payloads.
type Purger struct {
	db       *sql.DB
	rm       repomanager.RepositoryManager
	backends map[models.BitsStorage]bits.Backend
	log      logging.Logger
}

func NewPurger(db *sql.DB, rm repomanager.RepositoryManager,
	backends map[models.BitsStorage]bits.Backend, log logging.Logger) *Purger {
	return &Purger{db: db, rm: rm, backends: backends, log: log}
}

// PurgeStats reports what one purge pass removed.
type PurgeStats struct {
	PackageVersions        int64
	PackageBits            int64
	ProductVersionMappings int64
	FilesDeleted           int
	FilesFailed            int
}

// PurgeOrphans deletes every orphaned package version in bulk statements.
// The stored file locations are collected before the bulk delete, because
// the rows needed to compute them are gone afterwards. File deletion runs
// after the database transaction commits and is best-effort: the database
// state is authoritative, leftover files are tolerated litter.
func (p *Purger) PurgeOrphans(ctx context.Context) (*PurgeStats, error) {
	pkgRepo := p.rm.Packages(p.db)

	configIDs, err := pkgRepo.SelectOrphanConfigIDs(ctx)
	if err != nil {
		return nil, err
	}
	files, err := pkgRepo.SelectOrphanFiles(ctx)
	if err != nil {
		return nil, err
	}

	stats := &PurgeStats{}
	err = dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := p.rm.Packages(tx)
		if err := repo.DetachOrphanConfigs(ctx, configIDs); err != nil {
			return err
		}
		if stats.ProductVersionMappings, err = repo.DeleteOrphanProductVersionMappings(ctx); err != nil {
			return err
		}
		if stats.PackageVersions, err = repo.DeleteOrphanPackageVersions(ctx); err != nil {
			return err
		}
		if err := repo.DeleteConfigurations(ctx, configIDs); err != nil {
			return err
		}
		if stats.PackageBits, err = repo.DeleteUnreferencedPackageBits(ctx); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, f := range files {
		backend, ok := p.backends[f.Storage]
		if !ok {
			p.log.Warn(ctx, "no backend to delete orphaned bits file",
				"packageVersionID", f.PackageVersionID, "storage", f.Storage)
			stats.FilesFailed++
			continue
		}
		ref := bits.Ref{PackageVersionID: f.PackageVersionID, FileName: f.FileName}
		if err := backend.Delete(ctx, ref); err != nil {
			p.log.Warn(ctx, "failed to delete orphaned bits file",
				"packageVersionID", f.PackageVersionID, "storage", f.Storage, "error", err)
			stats.FilesFailed++
			continue
		}
		stats.FilesDeleted++
	}

	if stats.PackageVersions > 0 || stats.PackageBits > 0 {
		p.log.Info(ctx, "orphan purge finished",
			"packageVersions", stats.PackageVersions,
			"packageBits", stats.PackageBits,
			"filesDeleted", stats.FilesDeleted,
			"filesFailed", stats.FilesFailed)
	}
	return stats, nil
}
