package content

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/dbx"
	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/packhub/packhub/internal/server/repositories/repomanager"
)

// Batch sizes are load-bearing performance parameters: removeBatchSize and
// updateBatchSize bound the rows touched per transaction, cacheClearEvery
// bounds the lookup caches held during the ADD phase.
const (
	removeBatchSize = 200
	addBatchSize    = 200
	updateBatchSize = 200
	cacheClearEvery = 100
)

// Reconciler applies a provider's sync report to the persisted package
// graph. Processing order is fixed: REMOVE, then ADD, then UPDATE, each in
// chunked transactions committing independently, so a mid-sync crash leaves
// already-processed chunks durably applied. Re-running the remainder is safe
// because every write is idempotent by identity key.
type Reconciler struct {
	db       *sql.DB
	rm       repomanager.RepositoryManager
	resolver *Resolver
	log      logging.Logger
}

func NewReconciler(db *sql.DB, rm repomanager.RepositoryManager, resolver *Resolver, log logging.Logger) *Reconciler {
	return &Reconciler{db: db, rm: rm, resolver: resolver, log: log}
}

// ApplySyncReport runs the three merge phases and touches the repos'
// last-modified stamps when anything changed. Returns the applied counts.
func (r *Reconciler) ApplySyncReport(ctx context.Context, source *models.ContentSource,
	report *models.PackageSyncReport, previous []*models.PackageVersionContentSource,
	progress *SyncLog) (removed, added, updated int, err error) {

	removed, err = r.removeDeleted(ctx, source, report.DeletedPackages, previous, progress)
	if err != nil {
		return removed, 0, 0, err
	}
	added, err = r.addNew(ctx, source, report.NewPackages, progress)
	if err != nil {
		return removed, added, 0, err
	}
	updated, err = r.updateExisting(ctx, source, report.UpdatedPackages, progress)
	if err != nil {
		return removed, added, updated, err
	}

	if removed+added+updated > 0 {
		repoErr := r.rm.Repos(r.db).TouchForContentSource(ctx, source.ID, time.Now().UTC())
		if repoErr != nil {
			return removed, added, updated, repoErr
		}
	}
	return removed, added, updated, nil
}

// removeDeleted drops the source's mappings for packages the provider no
// longer offers, then deletes package versions left without any owner. Repo
// mappings that lost their last provider go first, otherwise they would keep
// the versions alive.
func (r *Reconciler) removeDeleted(ctx context.Context, source *models.ContentSource,
	deleted []models.PackageDetails, previous []*models.PackageVersionContentSource,
	progress *SyncLog) (int, error) {

	if len(deleted) == 0 {
		return 0, nil
	}
	progress.Append(ctx, "removing %d packages", len(deleted))

	prevByKey := make(map[string]int64, len(previous))
	for _, m := range previous {
		prevByKey[m.Key.String()] = m.PackageVersionID
	}

	var candidates []int64
	removed := 0
	for start := 0; start < len(deleted); start += removeBatchSize {
		chunk := deleted[start:min(start+removeBatchSize, len(deleted))]
		err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			srcRepo := r.rm.Sources(tx)
			pkgRepo := r.rm.Packages(tx)
			for i := range chunk {
				d := &chunk[i]
				pvID, ok := prevByKey[d.Key.String()]
				if !ok {
					pv, findErr := pkgRepo.FindPackageVersionByKey(ctx, d.Key)
					if errors.Is(findErr, common.ErrNotFound) {
						r.log.Warn(ctx, "deleted package not known locally, skipping",
							"source", source.Name, "key", d.Key.String())
						continue
					}
					if findErr != nil {
						return findErr
					}
					pvID = pv.ID
				}
				if _, err := srcRepo.DeleteMapping(ctx, pvID, source.ID); err != nil {
					return err
				}
				candidates = append(candidates, pvID)
				removed++
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		progress.Append(ctx, "removed %d of %d packages", min(start+removeBatchSize, len(deleted)), len(deleted))
	}

	// Repo mappings whose last provider just vanished must go before the
	// orphan check, or they keep the versions referenced.
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repoRepo := r.rm.Repos(tx)
		linked, err := repoRepo.ListForContentSource(ctx, source.ID)
		if err != nil {
			return err
		}
		for _, repo := range linked {
			if _, err := repoRepo.RemovePackageVersionsWithNoProvider(ctx, repo.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	for start := 0; start < len(candidates); start += removeBatchSize {
		chunk := candidates[start:min(start+removeBatchSize, len(candidates))]
		err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			pkgRepo := r.rm.Packages(tx)
			for _, pvID := range chunk {
				if _, err := pkgRepo.DeletePackageVersionIfOrphaned(ctx, pvID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// addCaches holds lookups resolved during the ADD phase. Cleared every
// cacheClearEvery items, trading memory for reduced duplicate queries within
// a chunk. Scoped to one sync, never shared across concurrent syncs.
type addCaches struct {
	resourceTypes map[string]*models.ResourceType
	packageTypes  map[string]*models.PackageType
	architectures map[string]*models.Architecture
}

func newAddCaches() *addCaches {
	return &addCaches{
		resourceTypes: make(map[string]*models.ResourceType),
		packageTypes:  make(map[string]*models.PackageType),
		architectures: make(map[string]*models.Architecture),
	}
}

func (c *addCaches) clear() {
	c.resourceTypes = make(map[string]*models.ResourceType)
	c.packageTypes = make(map[string]*models.PackageType)
	c.architectures = make(map[string]*models.Architecture)
}

// resolvedAdd carries one descriptor's resolved graph entities into the
// chunk transaction that writes its mappings.
type resolvedAdd struct {
	d                 *models.PackageDetails
	packageVersionID  int64
	productVersionIDs []int64
}

// addNew materializes new package descriptors in fixed-size chunks. Each
// chunk runs in two steps: shared entities resolve first, then one
// transaction writes the chunk's mappings. The resolver commits on its own
// connection and must never run while the chunk transaction holds the write
// lock, or the sync would stall behind itself on databases with a single
// writer.
func (r *Reconciler) addNew(ctx context.Context, source *models.ContentSource,
	newPackages []models.PackageDetails, progress *SyncLog) (int, error) {

	if len(newPackages) == 0 {
		return 0, nil
	}
	progress.Append(ctx, "adding %d packages", len(newPackages))

	repos, err := r.rm.Repos(r.db).ListForContentSource(ctx, source.ID)
	if err != nil {
		return 0, err
	}

	caches := newAddCaches()
	added := 0
	processed := 0
	for start := 0; start < len(newPackages); start += addBatchSize {
		chunk := newPackages[start:min(start+addBatchSize, len(newPackages))]

		resolved := make([]resolvedAdd, 0, len(chunk))
		for i := range chunk {
			item, ok, err := r.resolveAdd(ctx, source, &chunk[i], caches)
			if err != nil {
				return added, err
			}
			if ok {
				resolved = append(resolved, item)
			}
			processed++
			if processed%cacheClearEvery == 0 {
				caches.clear()
				progress.Append(ctx, "added %d of %d packages", processed, len(newPackages))
			}
		}

		txErr := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			srcRepo := r.rm.Sources(tx)
			repoRepo := r.rm.Repos(tx)
			pkgRepo := r.rm.Packages(tx)
			for _, item := range resolved {
				if err := srcRepo.UpsertMapping(ctx, item.packageVersionID, source.ID, item.d.Location); err != nil {
					return err
				}
				for _, repo := range repos {
					if err := repoRepo.AddPackageVersion(ctx, repo.ID, item.packageVersionID); err != nil {
						return err
					}
				}
				for _, pverID := range item.productVersionIDs {
					if err := pkgRepo.UpsertProductVersionMapping(ctx, pverID, item.packageVersionID); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if txErr != nil {
			return added, txErr
		}
		added += len(resolved)
	}
	if processed%cacheClearEvery != 0 {
		progress.Append(ctx, "added %d of %d packages", processed, len(newPackages))
	}
	return added, nil
}

// resolveAdd materializes one descriptor's shared entities through the
// resolver, outside any open transaction. Unknown resource or package types
// are tolerated with a warning; unknown architectures are created on the fly.
func (r *Reconciler) resolveAdd(ctx context.Context, source *models.ContentSource,
	d *models.PackageDetails, caches *addCaches) (resolvedAdd, bool, error) {

	var none resolvedAdd
	read := r.rm.Packages(r.db)

	var resourceTypeID *int64
	if d.Key.ResourceTypeName != "" {
		rtKey := d.Key.ResourceTypeName + "|" + d.Key.ResourceTypePlugin
		rt, ok := caches.resourceTypes[rtKey]
		if !ok {
			var err error
			rt, err = read.FindResourceType(ctx, d.Key.ResourceTypeName, d.Key.ResourceTypePlugin)
			if errors.Is(err, common.ErrNotFound) {
				r.log.Warn(ctx, "skipping package from unknown resource type",
					"source", source.Name, "key", d.Key.String())
				return none, false, nil
			}
			if err != nil {
				return none, false, err
			}
			caches.resourceTypes[rtKey] = rt
		}
		resourceTypeID = &rt.ID
	}

	ptKey := d.Key.PackageTypeName + "|" + d.Key.ResourceTypeName + "|" + d.Key.ResourceTypePlugin
	pt, ok := caches.packageTypes[ptKey]
	if !ok {
		var err error
		pt, err = read.FindPackageType(ctx, d.Key.PackageTypeName, resourceTypeID)
		if errors.Is(err, common.ErrNotFound) {
			r.log.Warn(ctx, "skipping package of unknown package type",
				"source", source.Name, "key", d.Key.String())
			return none, false, nil
		}
		if err != nil {
			return none, false, err
		}
		caches.packageTypes[ptKey] = pt
	}

	arch, ok := caches.architectures[d.Key.ArchitectureName]
	if !ok {
		var err error
		arch, err = r.resolver.ResolveArchitecture(ctx, d.Key.ArchitectureName)
		if err != nil {
			return none, false, err
		}
		caches.architectures[d.Key.ArchitectureName] = arch
	}

	pkg, err := r.resolver.ResolvePackage(ctx, d.Key.PackageName, pt.ID, d.Classification)
	if err != nil {
		return none, false, err
	}
	pv, err := r.resolver.ResolvePackageVersion(ctx, d, pkg.ID, arch.ID)
	if err != nil {
		return none, false, err
	}

	item := resolvedAdd{d: d, packageVersionID: pv.ID}
	if resourceTypeID != nil {
		for _, v := range d.ResourceVersions {
			pver, err := r.resolver.ResolveProductVersion(ctx, *resourceTypeID, v)
			if err != nil {
				return none, false, err
			}
			item.productVersionIDs = append(item.productVersionIDs, pver.ID)
		}
	}
	return item, true, nil
}

// updateExisting merges changed descriptors onto existing rows. A missing
// mapping is created rather than failed (self-healing); a missing package
// version is skipped with a warning.
func (r *Reconciler) updateExisting(ctx context.Context, source *models.ContentSource,
	updatedPackages []models.PackageDetails, progress *SyncLog) (int, error) {

	if len(updatedPackages) == 0 {
		return 0, nil
	}
	progress.Append(ctx, "updating %d packages", len(updatedPackages))

	read := r.rm.Packages(r.db)
	updated := 0
	for start := 0; start < len(updatedPackages); start += updateBatchSize {
		chunk := updatedPackages[start:min(start+updateBatchSize, len(updatedPackages))]

		// The merge commits attribute changes through the resolver's own
		// connection, so it runs before the chunk transaction opens.
		type mergedUpdate struct {
			packageVersionID int64
			location         string
		}
		merged := make([]mergedUpdate, 0, len(chunk))
		for i := range chunk {
			d := &chunk[i]
			pv, err := read.FindPackageVersionByKey(ctx, d.Key)
			if errors.Is(err, common.ErrNotFound) {
				r.log.Warn(ctx, "updated package not known locally, skipping",
					"source", source.Name, "key", d.Key.String())
				continue
			}
			if err != nil {
				return updated, err
			}
			if _, err := r.resolver.merge(ctx, pv, d); err != nil {
				return updated, err
			}
			merged = append(merged, mergedUpdate{packageVersionID: pv.ID, location: d.Location})
		}

		err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			srcRepo := r.rm.Sources(tx)
			for _, m := range merged {
				if err := srcRepo.UpsertMapping(ctx, m.packageVersionID, source.ID, m.location); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return updated, err
		}
		updated += len(merged)
		progress.Append(ctx, "updated %d of %d packages", min(start+updateBatchSize, len(updatedPackages)), len(updatedPackages))
	}
	return updated, nil
}
