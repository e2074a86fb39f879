package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/packhub/packhub/internal/common"
	"github.com/packhub/packhub/internal/dbx"
	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/packhub/packhub/internal/server/repositories/repomanager"
)

// DefaultStaleThreshold is how long an INPROGRESS sync may live before any
// new sync attempt declares it dead and marks it failed.
const DefaultStaleThreshold = 24 * time.Hour

// Orchestrator drives one synchronization run end to end: the single-flight
// guard, the metadata merge, the opportunistic orphan purge and the optional
// eager bits download.
type Orchestrator struct {
	db         *sql.DB
	rm         repomanager.RepositoryManager
	registry   *Registry
	reconciler *Reconciler
	loader     *Loader
	purger     *Purger
	staleAfter time.Duration
	log        logging.Logger
}

func NewOrchestrator(db *sql.DB, rm repomanager.RepositoryManager, registry *Registry,
	reconciler *Reconciler, loader *Loader, purger *Purger,
	staleAfter time.Duration, log logging.Logger) *Orchestrator {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleThreshold
	}
	return &Orchestrator{
		db: db, rm: rm, registry: registry, reconciler: reconciler,
		loader: loader, purger: purger, staleAfter: staleAfter, log: log,
	}
}

// Synchronize runs one sync for the content source as the given subject.
// Returns common.ErrAlreadySyncing without creating a results row when a
// fresh sync is already in flight. Any failure after the INPROGRESS row is
// created finalizes the row as FAILURE with the cause recorded; chunks
// committed before the failure stay applied.
func (o *Orchestrator) Synchronize(ctx context.Context, subject models.Subject, contentSourceID int64) (*models.SyncResults, error) {
	source, err := o.rm.Sources(o.db).Get(ctx, contentSourceID)
	if err != nil {
		return nil, err
	}
	log := o.log.With("source", source.Name, "subject", subject.String())

	sr, err := o.beginSync(ctx, source)
	if err != nil {
		if errors.Is(err, common.ErrAlreadySyncing) {
			log.Info(ctx, "sync already in progress, skipping")
		}
		return nil, err
	}
	log = log.With("syncResultsID", sr.ID)
	log.Info(ctx, "synchronization started")

	progress := newSyncLog(o.db, o.rm, o.log, sr)
	progress.Append(ctx, "synchronization of %s started by %s", source.Name, subject)

	provider, err := o.registry.Lookup(source.TypeName)
	if err != nil {
		return sr, o.fail(ctx, log, sr, err)
	}

	previous, err := o.rm.Sources(o.db).ListMappings(ctx, source.ID)
	if err != nil {
		return sr, o.fail(ctx, log, sr, err)
	}

	report, err := provider.SynchronizePackages(ctx, source, previous)
	if err != nil {
		return sr, o.fail(ctx, log, sr, fmt.Errorf("provider sync failed: %w", err))
	}
	if report.Summary != "" {
		progress.Append(ctx, "%s", report.Summary)
	}

	removed, added, updated, err := o.reconciler.ApplySyncReport(ctx, source, report, previous, progress)
	if err != nil {
		return sr, o.fail(ctx, log, sr, fmt.Errorf("merge failed: %w", err))
	}
	progress.Append(ctx, "metadata merged: %d added, %d updated, %d removed", added, updated, removed)

	if removed > 0 {
		stats, purgeErr := o.purger.PurgeOrphans(ctx)
		if purgeErr != nil {
			return sr, o.fail(ctx, log, sr, fmt.Errorf("orphan purge failed: %w", purgeErr))
		}
		progress.Append(ctx, "purged %d orphaned package versions", stats.PackageVersions)
	}

	if source.DownloadMode != models.DownloadModeNever && !source.LazyLoad {
		if err := o.eagerDownload(ctx, source, progress); err != nil {
			cause := fmt.Errorf("bits download failed: %w", err)
			if errors.Is(err, context.DeadlineExceeded) {
				log.Error(ctx, "synchronization timed out", "error", cause)
				o.finalize(ctx, sr, models.SyncStatusTimedOut, "synchronization timed out: "+cause.Error())
				return sr, cause
			}
			return sr, o.fail(ctx, log, sr, cause)
		}
	}

	o.finalize(ctx, sr, models.SyncStatusSuccess, "synchronization finished")
	log.Info(ctx, "synchronization finished",
		"added", added, "updated", updated, "removed", removed)
	return sr, nil
}

// beginSync is the single-flight guard. In one transaction it inspects the
// source's INPROGRESS rows: a fresh one aborts this attempt, stale ones are
// healed to FAILURE, and a new INPROGRESS row is inserted otherwise. The
// check-then-insert is still best-effort across servers; a narrow window
// remains where two attempts observe no fresh row and both proceed.
func (o *Orchestrator) beginSync(ctx context.Context, source *models.ContentSource) (*models.SyncResults, error) {
	var sr *models.SyncResults
	alreadySyncing := false

	err := dbx.WithTx(ctx, o.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		srRepo := o.rm.SyncResults(tx)
		inProgress, err := srRepo.ListInProgress(ctx, source.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for i, row := range inProgress {
			if i == 0 && now.Sub(row.StartTime) < o.staleAfter {
				alreadySyncing = true
				continue
			}
			row.Status = models.SyncStatusFailure
			row.EndTime = &now
			row.Results += "sync stalled or ended abnormally, marked as failed\n"
			if err := srRepo.Update(ctx, row); err != nil {
				return err
			}
			o.log.Warn(ctx, "healed stale in-progress sync",
				"source", source.Name, "syncResultsID", row.ID, "startTime", row.StartTime)
		}
		if alreadySyncing {
			return nil
		}
		sr = &models.SyncResults{
			ContentSourceID: source.ID,
			Status:          models.SyncStatusInProgress,
			StartTime:       now,
		}
		return srRepo.Insert(ctx, sr)
	})
	if err != nil {
		return nil, err
	}
	if alreadySyncing {
		return nil, common.ErrAlreadySyncing
	}
	return sr, nil
}

// eagerDownload loads bits for every currently-unloaded package version
// mapped to the source. Each download is an independent unit: a failure on
// item N aborts the rest of the pass but items 1..N-1 stay committed.
func (o *Orchestrator) eagerDownload(ctx context.Context, source *models.ContentSource, progress *SyncLog) error {
	unloaded, err := o.rm.Sources(o.db).ListUnloadedMappings(ctx, source.ID)
	if err != nil {
		return err
	}
	if len(unloaded) == 0 {
		return nil
	}
	progress.Append(ctx, "downloading bits for %d packages", len(unloaded))

	for i, m := range unloaded {
		if err := o.loader.EnsureLoaded(ctx, source, m.PackageVersionID); err != nil {
			return fmt.Errorf("download bits for package version %d: %w", m.PackageVersionID, err)
		}
		if (i+1)%cacheClearEvery == 0 {
			progress.Append(ctx, "downloaded bits for %d of %d packages", i+1, len(unloaded))
		}
	}
	progress.Append(ctx, "downloaded bits for all %d packages", len(unloaded))
	return nil
}

// fail finalizes the results row as FAILURE with the full cause chain and
// returns the error unchanged.
func (o *Orchestrator) fail(ctx context.Context, log logging.Logger, sr *models.SyncResults, cause error) error {
	log.Error(ctx, "synchronization failed", "error", cause)
	o.finalize(ctx, sr, models.SyncStatusFailure, "synchronization failed: "+cause.Error())
	return cause
}

func (o *Orchestrator) finalize(ctx context.Context, sr *models.SyncResults, status models.SyncStatus, detail string) {
	now := time.Now().UTC()
	sr.Status = status
	sr.EndTime = &now
	sr.Results += now.Format(time.RFC3339) + " " + detail + "\n"
	if err := o.rm.SyncResults(o.db).Update(ctx, sr); err != nil {
		o.log.Error(ctx, "failed to finalize sync results",
			"syncResultsID", sr.ID, "status", status, "error", err)
	}
}
