package content

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/packhub/packhub/internal/logging"
	"github.com/packhub/packhub/internal/server/models"
	"github.com/packhub/packhub/internal/server/repositories/repomanager"
)

// SyncLog accumulates the human-readable progress text of one sync run and
// re-persists the results record after every append, so clients polling the
// sync status see progress mid-run.
type SyncLog struct {
	db  *sql.DB
	rm  repomanager.RepositoryManager
	log logging.Logger
	sr  *models.SyncResults
}

func newSyncLog(db *sql.DB, rm repomanager.RepositoryManager, log logging.Logger, sr *models.SyncResults) *SyncLog {
	return &SyncLog{db: db, rm: rm, log: log, sr: sr}
}

// Append adds one timestamped line and persists the record. A persistence
// failure is logged but never fails the sync: losing a progress line is
// cheaper than aborting the run.
func (l *SyncLog) Append(ctx context.Context, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	l.sr.Results += time.Now().UTC().Format(time.RFC3339) + " " + line + "\n"
	if err := l.rm.SyncResults(l.db).Update(ctx, l.sr); err != nil {
		l.log.Warn(ctx, "failed to persist sync progress",
			"syncResultsID", l.sr.ID, "error", err)
	}
}
