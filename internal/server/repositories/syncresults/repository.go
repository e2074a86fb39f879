// Package syncresults provides persistence for synchronization audit records
// and the in-progress queries backing the single-flight guard.
package syncresults

import (
	"context"

	"github.com/packhub/packhub/internal/server/models"
)

type Repository interface {
	Insert(ctx context.Context, sr *models.SyncResults) error
	Update(ctx context.Context, sr *models.SyncResults) error
	Get(ctx context.Context, id int64) (*models.SyncResults, error)
	Delete(ctx context.Context, ids []int64) error
	ListForSource(ctx context.Context, contentSourceID int64, limit int) ([]*models.SyncResults, error)

	// ListInProgress returns INPROGRESS rows for the source ordered by start
	// time descending (most recent first).
	ListInProgress(ctx context.Context, contentSourceID int64) ([]*models.SyncResults, error)
}
