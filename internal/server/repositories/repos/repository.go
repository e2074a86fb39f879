// Package repos provides persistence for repos (channels): named collections
// of package versions and content sources that resources subscribe to.
package repos

import (
	"context"
	"time"

	"github.com/packhub/packhub/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, repo *models.Repo) error
	Update(ctx context.Context, repo *models.Repo) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*models.Repo, error)
	GetByName(ctx context.Context, name string) (*models.Repo, error)
	List(ctx context.Context) ([]*models.Repo, error)

	AddContentSource(ctx context.Context, repoID, contentSourceID int64) error
	RemoveContentSource(ctx context.Context, repoID, contentSourceID int64) error
	ListForContentSource(ctx context.Context, contentSourceID int64) ([]*models.Repo, error)

	AddPackageVersion(ctx context.Context, repoID, packageVersionID int64) error
	// RemovePackageVersionsWithNoProvider deletes repo<->package-version rows
	// for which no content source of the repo can deliver the version anymore.
	RemovePackageVersionsWithNoProvider(ctx context.Context, repoID int64) (int64, error)

	// TouchForContentSource bumps last_modified_at on every repo associated
	// with the content source; downstream subscription digests key off it.
	TouchForContentSource(ctx context.Context, contentSourceID int64, now time.Time) error

	Subscribe(ctx context.Context, repoID, resourceID int64) error
	Unsubscribe(ctx context.Context, repoID, resourceID int64) error
	ListSubscribed(ctx context.Context, resourceID int64) ([]*models.Repo, error)
}
