// Package sources provides persistence for content sources and their
// package-version mappings.
package sources

import (
	"context"

	"github.com/packhub/packhub/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, cs *models.ContentSource) error
	Update(ctx context.Context, cs *models.ContentSource) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*models.ContentSource, error)
	GetByName(ctx context.Context, name string) (*models.ContentSource, error)
	List(ctx context.Context) ([]*models.ContentSource, error)
	ListScheduled(ctx context.Context) ([]*models.ContentSource, error)

	UpsertMapping(ctx context.Context, packageVersionID, contentSourceID int64, location string) error
	DeleteMapping(ctx context.Context, packageVersionID, contentSourceID int64) (bool, error)
	GetMapping(ctx context.Context, packageVersionID, contentSourceID int64) (*models.PackageVersionContentSource, error)

	// ListMappings returns all mappings of a source with the identity key
	// fields populated, i.e. the "previously known" inventory handed to
	// providers and to the reconciler.
	ListMappings(ctx context.Context, contentSourceID int64) ([]*models.PackageVersionContentSource, error)

	// ListUnloadedMappings returns the mappings whose package versions carry
	// no loaded bits yet, for the eager-download pass.
	ListUnloadedMappings(ctx context.Context, contentSourceID int64) ([]*models.PackageVersionContentSource, error)

	// FindMappingsForPackageVersion returns any sources able to deliver the
	// given package version (used for on-demand downloads).
	FindMappingsForPackageVersion(ctx context.Context, packageVersionID int64) ([]*models.PackageVersionContentSource, error)
}
